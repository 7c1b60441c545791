package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/smallbiznis/paymaster/internal/clock"
	"github.com/smallbiznis/paymaster/internal/config"
	"github.com/smallbiznis/paymaster/internal/fxrate"
	idempotencydomain "github.com/smallbiznis/paymaster/internal/idempotency/domain"
	ledgerdomain "github.com/smallbiznis/paymaster/internal/ledger/domain"
	obscontext "github.com/smallbiznis/paymaster/internal/observability/context"
	"github.com/smallbiznis/paymaster/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/paymaster/internal/observability/metrics"
	"github.com/smallbiznis/paymaster/internal/paymaster/domain"
	"github.com/smallbiznis/paymaster/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	outcomeOK       = "ok"
	outcomeReplayed = "replayed"
	outcomeError    = "error"
)

type Params struct {
	fx.In

	Log         *zap.Logger
	Config      config.Config
	Policy      *config.PaymasterPolicyHolder
	Clock       clock.Clock
	Idempotency idempotencydomain.Service
	Ledger      ledgerdomain.Service
	FX          fxrate.Provider
	Locker      ratelimit.Locker
	Window      ratelimit.WindowCounter
	Limiter     ratelimit.Limiter
	Metrics     *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	log         *zap.Logger
	secret      string
	provider    string
	policy      *config.PaymasterPolicyHolder
	clock       clock.Clock
	idempotency idempotencydomain.Service
	ledger      ledgerdomain.Service
	fx          fxrate.Provider
	locker      ratelimit.Locker
	window      ratelimit.WindowCounter
	limiter     ratelimit.Limiter
	metrics     *obsmetrics.Metrics
}

func New(p Params) domain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	policy := p.Policy
	if policy == nil {
		policy = config.NewStaticPolicyHolder(config.DefaultPaymasterPolicy())
	}
	return &Service{
		log:         p.Log.Named("paymaster.service"),
		secret:      p.Config.Paymaster.SigningSecret,
		provider:    p.Config.Paymaster.Provider,
		policy:      policy,
		clock:       clk,
		idempotency: p.Idempotency,
		ledger:      p.Ledger,
		fx:          p.FX,
		locker:      p.Locker,
		window:      p.Window,
		limiter:     p.Limiter,
		metrics:     p.Metrics,
	}
}

func (s *Service) Preauth(ctx context.Context, call domain.Call, req domain.PreauthRequest) (resp *domain.Response, err error) {
	req.OrgID = strings.TrimSpace(req.OrgID)
	req.HoldID = strings.TrimSpace(req.HoldID)
	defer s.recordOutcome(ctx, domain.OperationPreauth, &resp, &err)

	key, err := s.checkHeaders(call)
	if err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	ctx = obscontext.WithOrgID(ctx, req.OrgID)
	log := logger.WithApproval(logger.WithContext(ctx, s.log), req.OrgID, req.HoldID)

	if replay, err := s.lookup(ctx, key, domain.OperationPreauth, req.OrgID); replay != nil || err != nil {
		return replay, err
	}

	now := s.clock.Now().UTC()
	policy := s.policy.Get()
	if err := s.checkDailyPreauthLimit(ctx, req.OrgID, now, policy.PreauthDailyLimit); err != nil {
		return nil, err
	}

	if err := s.verify(log, domain.PreauthSigningString(req), call.Signature); err != nil {
		return nil, err
	}

	maxFee := req.MaxFeePerGasWei
	if !maxFee.IsSet() {
		maxFee, err = domain.ParseWei(policy.DefaultMaxFeePerGasWei)
		if err != nil {
			return nil, err
		}
		if req.MaxPriorityFeePerGasWei.IsSet() && req.MaxPriorityFeePerGasWei.Int().Cmp(maxFee.Int()) > 0 {
			return nil, domain.InvalidRequest("maxPriorityFeePerGasWei must not exceed maxFeePerGasWei")
		}
	}
	expiresAt := now.Add(policy.HoldTTL).Truncate(time.Second)
	if req.ExpiresAt != nil {
		expiresAt = time.Unix(*req.ExpiresAt, 0).UTC()
		if !expiresAt.After(now) {
			return nil, domain.InvalidRequest("expiresAt must be in the future")
		}
		if expiresAt.After(now.Add(policy.MaxHoldTTL)) {
			return nil, domain.InvalidRequest("expiresAt exceeds the maximum hold duration")
		}
	}

	unlock, err := s.acquire(ctx, log, domain.OperationPreauth, req.HoldID, policy)
	if err != nil {
		return nil, err
	}
	defer unlock()

	outcome, err := s.begin(ctx, key, domain.OperationPreauth, req.OrgID)
	if err != nil || outcome.Replay != nil {
		return replayResponse(outcome.Replay), err
	}
	token := outcome.Token

	snapshot, err := s.fx.Snapshot(ctx)
	if err != nil {
		s.abandon(ctx, log, token)
		log.Error("fx snapshot unavailable", zap.Error(err))
		return nil, err
	}
	holdCents, err := domain.GasCostCents(req.EstGasWei, maxFee, snapshot.EthUSDCents)
	if err != nil {
		s.abandon(ctx, log, token)
		return nil, domain.InvalidRequest("estimated gas cost is out of range")
	}
	rawSnapshot, err := snapshot.Marshal()
	if err != nil {
		s.abandon(ctx, log, token)
		return nil, err
	}

	result, err := s.ledger.CreateHold(ctx, ledgerdomain.CreateHoldRequest{
		ApprovalID:  req.HoldID,
		OrgID:       req.OrgID,
		AmountCents: holdCents,
		Method:      req.Method,
		ParamsHash:  req.ParamsHash,
		FXSnapshot:  rawSnapshot,
		ExpiresAt:   expiresAt,
	})
	if err != nil {
		return s.fail(ctx, log, token, err)
	}
	if result.Created {
		log.Info("hold created",
			zap.Int64("hold_cents", holdCents),
			zap.Int64("eth_usd_cents", snapshot.EthUSDCents),
			zap.Time("expires_at", expiresAt),
		)
	}

	return s.succeed(ctx, log, token, domain.PreauthResponse{
		ApprovalID:       result.Hold.ApprovalID,
		CreditsHoldCents: result.Hold.AmountCents,
		ExpiresAt:        result.Hold.ExpiresAt.Unix(),
	})
}

func (s *Service) Settle(ctx context.Context, call domain.Call, req domain.SettleRequest) (resp *domain.Response, err error) {
	req.ApprovalID = strings.TrimSpace(req.ApprovalID)
	req.TxHash = strings.TrimSpace(req.TxHash)
	defer s.recordOutcome(ctx, domain.OperationSettle, &resp, &err)

	key, err := s.checkHeaders(call)
	if err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	if replay, err := s.lookup(ctx, key, domain.OperationSettle, ""); replay != nil || err != nil {
		return replay, err
	}

	hold, err := s.ledger.GetHold(ctx, req.ApprovalID)
	if err != nil {
		return nil, s.classify(err)
	}
	ctx = obscontext.WithOrgID(ctx, hold.OrgID)
	log := logger.WithApproval(logger.WithContext(ctx, s.log), hold.OrgID, hold.ApprovalID)

	if err := s.verify(log, domain.SettleSigningString(hold.ParamsHash, req), call.Signature); err != nil {
		return nil, err
	}

	policy := s.policy.Get()
	if err := s.checkBucket(ctx, hold.OrgID, ratelimit.SettleBucketKey(hold.OrgID), domain.OperationSettle, policy); err != nil {
		return nil, err
	}

	unlock, err := s.acquire(ctx, log, domain.OperationSettle, req.ApprovalID, policy)
	if err != nil {
		return nil, err
	}
	defer unlock()

	outcome, err := s.begin(ctx, key, domain.OperationSettle, hold.OrgID)
	if err != nil || outcome.Replay != nil {
		return replayResponse(outcome.Replay), err
	}
	token := outcome.Token

	result, err := s.ledger.CaptureHold(ctx, ledgerdomain.CaptureHoldRequest{
		ApprovalID:   req.ApprovalID,
		TxHash:       req.TxHash,
		Provider:     s.provider,
		RefundUnused: policy.RefundUnusedHold,
		Cost: func(locked ledgerdomain.CreditHold) (int64, error) {
			snapshot, err := fxrate.Unmarshal([]byte(locked.FXSnapshot))
			if err != nil {
				return 0, err
			}
			return domain.GasCostCents(req.GasUsedWei, req.EffectiveGasPriceWei, snapshot.EthUSDCents)
		},
	})
	if err != nil {
		return s.fail(ctx, log, token, err)
	}

	debited := -result.Debit.AmountCents
	if result.Replayed {
		log.Info("settle matched existing debit", zap.String("txn_id", result.Debit.ID.String()))
	} else {
		fields := []zap.Field{
			zap.Int64("debited_cents", debited),
			zap.Int64("hold_cents", result.Hold.AmountCents),
			zap.String("tx_hash", req.TxHash),
		}
		if result.Refund != nil {
			fields = append(fields, zap.Int64("refunded_cents", result.Refund.AmountCents))
		}
		log.Info("hold captured", fields...)
	}

	return s.succeed(ctx, log, token, domain.SettleResponse{
		TxnID:        result.Debit.ID.String(),
		DebitedCents: debited,
	})
}

func (s *Service) Release(ctx context.Context, call domain.Call, req domain.ReleaseRequest) (resp *domain.Response, err error) {
	req.ApprovalID = strings.TrimSpace(req.ApprovalID)
	defer s.recordOutcome(ctx, domain.OperationRelease, &resp, &err)

	key, err := s.checkHeaders(call)
	if err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	if replay, err := s.lookup(ctx, key, domain.OperationRelease, ""); replay != nil || err != nil {
		return replay, err
	}

	hold, err := s.ledger.GetHold(ctx, req.ApprovalID)
	if err != nil {
		return nil, s.classify(err)
	}
	ctx = obscontext.WithOrgID(ctx, hold.OrgID)
	log := logger.WithApproval(logger.WithContext(ctx, s.log), hold.OrgID, hold.ApprovalID)

	if err := s.verify(log, domain.ReleaseSigningString(hold.ParamsHash, req), call.Signature); err != nil {
		return nil, err
	}

	policy := s.policy.Get()
	if err := s.checkBucket(ctx, hold.OrgID, ratelimit.ReleaseBucketKey(hold.OrgID), domain.OperationRelease, policy); err != nil {
		return nil, err
	}

	unlock, err := s.acquire(ctx, log, domain.OperationRelease, req.ApprovalID, policy)
	if err != nil {
		return nil, err
	}
	defer unlock()

	outcome, err := s.begin(ctx, key, domain.OperationRelease, hold.OrgID)
	if err != nil || outcome.Replay != nil {
		return replayResponse(outcome.Replay), err
	}
	token := outcome.Token

	result, err := s.ledger.ReleaseHold(ctx, req.ApprovalID)
	if err != nil {
		return s.fail(ctx, log, token, err)
	}
	if !result.Replayed {
		log.Info("hold released", zap.Int64("released_cents", result.Release.AmountCents))
	}

	return s.succeed(ctx, log, token, domain.ReleaseResponse{
		ApprovalID:    result.Hold.ApprovalID,
		ReleasedCents: result.Release.AmountCents,
	})
}

func (s *Service) checkHeaders(call domain.Call) (string, error) {
	key := strings.TrimSpace(call.IdempotencyKey)
	if key == "" {
		return "", domain.IdempotencyKeyRequired()
	}
	if !domain.ValidIdentifier(key) {
		return "", domain.InvalidRequest("X-Idempotency-Key is malformed")
	}
	if strings.TrimSpace(call.Signature) == "" {
		return "", domain.SignatureRequired()
	}
	return key, nil
}

// lookup answers from a finalized record before any rate limit is spent.
func (s *Service) lookup(ctx context.Context, key, operation, orgID string) (*domain.Response, error) {
	record, err := s.idempotency.Lookup(ctx, key)
	if err != nil {
		return nil, s.classify(err)
	}
	if record == nil {
		return nil, nil
	}
	if !record.Matches(operation, orgID) {
		return nil, domain.IdempotencyKeyReused()
	}
	// In-flight records fall through; BeginOrReplay decides between busy and
	// taking over a stale reservation.
	return replayResponse(record.Response()), nil
}

func (s *Service) begin(ctx context.Context, key, operation, orgID string) (idempotencydomain.Outcome, error) {
	outcome, err := s.idempotency.BeginOrReplay(ctx, idempotencydomain.BeginRequest{
		Key:    key,
		Method: operation,
		OrgID:  orgID,
	})
	if err != nil {
		return idempotencydomain.Outcome{}, s.classify(err)
	}
	return outcome, nil
}

func (s *Service) checkDailyPreauthLimit(ctx context.Context, orgID string, now time.Time, limit int64) error {
	count, ttl, err := s.window.Increment(ctx, ratelimit.DailyPreauthKey(orgID, now), ratelimit.UntilNextUTCMidnight(now))
	if err != nil {
		logger.WithContext(ctx, s.log).Error("preauth rate limiter failed", zap.Error(err))
		return domain.RateLimiterUnavailable()
	}
	if count > limit {
		s.metrics.RecordRateLimitDenied(ctx, orgID, domain.OperationPreauth, "daily_limit")
		return domain.RateLimited(ratelimit.RetryAfterSeconds(ttl))
	}
	s.metrics.RecordRateLimitAllowed(ctx, orgID, domain.OperationPreauth)
	return nil
}

func (s *Service) checkBucket(ctx context.Context, orgID, key, operation string, policy config.PaymasterPolicy) error {
	result, err := s.limiter.Allow(ctx, key, policy.SettleRate, policy.SettleBurst)
	if err != nil {
		logger.WithContext(ctx, s.log).Error("rate limiter failed", zap.String("operation", operation), zap.Error(err))
		return domain.RateLimiterUnavailable()
	}
	if !result.Allowed {
		s.metrics.RecordRateLimitDenied(ctx, orgID, operation, "token_bucket")
		return domain.RateLimited(ratelimit.RetryAfterSeconds(result.RetryAfter))
	}
	s.metrics.RecordRateLimitAllowed(ctx, orgID, operation)
	return nil
}

func (s *Service) verify(log *zap.Logger, message, signature string) error {
	if strings.TrimSpace(s.secret) == "" {
		log.Error("signing secret is not configured")
		return domain.SigningSecretUnconfigured()
	}
	if !domain.VerifySignature(s.secret, message, signature) {
		log.Warn("signature mismatch", zap.Bool("tamper_suspected", true))
		return domain.InvalidSignature()
	}
	return nil
}

// acquire takes the approval lock. The returned func releases it and must be
// deferred; release failures are logged and counted.
func (s *Service) acquire(ctx context.Context, log *zap.Logger, operation, approvalID string, policy config.PaymasterPolicy) (func(), error) {
	key := ratelimit.ApprovalLockKey(approvalID)
	token, ok, err := ratelimit.Acquire(ctx, s.locker, key, ratelimit.LockOptions{
		TTL:           policy.LockTTL,
		Wait:          policy.LockWait,
		RetryInterval: policy.LockRetryInterval,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		log.Error("approval lock unavailable", zap.Error(err))
		return nil, domain.LockUnavailable()
	}
	if !ok {
		s.metrics.RecordLockBusy(ctx, operation)
		return nil, domain.LockBusy()
	}

	return func() {
		releaseCtx := context.WithoutCancel(ctx)
		released, err := s.locker.Release(releaseCtx, key, token)
		switch {
		case err != nil:
			s.metrics.RecordLockReleaseFailure(releaseCtx, operation, "error")
			log.Error("approval lock release failed", zap.Error(err))
		case !released:
			s.metrics.RecordLockReleaseFailure(releaseCtx, operation, "not_owner")
			log.Error("approval lock expired before release", zap.Duration("lock_ttl", policy.LockTTL))
		}
	}, nil
}

func (s *Service) succeed(ctx context.Context, log *zap.Logger, token *idempotencydomain.Token, payload any) (*domain.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	s.finalize(ctx, log, token, http.StatusOK, body)
	return &domain.Response{StatusCode: http.StatusOK, Body: body}, nil
}

// fail settles the reservation for a failed ledger call. Persisted rejections
// are finalized and rendered; everything else drops the reservation so a
// retry runs again.
func (s *Service) fail(ctx context.Context, log *zap.Logger, token *idempotencydomain.Token, err error) (*domain.Response, error) {
	classified := s.classify(err)
	var rejection *domain.Rejection
	if errors.As(classified, &rejection) && rejection.Persist {
		body := rejection.Body()
		s.finalize(ctx, log, token, rejection.Status, body)
		log.Info("request rejected", zap.String("code", rejection.Code))
		return &domain.Response{StatusCode: rejection.Status, Body: body}, nil
	}
	s.abandon(ctx, log, token)
	if rejection == nil {
		log.Error("ledger operation failed", zap.Error(err))
	}
	return nil, classified
}

func (s *Service) finalize(ctx context.Context, log *zap.Logger, token *idempotencydomain.Token, status int, body []byte) {
	if err := s.idempotency.Finalize(context.WithoutCancel(ctx), token, status, body); err != nil {
		log.Error("idempotency finalize failed after commit", zap.Error(err))
	}
}

func (s *Service) abandon(ctx context.Context, log *zap.Logger, token *idempotencydomain.Token) {
	if err := s.idempotency.Abandon(context.WithoutCancel(ctx), token); err != nil {
		log.Warn("idempotency reservation not released", zap.Error(err))
	}
}

// classify maps collaborator errors to rejections. Unknown errors pass
// through unchanged.
func (s *Service) classify(err error) error {
	var rejection *domain.Rejection
	switch {
	case err == nil:
		return nil
	case errors.As(err, &rejection):
		return rejection
	case errors.Is(err, idempotencydomain.ErrInvalidKey):
		return domain.IdempotencyKeyRequired()
	case errors.Is(err, idempotencydomain.ErrInFlight):
		return domain.IdempotencyInFlight()
	case errors.Is(err, idempotencydomain.ErrKeyReused):
		return domain.IdempotencyKeyReused()
	case errors.Is(err, idempotencydomain.ErrPersistFailed):
		return domain.IdempotencyPersistFail()
	case errors.Is(err, ledgerdomain.ErrAccountNotFound):
		return domain.AccountNotFound()
	case errors.Is(err, ledgerdomain.ErrHoldNotFound):
		return domain.HoldNotFound()
	case errors.Is(err, ledgerdomain.ErrInsufficientCredits):
		return domain.InsufficientCredits()
	case errors.Is(err, ledgerdomain.ErrHoldConflict):
		return domain.HoldConflict()
	case errors.Is(err, ledgerdomain.ErrHoldNotActive):
		return domain.HoldNotActive()
	case errors.Is(err, ledgerdomain.ErrHoldExpired):
		return domain.PreauthExpired()
	case errors.Is(err, ledgerdomain.ErrCaptureExceedsHold):
		return domain.CaptureExceedsHold()
	case errors.Is(err, ledgerdomain.ErrDailyCapExceeded):
		return domain.DailyGasCapExceeded()
	case errors.Is(err, domain.ErrAmountOverflow), errors.Is(err, domain.ErrInvalidWei):
		return domain.InvalidRequest("gas cost is out of range")
	default:
		return err
	}
}

func (s *Service) recordOutcome(ctx context.Context, operation string, resp **domain.Response, err *error) {
	outcome := outcomeOK
	var rejection *domain.Rejection
	switch {
	case *err != nil && errors.As(*err, &rejection):
		outcome = strings.ToLower(rejection.Code)
	case *err != nil:
		outcome = outcomeError
	case *resp != nil && (*resp).Replayed:
		outcome = outcomeReplayed
		s.metrics.RecordIdempotencyReplay(ctx, operation)
	case *resp != nil && (*resp).StatusCode != http.StatusOK:
		outcome = "rejected"
	}
	s.metrics.RecordOperation(ctx, operation, outcome)
}

func replayResponse(stored *idempotencydomain.StoredResponse) *domain.Response {
	if stored == nil {
		return nil
	}
	return &domain.Response{StatusCode: stored.StatusCode, Body: stored.Body, Replayed: true}
}
