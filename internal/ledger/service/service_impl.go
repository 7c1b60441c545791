package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/paymaster/internal/clock"
	"github.com/smallbiznis/paymaster/internal/events"
	"github.com/smallbiznis/paymaster/internal/ledger/domain"
	"github.com/smallbiznis/paymaster/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/paymaster/internal/observability/metrics"
	"github.com/smallbiznis/paymaster/pkg/db"
	"github.com/smallbiznis/paymaster/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	spendWindow     = 24 * time.Hour
	defaultPageSize = 50
	maxPageSize     = 250
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Repo    domain.Repository
	Clock   clock.Clock
	Events  events.Publisher    `optional:"true"`
	Metrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	repo    domain.Repository
	clock   clock.Clock
	events  events.Publisher
	metrics *obsmetrics.Metrics
}

func New(p Params) domain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	publisher := p.Events
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("ledger.service"),
		genID:   p.GenID,
		repo:    p.Repo,
		clock:   clk,
		events:  publisher,
		metrics: p.Metrics,
	}
}

func (s *Service) now() time.Time {
	return s.clock.Now().UTC().Truncate(time.Microsecond)
}

func (s *Service) CreateHold(ctx context.Context, req domain.CreateHoldRequest) (*domain.CreateHoldResult, error) {
	req.ApprovalID = strings.TrimSpace(req.ApprovalID)
	req.OrgID = strings.TrimSpace(req.OrgID)
	if req.ApprovalID == "" {
		return nil, domain.ErrInvalidApproval
	}
	if req.OrgID == "" {
		return nil, domain.ErrInvalidOrganization
	}
	if req.AmountCents < 0 {
		return nil, domain.ErrInvalidAmount
	}
	if req.ExpiresAt.IsZero() {
		return nil, domain.ErrInvalidExpiry
	}

	now := s.now()
	var result domain.CreateHoldResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := s.repo.FindAccount(ctx, tx, req.OrgID, true)
		if err != nil {
			return err
		}
		if account == nil {
			return domain.ErrAccountNotFound
		}

		existing, err := s.repo.FindHold(ctx, tx, req.ApprovalID, false)
		if err != nil {
			return err
		}
		if existing != nil {
			if existing.OrgID != req.OrgID {
				return domain.ErrHoldConflict
			}
			result = domain.CreateHoldResult{Hold: *existing}
			return nil
		}

		if account.BalanceCents < req.AmountCents {
			return domain.ErrInsufficientCredits
		}

		hold := domain.CreditHold{
			ApprovalID:  req.ApprovalID,
			OrgID:       req.OrgID,
			AmountCents: req.AmountCents,
			Method:      req.Method,
			ParamsHash:  req.ParamsHash,
			ExpiresAt:   req.ExpiresAt.UTC(),
			Status:      domain.HoldStatusActive,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if len(req.FXSnapshot) > 0 {
			hold.FXSnapshot = datatypes.JSON(req.FXSnapshot)
		}
		if err := s.repo.InsertHold(ctx, tx, &hold); err != nil {
			if db.IsDuplicateKeyErr(err) {
				return domain.ErrHoldConflict
			}
			return err
		}

		ok, err := s.repo.DebitBalance(ctx, tx, req.OrgID, req.AmountCents, now)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrInsufficientCredits
		}

		if _, err := s.insertTransaction(ctx, tx, domain.CreditTransaction{
			OrgID:       req.OrgID,
			Type:        domain.TransactionTypeHold,
			AmountCents: -req.AmountCents,
			Reason:      domain.ReasonPreauth,
			RefID:       req.ApprovalID,
			CreatedAt:   now,
		}); err != nil {
			return err
		}

		result = domain.CreateHoldResult{Hold: hold, Created: true}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Created {
		s.metrics.RecordCredits(ctx, string(domain.TransactionTypeHold), req.AmountCents)
		s.publish(ctx, holdEvent(events.TypeHoldCreated, result.Hold, result.Hold.AmountCents, now))
	}
	return &result, nil
}

func (s *Service) CaptureHold(ctx context.Context, req domain.CaptureHoldRequest) (*domain.CaptureHoldResult, error) {
	req.ApprovalID = strings.TrimSpace(req.ApprovalID)
	if req.ApprovalID == "" {
		return nil, domain.ErrInvalidApproval
	}
	if req.Cost == nil {
		return nil, domain.ErrInvalidAmount
	}

	now := s.now()
	var result domain.CaptureHoldResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		hold, err := s.repo.FindHold(ctx, tx, req.ApprovalID, true)
		if err != nil {
			return err
		}
		if hold == nil {
			return domain.ErrHoldNotFound
		}

		debit, err := s.repo.FindTransaction(ctx, tx, hold.OrgID, domain.TransactionTypeDebit, req.ApprovalID)
		if err != nil {
			return err
		}
		if debit != nil {
			result = domain.CaptureHoldResult{Hold: *hold, Debit: *debit, Replayed: true}
			refund, err := s.repo.FindTransaction(ctx, tx, hold.OrgID, domain.TransactionTypeRelease, req.ApprovalID)
			if err != nil {
				return err
			}
			if refund != nil && refund.Reason == domain.ReasonUnusedHold {
				result.Refund = refund
			}
			return nil
		}

		if hold.Status == domain.HoldStatusExpired || !now.Before(hold.ExpiresAt) {
			return domain.ErrHoldExpired
		}
		if hold.Status != domain.HoldStatusActive {
			return domain.ErrHoldNotActive
		}

		cost, err := req.Cost(*hold)
		if err != nil {
			return err
		}
		if cost < 0 {
			return domain.ErrInvalidAmount
		}
		if cost > hold.AmountCents {
			return domain.ErrCaptureExceedsHold
		}

		account, err := s.repo.FindAccount(ctx, tx, hold.OrgID, true)
		if err != nil {
			return err
		}
		if account == nil {
			return domain.ErrAccountNotFound
		}
		if now.Sub(account.SpendWindowStart) >= spendWindow {
			account.DailyGasSpendCents = 0
			account.SpendWindowStart = now
		}
		if account.DailyGasCapCents > 0 && account.DailyGasSpendCents+cost > account.DailyGasCapCents {
			return domain.ErrDailyCapExceeded
		}

		txHash := strings.TrimSpace(req.TxHash)
		hold.Status = domain.HoldStatusCaptured
		hold.CapturedCents = &cost
		hold.TxHash = &txHash
		hold.UpdatedAt = now
		moved, err := s.repo.TransitionHold(ctx, tx, hold, domain.HoldStatusCaptured)
		if err != nil {
			return err
		}
		if !moved {
			return domain.ErrHoldNotActive
		}

		debitRow, err := s.insertTransaction(ctx, tx, domain.CreditTransaction{
			OrgID:       hold.OrgID,
			Type:        domain.TransactionTypeDebit,
			AmountCents: -cost,
			Reason:      domain.ReasonCapture,
			RefID:       hold.ApprovalID,
			Provider:    req.Provider,
			ProviderRef: txHash,
			CreatedAt:   now,
		})
		if err != nil {
			return err
		}

		account.DailyGasSpendCents += cost
		account.UpdatedAt = now
		if err := s.repo.UpdateSpendWindow(ctx, tx, account); err != nil {
			return err
		}

		result = domain.CaptureHoldResult{Hold: *hold, Debit: *debitRow}

		unused := hold.AmountCents - cost
		if req.RefundUnused && unused > 0 {
			refund, err := s.refund(ctx, tx, *hold, unused, domain.ReasonUnusedHold, now)
			if err != nil {
				return err
			}
			result.Refund = refund
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !result.Replayed {
		s.metrics.RecordCredits(ctx, string(domain.TransactionTypeDebit), -result.Debit.AmountCents)
		event := holdEvent(events.TypeHoldCaptured, result.Hold, -result.Debit.AmountCents, now)
		event.Data = map[string]any{"txHash": result.Debit.ProviderRef}
		if result.Refund != nil {
			s.metrics.RecordCredits(ctx, string(domain.TransactionTypeRelease), result.Refund.AmountCents)
			event.Data["refundedCents"] = result.Refund.AmountCents
		}
		s.publish(ctx, event)
	}
	return &result, nil
}

func (s *Service) ReleaseHold(ctx context.Context, approvalID string) (*domain.ReleaseHoldResult, error) {
	return s.endHold(ctx, approvalID, domain.HoldStatusReleased, time.Time{})
}

// ExpireHold reclaims a hold whose expiry is at or before cutoff.
func (s *Service) ExpireHold(ctx context.Context, approvalID string, cutoff time.Time) (*domain.ReleaseHoldResult, error) {
	if cutoff.IsZero() {
		return nil, domain.ErrInvalidExpiry
	}
	return s.endHold(ctx, approvalID, domain.HoldStatusExpired, cutoff.UTC())
}

func (s *Service) endHold(ctx context.Context, approvalID string, to domain.HoldStatus, cutoff time.Time) (*domain.ReleaseHoldResult, error) {
	approvalID = strings.TrimSpace(approvalID)
	if approvalID == "" {
		return nil, domain.ErrInvalidApproval
	}
	reason := domain.ReasonReleased
	eventType := events.TypeHoldReleased
	if to == domain.HoldStatusExpired {
		reason = domain.ReasonExpired
		eventType = events.TypeHoldExpired
	}

	now := s.now()
	var result domain.ReleaseHoldResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		hold, err := s.repo.FindHold(ctx, tx, approvalID, true)
		if err != nil {
			return err
		}
		if hold == nil {
			return domain.ErrHoldNotFound
		}

		if hold.Status == to && to == domain.HoldStatusReleased {
			release, err := s.repo.FindTransaction(ctx, tx, hold.OrgID, domain.TransactionTypeRelease, approvalID)
			if err != nil {
				return err
			}
			if release != nil {
				result = domain.ReleaseHoldResult{Hold: *hold, Release: *release, Replayed: true}
				return nil
			}
		}
		if hold.Status != domain.HoldStatusActive {
			return domain.ErrHoldNotActive
		}
		if to == domain.HoldStatusExpired && hold.ExpiresAt.After(cutoff) {
			return domain.ErrHoldNotExpired
		}

		hold.Status = to
		hold.UpdatedAt = now
		moved, err := s.repo.TransitionHold(ctx, tx, hold, to)
		if err != nil {
			return err
		}
		if !moved {
			return domain.ErrHoldNotActive
		}

		release, err := s.refund(ctx, tx, *hold, hold.AmountCents, reason, now)
		if err != nil {
			return err
		}
		result = domain.ReleaseHoldResult{Hold: *hold}
		if release != nil {
			result.Release = *release
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !result.Replayed {
		s.metrics.RecordCredits(ctx, string(domain.TransactionTypeRelease), result.Release.AmountCents)
		s.publish(ctx, holdEvent(eventType, result.Hold, result.Hold.AmountCents, now))
	}
	return &result, nil
}

// refund returns cents to the hold owner's balance and appends the matching
// release row. Zero-cent refunds write nothing.
func (s *Service) refund(ctx context.Context, tx *gorm.DB, hold domain.CreditHold, cents int64, reason string, now time.Time) (*domain.CreditTransaction, error) {
	if cents <= 0 {
		return nil, nil
	}
	if err := s.repo.CreditBalance(ctx, tx, hold.OrgID, cents, now); err != nil {
		return nil, err
	}
	return s.insertTransaction(ctx, tx, domain.CreditTransaction{
		OrgID:       hold.OrgID,
		Type:        domain.TransactionTypeRelease,
		AmountCents: cents,
		Reason:      reason,
		RefID:       hold.ApprovalID,
		CreatedAt:   now,
	})
}

func (s *Service) ListExpiredHolds(ctx context.Context, cutoff time.Time, limit int) ([]domain.CreditHold, error) {
	var holds []domain.CreditHold
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		items, err := s.repo.LockExpiredHolds(ctx, tx, cutoff.UTC(), limit)
		if err != nil {
			return err
		}
		holds = items
		return nil
	})
	if err != nil {
		return nil, err
	}
	return holds, nil
}

func (s *Service) GetHold(ctx context.Context, approvalID string) (*domain.CreditHold, error) {
	approvalID = strings.TrimSpace(approvalID)
	if approvalID == "" {
		return nil, domain.ErrInvalidApproval
	}
	hold, err := s.repo.FindHold(ctx, s.db, approvalID, false)
	if err != nil {
		return nil, err
	}
	if hold == nil {
		return nil, domain.ErrHoldNotFound
	}
	return hold, nil
}

// EnsureAccount creates the account when missing. An opening balance is
// recorded as a topup so the transaction log always sums to the balance.
func (s *Service) EnsureAccount(ctx context.Context, req domain.EnsureAccountRequest) (bool, error) {
	req.OrgID = strings.TrimSpace(req.OrgID)
	if req.OrgID == "" {
		return false, domain.ErrInvalidOrganization
	}
	if req.BalanceCents < 0 || req.DailyGasCapCents < 0 {
		return false, domain.ErrInvalidAmount
	}

	now := s.now()
	created := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inserted, err := s.repo.InsertAccount(ctx, tx, &domain.CreditAccount{
			OrgID:            req.OrgID,
			BalanceCents:     req.BalanceCents,
			DailyGasCapCents: req.DailyGasCapCents,
			SpendWindowStart: now,
			CreatedAt:        now,
			UpdatedAt:        now,
		})
		if err != nil {
			return err
		}
		if !inserted {
			return nil
		}
		created = true
		if req.BalanceCents == 0 {
			return nil
		}
		_, err = s.insertTransaction(ctx, tx, domain.CreditTransaction{
			OrgID:       req.OrgID,
			Type:        domain.TransactionTypeTopUp,
			AmountCents: req.BalanceCents,
			Reason:      domain.ReasonTopUp,
			RefID:       "opening:" + req.OrgID,
			CreatedAt:   now,
		})
		return err
	})
	if err != nil {
		return false, err
	}
	if created {
		logger.WithContext(ctx, s.log).Info("credit account created",
			zap.String("org_id", req.OrgID),
			zap.Int64("balance_cents", req.BalanceCents),
			zap.Int64("daily_gas_cap_cents", req.DailyGasCapCents),
		)
	}
	return created, nil
}

func (s *Service) GetAccount(ctx context.Context, orgID string) (*domain.AccountSummary, error) {
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		return nil, domain.ErrInvalidOrganization
	}
	account, err := s.repo.FindAccount(ctx, s.db, orgID, false)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, domain.ErrAccountNotFound
	}
	holdCents, holdCount, err := s.repo.SumActiveHolds(ctx, s.db, orgID)
	if err != nil {
		return nil, err
	}

	spend := account.DailyGasSpendCents
	windowStart := account.SpendWindowStart.UTC()
	if now := s.now(); now.Sub(windowStart) >= spendWindow {
		spend = 0
		windowStart = now
	}
	return &domain.AccountSummary{
		OrgID:              account.OrgID,
		BalanceCents:       account.BalanceCents,
		ActiveHoldCents:    holdCents,
		ActiveHoldCount:    holdCount,
		DailyGasCapCents:   account.DailyGasCapCents,
		DailyGasSpendCents: spend,
		SpendWindowStart:   windowStart,
	}, nil
}

func (s *Service) TopUp(ctx context.Context, req domain.TopUpRequest) (*domain.TopUpResult, error) {
	req.OrgID = strings.TrimSpace(req.OrgID)
	req.Reference = strings.TrimSpace(req.Reference)
	if req.OrgID == "" {
		return nil, domain.ErrInvalidOrganization
	}
	if req.Reference == "" {
		return nil, domain.ErrInvalidReference
	}
	amount, err := topUpCents(req)
	if err != nil {
		return nil, err
	}

	now := s.now()
	var result domain.TopUpResult
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := s.repo.FindAccount(ctx, tx, req.OrgID, true)
		if err != nil {
			return err
		}
		if account == nil {
			return domain.ErrAccountNotFound
		}

		existing, err := s.repo.FindTransaction(ctx, tx, req.OrgID, domain.TransactionTypeTopUp, req.Reference)
		if err != nil {
			return err
		}
		if existing != nil {
			if existing.AmountCents != amount {
				return domain.ErrReferenceConflict
			}
			result = domain.TopUpResult{Transaction: *existing}
			return nil
		}

		txn, err := s.insertTransaction(ctx, tx, domain.CreditTransaction{
			OrgID:       req.OrgID,
			Type:        domain.TransactionTypeTopUp,
			AmountCents: amount,
			Reason:      domain.ReasonTopUp,
			RefID:       req.Reference,
			CreatedAt:   now,
		})
		if err != nil {
			return err
		}
		if err := s.repo.CreditBalance(ctx, tx, req.OrgID, amount, now); err != nil {
			return err
		}
		result = domain.TopUpResult{Transaction: *txn, Created: true}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Created {
		s.metrics.RecordCredits(ctx, string(domain.TransactionTypeTopUp), amount)
		event := events.New(events.TypeAccountToppedUp, req.OrgID, now)
		event.AmountCents = amount
		event.Data = map[string]any{"reference": req.Reference}
		s.publish(ctx, event)
	}
	return &result, nil
}

// topUpCents resolves the requested amount. amountUsd wins when set and must
// agree with amountCents if both are present.
func topUpCents(req domain.TopUpRequest) (int64, error) {
	amount := req.AmountCents
	if usd := strings.TrimSpace(req.AmountUSD); usd != "" {
		d, err := decimal.NewFromString(usd)
		if err != nil {
			return 0, domain.ErrInvalidAmount
		}
		cents := d.Shift(2)
		if !cents.IsInteger() || !cents.BigInt().IsInt64() {
			return 0, domain.ErrInvalidAmount
		}
		if req.AmountCents != 0 && req.AmountCents != cents.IntPart() {
			return 0, domain.ErrInvalidAmount
		}
		amount = cents.IntPart()
	}
	if amount <= 0 {
		return 0, domain.ErrInvalidAmount
	}
	return amount, nil
}

func (s *Service) ListTransactions(ctx context.Context, req domain.ListTransactionsRequest) (domain.ListTransactionsResponse, error) {
	orgID := strings.TrimSpace(req.OrgID)
	if orgID == "" {
		return domain.ListTransactionsResponse{}, domain.ErrInvalidOrganization
	}

	var cursor *domain.TransactionCursor
	decoded, err := pagination.DecodeCursor(req.PageToken)
	if err != nil {
		return domain.ListTransactionsResponse{}, domain.ErrInvalidPageToken
	}
	if decoded != nil {
		id, err := snowflake.ParseString(strings.TrimSpace(decoded.ID))
		if err != nil || id == 0 {
			return domain.ListTransactionsResponse{}, domain.ErrInvalidPageToken
		}
		cursor = &domain.TransactionCursor{ID: id, CreatedAt: decoded.CreatedAt}
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	items, err := s.repo.ListTransactions(ctx, s.db, orgID, cursor, int(pageSize))
	if err != nil {
		return domain.ListTransactionsResponse{}, err
	}

	items, pageInfo, err := pagination.Page(items, int(pageSize), func(item *domain.CreditTransaction) pagination.Cursor {
		return pagination.Cursor{ID: item.ID.String(), CreatedAt: item.CreatedAt.UTC()}
	})
	if err != nil {
		return domain.ListTransactionsResponse{}, err
	}

	txns := make([]domain.CreditTransaction, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		txns = append(txns, *item)
	}

	resp := domain.ListTransactionsResponse{PageInfo: pageInfo, Transactions: txns}
	return resp, nil
}

func (s *Service) insertTransaction(ctx context.Context, tx *gorm.DB, txn domain.CreditTransaction) (*domain.CreditTransaction, error) {
	txn.ID = s.genID.Generate()
	inserted, err := s.repo.InsertTransaction(ctx, tx, &txn)
	if err != nil {
		return nil, err
	}
	if !inserted {
		if txn.Type == domain.TransactionTypeTopUp {
			return nil, domain.ErrReferenceConflict
		}
		return nil, domain.ErrHoldConflict
	}
	return &txn, nil
}

func holdEvent(eventType string, hold domain.CreditHold, cents int64, at time.Time) events.Event {
	event := events.New(eventType, hold.OrgID, at)
	event.ApprovalID = hold.ApprovalID
	event.AmountCents = cents
	return event
}

// publish runs after commit. Failures are logged and counted only.
func (s *Service) publish(ctx context.Context, event events.Event) {
	if err := s.events.Publish(ctx, event); err != nil {
		s.metrics.RecordEventPublishFailure(ctx, event.Type)
		logger.WithContext(ctx, s.log).Warn("credit event publish failed",
			zap.String("event_type", event.Type),
			zap.String("org_id", event.OrgID),
			zap.String("approval_id", event.ApprovalID),
			zap.Error(err),
		)
	}
}
