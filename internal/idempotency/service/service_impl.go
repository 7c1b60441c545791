package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/smallbiznis/paymaster/internal/cache"
	"github.com/smallbiznis/paymaster/internal/clock"
	"github.com/smallbiznis/paymaster/internal/config"
	"github.com/smallbiznis/paymaster/internal/idempotency/domain"
	"github.com/smallbiznis/paymaster/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/paymaster/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxBeginAttempts = 3

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Config  config.Config
	Clock   clock.Clock
	Repo    domain.Repository
	Cache   cache.ResponseCache `optional:"true"`
	Metrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	clock   clock.Clock
	repo    domain.Repository
	cache   cache.ResponseCache
	metrics *obsmetrics.Metrics

	mode            string
	ttl             time.Duration
	inflightTimeout time.Duration
}

func New(p Params) domain.Service {
	cfg := p.Config.Idempotency
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	inflightTimeout := cfg.InflightTimeout
	if inflightTimeout <= 0 {
		inflightTimeout = 30 * time.Second
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		db:              p.DB,
		log:             p.Log.Named("idempotency.service"),
		clock:           clk,
		repo:            p.Repo,
		cache:           p.Cache,
		metrics:         p.Metrics,
		mode:            cfg.Mode,
		ttl:             ttl,
		inflightTimeout: inflightTimeout,
	}
}

// now is truncated to microseconds so fencing comparisons survive the
// timestamp precision of postgres.
func (s *Service) now() time.Time {
	return s.clock.Now().UTC().Truncate(time.Microsecond)
}

func (s *Service) permissive() bool {
	return s.mode == config.IdempotencyModePermissive
}

func (s *Service) Lookup(ctx context.Context, key string) (*domain.Record, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, domain.ErrInvalidKey
	}
	if s.cache != nil {
		if record, ok := s.cache.Get(key); ok {
			return record, nil
		}
	}

	record, err := s.repo.Find(ctx, s.db, key)
	if err != nil {
		s.metrics.RecordIdempotencyPersistFailure(ctx, "", "lookup")
		if s.permissive() {
			logger.WithContext(ctx, s.log).Warn("idempotency lookup failed, continuing in permissive mode", zap.Error(err))
			return nil, nil
		}
		return nil, fmt.Errorf("%w: lookup: %w", domain.ErrPersistFailed, err)
	}
	if record == nil || record.Expired(s.now()) {
		return nil, nil
	}
	if record.Status == domain.StatusDone && s.cache != nil {
		s.cache.Set(record)
	}
	return record, nil
}

func (s *Service) BeginOrReplay(ctx context.Context, req domain.BeginRequest) (domain.Outcome, error) {
	req.Key = strings.TrimSpace(req.Key)
	if req.Key == "" {
		return domain.Outcome{}, domain.ErrInvalidKey
	}
	log := logger.WithContext(ctx, s.log).With(
		zap.String("method", req.Method),
		zap.String("org_id", req.OrgID),
	)

	for attempt := 0; attempt < maxBeginAttempts; attempt++ {
		now := s.now()
		expiresAt := now.Add(s.ttl)
		reserved, err := s.repo.Reserve(ctx, s.db, &domain.Record{
			Key:       req.Key,
			Method:    req.Method,
			OrgID:     req.OrgID,
			Status:    domain.StatusInflight,
			CreatedAt: now,
			UpdatedAt: now,
			ExpiresAt: expiresAt,
		})
		if err != nil {
			return s.persistFailure(ctx, log, req, "reserve", err)
		}
		if reserved {
			return domain.Outcome{Token: newToken(req, now, expiresAt)}, nil
		}

		existing, err := s.repo.Find(ctx, s.db, req.Key)
		if err != nil {
			return s.persistFailure(ctx, log, req, "reread", err)
		}
		if existing == nil {
			continue
		}
		if existing.Expired(now) {
			if err := s.repo.DeleteExpiredRecord(ctx, s.db, req.Key, now); err != nil {
				return s.persistFailure(ctx, log, req, "expire", err)
			}
			continue
		}
		if !existing.Matches(req.Method, req.OrgID) {
			return domain.Outcome{}, domain.ErrKeyReused
		}
		if existing.Status == domain.StatusDone {
			if s.cache != nil {
				s.cache.Set(existing)
			}
			return domain.Outcome{Replay: existing.Response()}, nil
		}

		staleBefore := now.Add(-s.inflightTimeout)
		if !existing.UpdatedAt.Before(staleBefore) {
			return domain.Outcome{}, domain.ErrInFlight
		}
		takenOver, err := s.repo.TakeOver(ctx, s.db, req.Key, staleBefore, now, expiresAt)
		if err != nil {
			return s.persistFailure(ctx, log, req, "takeover", err)
		}
		if takenOver {
			log.Warn("took over stale idempotency reservation",
				zap.Time("previous_reserved_at", existing.UpdatedAt),
			)
			return domain.Outcome{Token: newToken(req, now, expiresAt)}, nil
		}
	}
	return domain.Outcome{}, domain.ErrInFlight
}

func (s *Service) Finalize(ctx context.Context, token *domain.Token, statusCode int, responseJSON []byte) error {
	if token == nil {
		return nil
	}
	now := s.now()
	completed, err := s.repo.Complete(ctx, s.db, token, statusCode, string(responseJSON), now)
	if err != nil {
		s.metrics.RecordIdempotencyPersistFailure(ctx, token.Method, "finalize")
		return fmt.Errorf("%w: finalize: %w", domain.ErrPersistFailed, err)
	}
	if !completed {
		s.metrics.RecordIdempotencyPersistFailure(ctx, token.Method, "finalize")
		return domain.ErrReservationLost
	}

	if s.cache != nil {
		body := string(responseJSON)
		code := statusCode
		s.cache.Set(&domain.Record{
			Key:          token.Key,
			Method:       token.Method,
			OrgID:        token.OrgID,
			Status:       domain.StatusDone,
			ResponseJSON: &body,
			StatusCode:   &code,
			CreatedAt:    token.ReservedAt,
			UpdatedAt:    now,
			ExpiresAt:    token.ExpiresAt,
		})
	}
	return nil
}

func (s *Service) Abandon(ctx context.Context, token *domain.Token) error {
	if token == nil {
		return nil
	}
	if _, err := s.repo.Delete(ctx, s.db, token); err != nil {
		s.metrics.RecordIdempotencyPersistFailure(ctx, token.Method, "abandon")
		return fmt.Errorf("%w: abandon: %w", domain.ErrPersistFailed, err)
	}
	return nil
}

func (s *Service) PurgeExpired(ctx context.Context, limit int) (int64, error) {
	return s.repo.PurgeExpired(ctx, s.db, s.now(), limit)
}

func (s *Service) persistFailure(ctx context.Context, log *zap.Logger, req domain.BeginRequest, stage string, err error) (domain.Outcome, error) {
	s.metrics.RecordIdempotencyPersistFailure(ctx, req.Method, stage)
	if s.permissive() {
		log.Warn("idempotency marker not persisted, continuing in permissive mode",
			zap.String("stage", stage),
			zap.Error(err),
		)
		return domain.Outcome{Degraded: true}, nil
	}
	log.Error("idempotency marker not persisted",
		zap.String("stage", stage),
		zap.Error(err),
	)
	return domain.Outcome{}, fmt.Errorf("%w: %s: %w", domain.ErrPersistFailed, stage, err)
}

func newToken(req domain.BeginRequest, reservedAt, expiresAt time.Time) *domain.Token {
	return &domain.Token{
		Key:        req.Key,
		Method:     req.Method,
		OrgID:      req.OrgID,
		ReservedAt: reservedAt,
		ExpiresAt:  expiresAt,
	}
}
