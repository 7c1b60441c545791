package domain

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

type BeginRequest struct {
	Key    string
	Method string
	OrgID  string
}

// Outcome of BeginOrReplay. Exactly one of Replay or Token is set unless the
// store is degraded in permissive mode, in which case both are nil and the
// caller proceeds without idempotency protection.
type Outcome struct {
	Replay   *StoredResponse
	Token    *Token
	Degraded bool
}

type Service interface {
	Lookup(ctx context.Context, key string) (*Record, error)
	BeginOrReplay(ctx context.Context, req BeginRequest) (Outcome, error)
	Finalize(ctx context.Context, token *Token, statusCode int, responseJSON []byte) error
	Abandon(ctx context.Context, token *Token) error
	PurgeExpired(ctx context.Context, limit int) (int64, error)
}

type Repository interface {
	Find(ctx context.Context, db *gorm.DB, key string) (*Record, error)
	Reserve(ctx context.Context, db *gorm.DB, record *Record) (bool, error)
	TakeOver(ctx context.Context, db *gorm.DB, key string, staleBefore, now, expiresAt time.Time) (bool, error)
	Complete(ctx context.Context, db *gorm.DB, token *Token, statusCode int, responseJSON string, now time.Time) (bool, error)
	Delete(ctx context.Context, db *gorm.DB, token *Token) (bool, error)
	DeleteExpiredRecord(ctx context.Context, db *gorm.DB, key string, now time.Time) error
	PurgeExpired(ctx context.Context, db *gorm.DB, now time.Time, limit int) (int64, error)
}

var (
	ErrInvalidKey      = errors.New("invalid_idempotency_key")
	ErrInFlight        = errors.New("idempotency_in_flight")
	ErrKeyReused       = errors.New("idempotency_key_reused")
	ErrPersistFailed   = errors.New("idempotency_persist_failed")
	ErrReservationLost = errors.New("idempotency_reservation_lost")
)
