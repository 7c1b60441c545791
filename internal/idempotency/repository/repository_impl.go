package repository

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/paymaster/internal/idempotency/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func keyEq(key string) clause.Expression {
	return clause.Eq{Column: clause.Column{Name: "key"}, Value: key}
}

func (r *repo) Find(ctx context.Context, db *gorm.DB, key string) (*domain.Record, error) {
	var record domain.Record
	err := db.WithContext(ctx).Where(keyEq(key)).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// Reserve inserts an in-flight row. It reports false when the key already exists.
func (r *repo) Reserve(ctx context.Context, db *gorm.DB, record *domain.Record) (bool, error) {
	result := db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "key"}}, DoNothing: true}).
		Create(record)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) TakeOver(ctx context.Context, db *gorm.DB, key string, staleBefore, now, expiresAt time.Time) (bool, error) {
	result := db.WithContext(ctx).
		Model(&domain.Record{}).
		Where(keyEq(key)).
		Where("status = ? AND updated_at < ?", domain.StatusInflight, staleBefore).
		Updates(map[string]any{
			"updated_at": now,
			"expires_at": expiresAt,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) Complete(ctx context.Context, db *gorm.DB, token *domain.Token, statusCode int, responseJSON string, now time.Time) (bool, error) {
	result := db.WithContext(ctx).
		Model(&domain.Record{}).
		Where(keyEq(token.Key)).
		Where("status = ? AND updated_at = ?", domain.StatusInflight, token.ReservedAt).
		Updates(map[string]any{
			"status":        domain.StatusDone,
			"response_json": responseJSON,
			"status_code":   statusCode,
			"updated_at":    now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) Delete(ctx context.Context, db *gorm.DB, token *domain.Token) (bool, error) {
	result := db.WithContext(ctx).
		Where(keyEq(token.Key)).
		Where("status = ? AND updated_at = ?", domain.StatusInflight, token.ReservedAt).
		Delete(&domain.Record{})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) DeleteExpiredRecord(ctx context.Context, db *gorm.DB, key string, now time.Time) error {
	return db.WithContext(ctx).
		Where(keyEq(key)).
		Where("expires_at <= ?", now).
		Delete(&domain.Record{}).Error
}

func (r *repo) PurgeExpired(ctx context.Context, db *gorm.DB, now time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = 500
	}
	var keys []string
	err := db.WithContext(ctx).
		Model(&domain.Record{}).
		Where("expires_at <= ?", now).
		Order("expires_at ASC").
		Limit(limit).
		Pluck("key", &keys).Error
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	result := db.WithContext(ctx).
		Where(clause.IN{Column: clause.Column{Name: "key"}, Values: toAny(keys)}).
		Where("expires_at <= ?", now).
		Delete(&domain.Record{})
	return result.RowsAffected, result.Error
}

func toAny(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
