package repository

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/paymaster/internal/ledger/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func lockingFor(forUpdate bool) []clause.Expression {
	if !forUpdate {
		return nil
	}
	return []clause.Expression{clause.Locking{Strength: clause.LockingStrengthUpdate}}
}

func (r *repo) InsertAccount(ctx context.Context, db *gorm.DB, account *domain.CreditAccount) (bool, error) {
	result := db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "org_id"}}, DoNothing: true}).
		Create(account)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) FindAccount(ctx context.Context, db *gorm.DB, orgID string, forUpdate bool) (*domain.CreditAccount, error) {
	var account domain.CreditAccount
	err := db.WithContext(ctx).
		Clauses(lockingFor(forUpdate)...).
		Where("org_id = ?", orgID).
		Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// DebitBalance subtracts cents only while the balance covers them. It reports
// false when the guard rejected the update.
func (r *repo) DebitBalance(ctx context.Context, db *gorm.DB, orgID string, cents int64, now time.Time) (bool, error) {
	result := db.WithContext(ctx).
		Model(&domain.CreditAccount{}).
		Where("org_id = ? AND balance_cents >= ?", orgID, cents).
		Updates(map[string]any{
			"balance_cents": gorm.Expr("balance_cents - ?", cents),
			"updated_at":    now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) CreditBalance(ctx context.Context, db *gorm.DB, orgID string, cents int64, now time.Time) error {
	result := db.WithContext(ctx).
		Model(&domain.CreditAccount{}).
		Where("org_id = ?", orgID).
		Updates(map[string]any{
			"balance_cents": gorm.Expr("balance_cents + ?", cents),
			"updated_at":    now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

func (r *repo) UpdateSpendWindow(ctx context.Context, db *gorm.DB, account *domain.CreditAccount) error {
	return db.WithContext(ctx).
		Model(&domain.CreditAccount{}).
		Where("org_id = ?", account.OrgID).
		Updates(map[string]any{
			"daily_gas_spend_cents": account.DailyGasSpendCents,
			"spend_window_start":    account.SpendWindowStart,
			"updated_at":            account.UpdatedAt,
		}).Error
}

func (r *repo) InsertHold(ctx context.Context, db *gorm.DB, hold *domain.CreditHold) error {
	return db.WithContext(ctx).Create(hold).Error
}

func (r *repo) FindHold(ctx context.Context, db *gorm.DB, approvalID string, forUpdate bool) (*domain.CreditHold, error) {
	var hold domain.CreditHold
	err := db.WithContext(ctx).
		Clauses(lockingFor(forUpdate)...).
		Where("approval_id = ?", approvalID).
		Take(&hold).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &hold, nil
}

// TransitionHold moves an active hold to hold.Status. The update is
// conditional on the row still being active.
func (r *repo) TransitionHold(ctx context.Context, db *gorm.DB, hold *domain.CreditHold, to domain.HoldStatus) (bool, error) {
	if !domain.CanTransition(domain.HoldStatusActive, to) {
		return false, domain.ErrInvalidTransition
	}
	updates := map[string]any{
		"status":     to,
		"updated_at": hold.UpdatedAt,
	}
	if to == domain.HoldStatusCaptured {
		updates["captured_cents"] = hold.CapturedCents
		updates["tx_hash"] = hold.TxHash
	}
	result := db.WithContext(ctx).
		Model(&domain.CreditHold{}).
		Where("approval_id = ? AND status = ?", hold.ApprovalID, domain.HoldStatusActive).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) SumActiveHolds(ctx context.Context, db *gorm.DB, orgID string) (int64, int64, error) {
	var row struct {
		Total int64
		Count int64
	}
	err := db.WithContext(ctx).
		Model(&domain.CreditHold{}).
		Select("COALESCE(SUM(amount_cents), 0) AS total, COUNT(*) AS count").
		Where("org_id = ? AND status = ?", orgID, domain.HoldStatusActive).
		Scan(&row).Error
	if err != nil {
		return 0, 0, err
	}
	return row.Total, row.Count, nil
}

// LockExpiredHolds claims a batch of reclaimable holds. Rows locked by another
// sweeper are skipped.
func (r *repo) LockExpiredHolds(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]domain.CreditHold, error) {
	if limit <= 0 {
		limit = 100
	}
	var holds []domain.CreditHold
	err := db.WithContext(ctx).
		Clauses(clause.Locking{Strength: clause.LockingStrengthUpdate, Options: clause.LockingOptionsSkipLocked}).
		Where("status = ? AND expires_at <= ?", domain.HoldStatusActive, cutoff).
		Order("expires_at ASC").
		Limit(limit).
		Find(&holds).Error
	if err != nil {
		return nil, err
	}
	return holds, nil
}

// InsertTransaction appends a row. It reports false when the org already has
// a row with the same type and ref id.
func (r *repo) InsertTransaction(ctx context.Context, db *gorm.DB, txn *domain.CreditTransaction) (bool, error) {
	result := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "org_id"}, {Name: "type"}, {Name: "ref_id"}},
			DoNothing: true,
		}).
		Create(txn)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) FindTransaction(ctx context.Context, db *gorm.DB, orgID string, txType domain.TransactionType, refID string) (*domain.CreditTransaction, error) {
	var txn domain.CreditTransaction
	err := db.WithContext(ctx).
		Where("org_id = ? AND type = ? AND ref_id = ?", orgID, txType, refID).
		Take(&txn).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

func (r *repo) ListTransactions(ctx context.Context, db *gorm.DB, orgID string, cursor *domain.TransactionCursor, limit int) ([]*domain.CreditTransaction, error) {
	stmt := db.WithContext(ctx).
		Model(&domain.CreditTransaction{}).
		Where("org_id = ?", orgID)
	if cursor != nil {
		stmt = stmt.Where("(created_at < ?) OR (created_at = ? AND id < ?)",
			cursor.CreatedAt,
			cursor.CreatedAt,
			cursor.ID,
		)
	}
	stmt = stmt.Order("created_at desc, id desc")
	if limit > 0 {
		stmt = stmt.Limit(limit + 1)
	}

	var items []*domain.CreditTransaction
	if err := stmt.Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}
