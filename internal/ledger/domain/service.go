package domain

import (
	"context"
	"time"

	"github.com/smallbiznis/paymaster/pkg/db/pagination"
	"gorm.io/gorm"
)

type CreateHoldRequest struct {
	ApprovalID  string
	OrgID       string
	AmountCents int64
	Method      string
	ParamsHash  string
	FXSnapshot  []byte
	ExpiresAt   time.Time
}

// CreateHoldResult reports the hold for the approval id. Created is false when
// the hold already existed for the same organization.
type CreateHoldResult struct {
	Hold    CreditHold
	Created bool
}

// CostFunc prices a capture against the hold it settles.
type CostFunc func(hold CreditHold) (int64, error)

type CaptureHoldRequest struct {
	ApprovalID   string
	TxHash       string
	Provider     string
	Cost         CostFunc
	RefundUnused bool
}

// CaptureHoldResult carries the debit for the approval. Replayed is true when
// the debit already existed and nothing was written.
type CaptureHoldResult struct {
	Hold     CreditHold
	Debit    CreditTransaction
	Refund   *CreditTransaction
	Replayed bool
}

// ReleaseHoldResult carries the release row. Replayed is true when the hold had
// already been released and nothing was written.
type ReleaseHoldResult struct {
	Hold     CreditHold
	Release  CreditTransaction
	Replayed bool
}

type TopUpRequest struct {
	OrgID       string `json:"-"`
	AmountCents int64  `json:"amountCents"`
	AmountUSD   string `json:"amountUsd"`
	Reference   string `json:"reference"`
}

type TopUpResult struct {
	Transaction CreditTransaction `json:"transaction"`
	Created     bool              `json:"created"`
}

type EnsureAccountRequest struct {
	OrgID            string
	BalanceCents     int64
	DailyGasCapCents int64
}

type ListTransactionsRequest struct {
	OrgID     string `json:"-"`
	PageToken string `form:"page_token"`
	PageSize  int32  `form:"page_size"`
}

type ListTransactionsResponse struct {
	pagination.PageInfo
	Transactions []CreditTransaction `json:"transactions"`
}

type Service interface {
	CreateHold(ctx context.Context, req CreateHoldRequest) (*CreateHoldResult, error)
	CaptureHold(ctx context.Context, req CaptureHoldRequest) (*CaptureHoldResult, error)
	ReleaseHold(ctx context.Context, approvalID string) (*ReleaseHoldResult, error)
	ExpireHold(ctx context.Context, approvalID string, cutoff time.Time) (*ReleaseHoldResult, error)
	ListExpiredHolds(ctx context.Context, cutoff time.Time, limit int) ([]CreditHold, error)
	GetHold(ctx context.Context, approvalID string) (*CreditHold, error)

	EnsureAccount(ctx context.Context, req EnsureAccountRequest) (bool, error)
	GetAccount(ctx context.Context, orgID string) (*AccountSummary, error)
	TopUp(ctx context.Context, req TopUpRequest) (*TopUpResult, error)
	ListTransactions(ctx context.Context, req ListTransactionsRequest) (ListTransactionsResponse, error)
}

type Repository interface {
	InsertAccount(ctx context.Context, db *gorm.DB, account *CreditAccount) (bool, error)
	FindAccount(ctx context.Context, db *gorm.DB, orgID string, forUpdate bool) (*CreditAccount, error)
	DebitBalance(ctx context.Context, db *gorm.DB, orgID string, cents int64, now time.Time) (bool, error)
	CreditBalance(ctx context.Context, db *gorm.DB, orgID string, cents int64, now time.Time) error
	UpdateSpendWindow(ctx context.Context, db *gorm.DB, account *CreditAccount) error

	InsertHold(ctx context.Context, db *gorm.DB, hold *CreditHold) error
	FindHold(ctx context.Context, db *gorm.DB, approvalID string, forUpdate bool) (*CreditHold, error)
	TransitionHold(ctx context.Context, db *gorm.DB, hold *CreditHold, to HoldStatus) (bool, error)
	SumActiveHolds(ctx context.Context, db *gorm.DB, orgID string) (int64, int64, error)
	LockExpiredHolds(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]CreditHold, error)

	InsertTransaction(ctx context.Context, db *gorm.DB, txn *CreditTransaction) (bool, error)
	FindTransaction(ctx context.Context, db *gorm.DB, orgID string, txType TransactionType, refID string) (*CreditTransaction, error)
	ListTransactions(ctx context.Context, db *gorm.DB, orgID string, cursor *TransactionCursor, limit int) ([]*CreditTransaction, error)
}
