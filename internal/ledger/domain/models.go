package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type HoldStatus string

const (
	HoldStatusActive   HoldStatus = "active"
	HoldStatusCaptured HoldStatus = "captured"
	HoldStatusExpired  HoldStatus = "expired"
	HoldStatusReleased HoldStatus = "released"
)

// CanTransition reports whether a hold may move from one status to another.
// Only active holds move; every other status is terminal.
func CanTransition(from, to HoldStatus) bool {
	if from != HoldStatusActive {
		return false
	}
	switch to {
	case HoldStatusCaptured, HoldStatusExpired, HoldStatusReleased:
		return true
	default:
		return false
	}
}

type TransactionType string

const (
	TransactionTypeHold    TransactionType = "hold"
	TransactionTypeDebit   TransactionType = "debit"
	TransactionTypeTopUp   TransactionType = "topup"
	TransactionTypeRelease TransactionType = "release"
)

const (
	ReasonPreauth    = "preauth"
	ReasonCapture    = "capture"
	ReasonTopUp      = "topup"
	ReasonUnusedHold = "unused_hold"
	ReasonExpired    = "expired"
	ReasonReleased   = "released"
)

// CreditAccount holds an organization's spendable balance. BalanceCents is
// already net of active holds.
type CreditAccount struct {
	OrgID              string    `gorm:"column:org_id;primaryKey;type:text"`
	BalanceCents       int64     `gorm:"column:balance_cents;not null;default:0"`
	DailyGasCapCents   int64     `gorm:"column:daily_gas_cap_cents;not null;default:0"`
	DailyGasSpendCents int64     `gorm:"column:daily_gas_spend_cents;not null;default:0"`
	SpendWindowStart   time.Time `gorm:"column:spend_window_start;not null"`
	CreatedAt          time.Time `gorm:"column:created_at;not null"`
	UpdatedAt          time.Time `gorm:"column:updated_at;not null"`
}

func (CreditAccount) TableName() string { return "credit_accounts" }

type CreditHold struct {
	ApprovalID    string         `gorm:"column:approval_id;primaryKey;type:text"`
	OrgID         string         `gorm:"column:org_id;type:text;not null;index"`
	AmountCents   int64          `gorm:"column:amount_cents;not null"`
	Method        string         `gorm:"column:method;type:text;not null;default:''"`
	ParamsHash    string         `gorm:"column:params_hash;type:text;not null;default:''"`
	FXSnapshot    datatypes.JSON `gorm:"column:fx_snapshot"`
	ExpiresAt     time.Time      `gorm:"column:expires_at;not null;index:idx_credit_holds_status_expires,priority:2"`
	Status        HoldStatus     `gorm:"column:status;type:text;not null;index:idx_credit_holds_status_expires,priority:1"`
	CapturedCents *int64         `gorm:"column:captured_cents"`
	TxHash        *string        `gorm:"column:tx_hash;type:text"`
	CreatedAt     time.Time      `gorm:"column:created_at;not null"`
	UpdatedAt     time.Time      `gorm:"column:updated_at;not null"`
}

func (CreditHold) TableName() string { return "credit_holds" }

// CreditTransaction is an append-only audit row. Holds and debits are
// negative, top-ups and releases positive.
type CreditTransaction struct {
	ID          snowflake.ID    `gorm:"column:id;primaryKey" json:"id"`
	OrgID       string          `gorm:"column:org_id;type:text;not null;index:idx_credit_transactions_org_created,priority:1;uniqueIndex:ux_credit_transactions_org_type_ref,priority:1" json:"orgId"`
	Type        TransactionType `gorm:"column:type;type:text;not null;uniqueIndex:ux_credit_transactions_org_type_ref,priority:2" json:"type"`
	AmountCents int64           `gorm:"column:amount_cents;not null" json:"amountCents"`
	Reason      string          `gorm:"column:reason;type:text;not null;default:''" json:"reason"`
	RefID       string          `gorm:"column:ref_id;type:text;not null;uniqueIndex:ux_credit_transactions_org_type_ref,priority:3" json:"refId"`
	Provider    string          `gorm:"column:provider;type:text;not null;default:''" json:"provider,omitempty"`
	ProviderRef string          `gorm:"column:provider_ref;type:text;not null;default:''" json:"providerRef,omitempty"`
	CreatedAt   time.Time       `gorm:"column:created_at;not null;index:idx_credit_transactions_org_created,priority:2" json:"createdAt"`
}

func (CreditTransaction) TableName() string { return "credit_transactions" }

// AccountSummary is the read model served by the accounts endpoint.
type AccountSummary struct {
	OrgID              string    `json:"orgId"`
	BalanceCents       int64     `json:"balanceCents"`
	ActiveHoldCents    int64     `json:"activeHoldCents"`
	ActiveHoldCount    int64     `json:"activeHoldCount"`
	DailyGasCapCents   int64     `json:"dailyGasCapCents"`
	DailyGasSpendCents int64     `json:"dailyGasSpendCents"`
	SpendWindowStart   time.Time `json:"spendWindowStart"`
}

type TransactionCursor struct {
	ID        snowflake.ID
	CreatedAt time.Time
}
