package domain

import (
	"context"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

const (
	OperationPreauth = "preauth"
	OperationSettle  = "settle"
	OperationRelease = "release"
)

// Call carries the out-of-band request headers.
type Call struct {
	IdempotencyKey string
	Signature      string
}

type PreauthRequest struct {
	OrgID                   string `json:"orgId"`
	HoldID                  string `json:"holdId"`
	EstGasWei               Wei    `json:"estGasWei"`
	MaxFeePerGasWei         Wei    `json:"maxFeePerGasWei"`
	MaxPriorityFeePerGasWei Wei    `json:"maxPriorityFeePerGasWei"`
	Method                  string `json:"method"`
	ParamsHash              string `json:"paramsHash"`
	ExpiresAt               *int64 `json:"expiresAt"`
}

type PreauthResponse struct {
	ApprovalID       string `json:"approvalId"`
	CreditsHoldCents int64  `json:"creditsHoldCents"`
	ExpiresAt        int64  `json:"expiresAt"`
}

type SettleRequest struct {
	ApprovalID           string `json:"approvalId"`
	TxHash               string `json:"txHash"`
	GasUsedWei           Wei    `json:"gasUsedWei"`
	EffectiveGasPriceWei Wei    `json:"effectiveGasPriceWei"`
}

type SettleResponse struct {
	TxnID        string `json:"txnId"`
	DebitedCents int64  `json:"debitedCents"`
}

type ReleaseRequest struct {
	ApprovalID string `json:"approvalId"`
}

type ReleaseResponse struct {
	ApprovalID    string `json:"approvalId"`
	ReleasedCents int64  `json:"releasedCents"`
}

// Response is a rendered outcome. Body is exactly what was, or will be,
// stored under the idempotency key.
type Response struct {
	StatusCode int
	Body       []byte
	Replayed   bool
}

type Service interface {
	Preauth(ctx context.Context, call Call, req PreauthRequest) (*Response, error)
	Settle(ctx context.Context, call Call, req SettleRequest) (*Response, error)
	Release(ctx context.Context, call Call, req ReleaseRequest) (*Response, error)
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9._:\-]{1,128}$`)

// ValidIdentifier reports whether id is usable as an org, approval or
// idempotency key.
func ValidIdentifier(id string) bool {
	return identifierPattern.MatchString(id)
}

// ValidTxHash accepts a 0x-prefixed 32-byte hash.
func ValidTxHash(hash string) bool {
	raw, err := hexutil.Decode(strings.TrimSpace(hash))
	return err == nil && len(raw) == common.HashLength
}

func (r PreauthRequest) Validate() error {
	var errs ValidationErrors
	if !ValidIdentifier(strings.TrimSpace(r.OrgID)) {
		errs.Add("orgId", "is required")
	}
	if !ValidIdentifier(strings.TrimSpace(r.HoldID)) {
		errs.Add("holdId", "is required")
	}
	if !r.EstGasWei.IsPositive() {
		errs.Add("estGasWei", "must be a positive integer")
	}
	if r.MaxFeePerGasWei.IsSet() && !r.MaxFeePerGasWei.IsPositive() {
		errs.Add("maxFeePerGasWei", "must be a positive integer")
	}
	if r.MaxFeePerGasWei.IsSet() && r.MaxPriorityFeePerGasWei.IsSet() &&
		r.MaxPriorityFeePerGasWei.value.Cmp(r.MaxFeePerGasWei.value) > 0 {
		errs.Add("maxPriorityFeePerGasWei", "must not exceed maxFeePerGasWei")
	}
	return errs.Err()
}

func (r SettleRequest) Validate() error {
	var errs ValidationErrors
	if !ValidIdentifier(strings.TrimSpace(r.ApprovalID)) {
		errs.Add("approvalId", "is required")
	}
	if !ValidTxHash(r.TxHash) {
		errs.Add("txHash", "must be a 0x-prefixed 32 byte hash")
	}
	if !r.GasUsedWei.IsPositive() {
		errs.Add("gasUsedWei", "must be a positive integer")
	}
	if !r.EffectiveGasPriceWei.IsPositive() {
		errs.Add("effectiveGasPriceWei", "must be a positive integer")
	}
	return errs.Err()
}

func (r ReleaseRequest) Validate() error {
	var errs ValidationErrors
	if !ValidIdentifier(strings.TrimSpace(r.ApprovalID)) {
		errs.Add("approvalId", "is required")
	}
	return errs.Err()
}
