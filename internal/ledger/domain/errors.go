package domain

import "errors"

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidApproval     = errors.New("invalid_approval_id")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrInvalidReference    = errors.New("invalid_reference")
	ErrInvalidExpiry       = errors.New("invalid_expiry")
	ErrInvalidPageToken    = errors.New("invalid_page_token")
	ErrAccountNotFound     = errors.New("account_not_found")
	ErrInsufficientCredits = errors.New("insufficient_credits")
	ErrHoldConflict        = errors.New("hold_conflict")
	ErrHoldNotFound        = errors.New("hold_not_found")
	ErrHoldNotActive       = errors.New("hold_not_active")
	ErrHoldExpired         = errors.New("hold_expired")
	ErrHoldNotExpired      = errors.New("hold_not_expired")
	ErrCaptureExceedsHold  = errors.New("capture_exceeds_hold")
	ErrDailyCapExceeded    = errors.New("daily_gas_cap_exceeded")
	ErrInvalidTransition   = errors.New("invalid_hold_transition")
	ErrReferenceConflict   = errors.New("topup_reference_conflict")
)
