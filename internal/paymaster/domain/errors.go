package domain

import (
	"encoding/json"
	"net/http"
	"strings"
)

const (
	CodeInvalidRequest            = "INVALID_REQUEST"
	CodeIdempotencyKeyRequired    = "IDEMPOTENCY_KEY_REQUIRED"
	CodeSignatureRequired         = "SIGNATURE_REQUIRED"
	CodeInvalidSignature          = "INVALID_SIGNATURE"
	CodeAccountNotFound           = "ACCOUNT_NOT_FOUND"
	CodeHoldNotFound              = "HOLD_NOT_FOUND"
	CodeInsufficientCredits       = "INSUFFICIENT_CREDITS"
	CodeHoldConflict              = "HOLD_CONFLICT"
	CodeHoldNotActive             = "HOLD_NOT_ACTIVE"
	CodePreauthExpired            = "PREAUTH_EXPIRED"
	CodeCaptureExceedsHold        = "CAPTURE_EXCEEDS_HOLD"
	CodeDailyGasCapExceeded       = "DAILY_GAS_CAP_EXCEEDED"
	CodeIdempotencyKeyReused      = "IDEMPOTENCY_KEY_REUSED"
	CodeIdempotencyInFlight       = "IDEMPOTENCY_IN_FLIGHT"
	CodeRateLimited               = "RATE_LIMITED"
	CodeLockBusy                  = "LOCK_BUSY"
	CodeSigningSecretUnconfigured = "SIGNING_SECRET_UNCONFIGURED"
	CodeInternal                  = "INTERNAL_ERROR"
	CodeIdempotencyPersistFail    = "IDEMPOTENCY_PERSIST_FAIL"
	CodeRateLimiterUnavailable    = "RATE_LIMITER_UNAVAILABLE"
	CodeLockUnavailable           = "LOCK_UNAVAILABLE"
	CodeTopUpReferenceConflict    = "TOPUP_REFERENCE_CONFLICT"
	CodeNotFound                  = "NOT_FOUND"
)

// Rejection is a classified business outcome. Persist marks outcomes that are
// stored under the idempotency key so retries replay them.
type Rejection struct {
	Status     int
	Code       string
	Message    string
	RetryAfter int
	Persist    bool
}

func (r *Rejection) Error() string {
	return strings.ToLower(r.Code) + ": " + r.Message
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Body renders {"error":{"code":...,"message":...}}.
func (r *Rejection) Body() []byte {
	var body errorBody
	body.Error.Code = r.Code
	body.Error.Message = r.Message
	raw, _ := json.Marshal(body)
	return raw
}

func reject(status int, code, message string) *Rejection {
	return &Rejection{Status: status, Code: code, Message: message}
}

func persisted(status int, code, message string) *Rejection {
	return &Rejection{Status: status, Code: code, Message: message, Persist: true}
}

func InvalidRequest(message string) *Rejection {
	return reject(http.StatusBadRequest, CodeInvalidRequest, message)
}

func IdempotencyKeyRequired() *Rejection {
	return reject(http.StatusBadRequest, CodeIdempotencyKeyRequired, "X-Idempotency-Key header is required")
}

func SignatureRequired() *Rejection {
	return reject(http.StatusBadRequest, CodeSignatureRequired, "X-Signature header is required")
}

func InvalidSignature() *Rejection {
	return reject(http.StatusBadRequest, CodeInvalidSignature, "signature does not match request")
}

func AccountNotFound() *Rejection {
	return reject(http.StatusNotFound, CodeAccountNotFound, "credit account not found")
}

func HoldNotFound() *Rejection {
	return reject(http.StatusNotFound, CodeHoldNotFound, "hold not found")
}

func InsufficientCredits() *Rejection {
	return reject(http.StatusConflict, CodeInsufficientCredits, "insufficient credits for hold")
}

func HoldConflict() *Rejection {
	return persisted(http.StatusConflict, CodeHoldConflict, "hold id already used by another organization")
}

func HoldNotActive() *Rejection {
	return persisted(http.StatusConflict, CodeHoldNotActive, "hold is no longer active")
}

func PreauthExpired() *Rejection {
	return persisted(http.StatusConflict, CodePreauthExpired, "preauthorization has expired")
}

func CaptureExceedsHold() *Rejection {
	return persisted(http.StatusConflict, CodeCaptureExceedsHold, "actual cost exceeds the held amount")
}

func DailyGasCapExceeded() *Rejection {
	return persisted(http.StatusConflict, CodeDailyGasCapExceeded, "daily gas spend cap exceeded")
}

func IdempotencyKeyReused() *Rejection {
	return reject(http.StatusUnprocessableEntity, CodeIdempotencyKeyReused, "idempotency key was used for a different request")
}

func IdempotencyInFlight() *Rejection {
	r := reject(http.StatusTooManyRequests, CodeIdempotencyInFlight, "a request with this idempotency key is in progress")
	r.RetryAfter = 1
	return r
}

func RateLimited(retryAfter int) *Rejection {
	if retryAfter < 1 {
		retryAfter = 1
	}
	r := reject(http.StatusTooManyRequests, CodeRateLimited, "rate limit exceeded")
	r.RetryAfter = retryAfter
	return r
}

func LockBusy() *Rejection {
	r := reject(http.StatusTooManyRequests, CodeLockBusy, "approval is being processed by another request")
	r.RetryAfter = 1
	return r
}

func SigningSecretUnconfigured() *Rejection {
	return reject(http.StatusInternalServerError, CodeSigningSecretUnconfigured, "signing secret is not configured")
}

func Internal() *Rejection {
	return reject(http.StatusInternalServerError, CodeInternal, "internal server error")
}

func IdempotencyPersistFail() *Rejection {
	return reject(http.StatusServiceUnavailable, CodeIdempotencyPersistFail, "idempotency record could not be persisted")
}

func RateLimiterUnavailable() *Rejection {
	r := reject(http.StatusServiceUnavailable, CodeRateLimiterUnavailable, "rate limiter unavailable")
	r.RetryAfter = 1
	return r
}

func LockUnavailable() *Rejection {
	r := reject(http.StatusServiceUnavailable, CodeLockUnavailable, "lock manager unavailable")
	r.RetryAfter = 1
	return r
}

func TopUpReferenceConflict() *Rejection {
	return reject(http.StatusConflict, CodeTopUpReferenceConflict, "reference already used for a different top-up")
}

func NotFound() *Rejection {
	return reject(http.StatusNotFound, CodeNotFound, "route not found")
}

type FieldError struct {
	Field   string
	Message string
}

type ValidationErrors []FieldError

func (v *ValidationErrors) Add(field, message string) {
	*v = append(*v, FieldError{Field: field, Message: message})
}

// Err returns the collected errors as an INVALID_REQUEST rejection, or nil.
func (v ValidationErrors) Err() error {
	if len(v) == 0 {
		return nil
	}
	parts := make([]string, 0, len(v))
	for _, f := range v {
		parts = append(parts, f.Field+" "+f.Message)
	}
	return InvalidRequest(strings.Join(parts, "; "))
}
