package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	idempotencydomain "github.com/smallbiznis/paymaster/internal/idempotency/domain"
	ledgerdomain "github.com/smallbiznis/paymaster/internal/ledger/domain"
	paymasterdomain "github.com/smallbiznis/paymaster/internal/paymaster/domain"
	"github.com/smallbiznis/paymaster/pkg/db"
)

var (
	ErrMalformedBody = errors.New("malformed_body")
	ErrBodyTooLarge  = errors.New("body_too_large")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		rejection := mapError(lastErr.Err)
		if rejection.RetryAfter > 0 {
			c.Header("Retry-After", strconv.Itoa(rejection.RetryAfter))
		}
		c.Data(rejection.Status, "application/json", rejection.Body())
		c.Abort()
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

// mapError turns any handler error into the rejection rendered on the wire.
// Unclassified errors become INTERNAL_ERROR without leaking their text.
func mapError(err error) *paymasterdomain.Rejection {
	var rejection *paymasterdomain.Rejection
	if errors.As(err, &rejection) && rejection != nil {
		return rejection
	}

	switch {
	case errors.Is(err, ErrBodyTooLarge):
		return &paymasterdomain.Rejection{
			Status:  http.StatusRequestEntityTooLarge,
			Code:    paymasterdomain.CodeInvalidRequest,
			Message: "request body is too large",
		}
	case errors.Is(err, paymasterdomain.ErrInvalidWei):
		return paymasterdomain.InvalidRequest("wei amounts must be non-negative 256-bit integers")
	case errors.Is(err, ErrMalformedBody):
		return paymasterdomain.InvalidRequest("request body must be a JSON object")

	case errors.Is(err, idempotencydomain.ErrInvalidKey):
		return paymasterdomain.IdempotencyKeyRequired()
	case errors.Is(err, idempotencydomain.ErrInFlight):
		return paymasterdomain.IdempotencyInFlight()
	case errors.Is(err, idempotencydomain.ErrKeyReused):
		return paymasterdomain.IdempotencyKeyReused()
	case errors.Is(err, idempotencydomain.ErrPersistFailed):
		return paymasterdomain.IdempotencyPersistFail()

	case errors.Is(err, ledgerdomain.ErrInvalidOrganization):
		return paymasterdomain.InvalidRequest("orgId is invalid")
	case errors.Is(err, ledgerdomain.ErrInvalidAmount):
		return paymasterdomain.InvalidRequest("amount must be a positive number of whole cents")
	case errors.Is(err, ledgerdomain.ErrInvalidReference):
		return paymasterdomain.InvalidRequest("reference is required")
	case errors.Is(err, ledgerdomain.ErrInvalidPageToken):
		return paymasterdomain.InvalidRequest("page_token is invalid")
	case errors.Is(err, ledgerdomain.ErrAccountNotFound):
		return paymasterdomain.AccountNotFound()
	case errors.Is(err, ledgerdomain.ErrHoldNotFound):
		return paymasterdomain.HoldNotFound()
	case errors.Is(err, ledgerdomain.ErrReferenceConflict):
		return paymasterdomain.TopUpReferenceConflict()

	case db.IsRetryableTxErr(err):
		return &paymasterdomain.Rejection{
			Status:     http.StatusServiceUnavailable,
			Code:       paymasterdomain.CodeInternal,
			Message:    "ledger is busy, retry the request",
			RetryAfter: 1,
		}
	case errors.Is(err, context.DeadlineExceeded):
		return &paymasterdomain.Rejection{
			Status:     http.StatusServiceUnavailable,
			Code:       paymasterdomain.CodeInternal,
			Message:    "request timed out",
			RetryAfter: 1,
		}
	default:
		return paymasterdomain.Internal()
	}
}

func classifyErrorForLog(err error) (string, string) {
	rejection := mapError(err)
	if rejection.Status >= http.StatusInternalServerError {
		return "server_error", rejection.Code
	}
	return "client_error", rejection.Code
}
