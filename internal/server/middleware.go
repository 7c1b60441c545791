package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	paymasterdomain "github.com/smallbiznis/paymaster/internal/paymaster/domain"
)

const (
	HeaderIdempotencyKey     = "X-Idempotency-Key"
	HeaderSignature          = "X-Signature"
	HeaderIdempotentReplayed = "Idempotent-Replayed"

	contextApprovalIDKey = "approval_id"
)

func limitBody(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		}
		c.Next()
	}
}

func bindJSON(c *gin.Context, dst any) error {
	err := c.ShouldBindJSON(dst)
	if err == nil {
		return nil
	}
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return ErrBodyTooLarge
	case errors.Is(err, paymasterdomain.ErrInvalidWei):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}
}

func callFrom(c *gin.Context) paymasterdomain.Call {
	return paymasterdomain.Call{
		IdempotencyKey: strings.TrimSpace(c.GetHeader(HeaderIdempotencyKey)),
		Signature:      strings.TrimSpace(c.GetHeader(HeaderSignature)),
	}
}

// writeResponse sends a rendered outcome byte for byte.
func writeResponse(c *gin.Context, resp *paymasterdomain.Response) {
	if resp.Replayed {
		c.Header(HeaderIdempotentReplayed, "true")
	}
	c.Data(resp.StatusCode, "application/json", resp.Body)
}
