package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	idempotencydomain "github.com/smallbiznis/paymaster/internal/idempotency/domain"
	ledgerdomain "github.com/smallbiznis/paymaster/internal/ledger/domain"
	obscontext "github.com/smallbiznis/paymaster/internal/observability/context"
	"github.com/smallbiznis/paymaster/internal/observability/logger"
	paymasterdomain "github.com/smallbiznis/paymaster/internal/paymaster/domain"
	"go.uber.org/zap"
)

const methodTopUp = "topup"

func (s *Server) GetAccount(c *gin.Context) {
	orgID := strings.TrimSpace(c.Param("orgId"))
	ctx := obscontext.WithOrgID(c.Request.Context(), orgID)

	account, err := s.ledgerSvc.GetAccount(ctx, orgID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, account)
}

// TopUp credits an account once per idempotency key. A retried reference
// without a key match still returns the original transaction.
func (s *Server) TopUp(c *gin.Context) {
	orgID := strings.TrimSpace(c.Param("orgId"))
	key := strings.TrimSpace(c.GetHeader(HeaderIdempotencyKey))
	if key == "" {
		AbortWithError(c, paymasterdomain.IdempotencyKeyRequired())
		return
	}
	if !paymasterdomain.ValidIdentifier(orgID) {
		AbortWithError(c, ledgerdomain.ErrInvalidOrganization)
		return
	}

	var req ledgerdomain.TopUpRequest
	if err := bindJSON(c, &req); err != nil {
		AbortWithError(c, err)
		return
	}
	req.OrgID = orgID

	ctx := obscontext.WithOrgID(c.Request.Context(), orgID)
	log := logger.WithContext(ctx, s.log)

	outcome, err := s.idempotencySvc.BeginOrReplay(ctx, idempotencydomain.BeginRequest{
		Key:    key,
		Method: methodTopUp,
		OrgID:  orgID,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if outcome.Replay != nil {
		s.obsMetrics.RecordIdempotencyReplay(ctx, methodTopUp)
		writeResponse(c, &paymasterdomain.Response{
			StatusCode: outcome.Replay.StatusCode,
			Body:       outcome.Replay.Body,
			Replayed:   true,
		})
		return
	}

	result, err := s.ledgerSvc.TopUp(ctx, req)
	if err != nil {
		if abandonErr := s.idempotencySvc.Abandon(context.WithoutCancel(ctx), outcome.Token); abandonErr != nil {
			log.Warn("idempotency reservation not released", zap.Error(abandonErr))
		}
		AbortWithError(c, err)
		return
	}

	body, err := json.Marshal(result)
	if err != nil {
		AbortWithError(c, fmt.Errorf("encode topup: %w", err))
		return
	}
	if err := s.idempotencySvc.Finalize(context.WithoutCancel(ctx), outcome.Token, http.StatusOK, body); err != nil {
		log.Error("idempotency finalize failed after commit", zap.Error(err))
	}
	if result.Created {
		log.Info("account topped up",
			zap.Int64("amount_cents", result.Transaction.AmountCents),
			zap.String("reference", result.Transaction.RefID),
		)
	}
	c.Data(http.StatusOK, "application/json", body)
}

func (s *Server) ListTransactions(c *gin.Context) {
	var req ledgerdomain.ListTransactionsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		AbortWithError(c, paymasterdomain.InvalidRequest("page_size must be an integer"))
		return
	}
	req.OrgID = strings.TrimSpace(c.Param("orgId"))
	ctx := obscontext.WithOrgID(c.Request.Context(), req.OrgID)

	resp, err := s.ledgerSvc.ListTransactions(ctx, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}
