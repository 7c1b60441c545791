package server

import (
	"github.com/gin-gonic/gin"
	paymasterdomain "github.com/smallbiznis/paymaster/internal/paymaster/domain"
)

func (s *Server) Preauth(c *gin.Context) {
	var req paymasterdomain.PreauthRequest
	if err := bindJSON(c, &req); err != nil {
		AbortWithError(c, err)
		return
	}
	c.Set(contextApprovalIDKey, req.HoldID)

	resp, err := s.paymasterSvc.Preauth(c.Request.Context(), callFrom(c), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	writeResponse(c, resp)
}

func (s *Server) Settle(c *gin.Context) {
	var req paymasterdomain.SettleRequest
	if err := bindJSON(c, &req); err != nil {
		AbortWithError(c, err)
		return
	}
	c.Set(contextApprovalIDKey, req.ApprovalID)

	resp, err := s.paymasterSvc.Settle(c.Request.Context(), callFrom(c), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	writeResponse(c, resp)
}

func (s *Server) Release(c *gin.Context) {
	var req paymasterdomain.ReleaseRequest
	if err := bindJSON(c, &req); err != nil {
		AbortWithError(c, err)
		return
	}
	c.Set(contextApprovalIDKey, req.ApprovalID)

	resp, err := s.paymasterSvc.Release(c.Request.Context(), callFrom(c), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	writeResponse(c, resp)
}
