package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/jmerrifield20/nexus-settlement/internal/artifact"
	"github.com/jmerrifield20/nexus-settlement/internal/escrow"
	"github.com/jmerrifield20/nexus-settlement/internal/settlement"
)

// ApplyEscrow handles POST /escrow/operations. A first application answers
// 201, an idempotent replay 200.
func (s *Server) ApplyEscrow(c *gin.Context) {
	var op escrow.Operation
	if !bind(c, &op) {
		return
	}
	op.TenantID = tenant(c)
	res, err := s.cfg.Escrow.Apply(c.Request.Context(), op)
	if err != nil {
		s.fail(c, "apply escrow", err)
		return
	}
	status := http.StatusOK
	if res.Applied {
		status = http.StatusCreated
	}
	c.JSON(status, res)
}

// WalletBalance handles GET /escrow/wallets/:wallet?currency=.
func (s *Server) WalletBalance(c *gin.Context) {
	currency := c.Query("currency")
	if currency == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "currency is required"})
		return
	}
	b, err := s.cfg.Escrow.WalletBalance(c.Request.Context(), tenant(c), c.Param("wallet"), currency)
	if err != nil {
		s.fail(c, "wallet balance", err)
		return
	}
	c.JSON(http.StatusOK, b)
}

// TenantBalances handles GET /escrow/balances.
func (s *Server) TenantBalances(c *gin.Context) {
	b, err := s.cfg.Escrow.TenantBalances(c.Request.Context(), tenant(c))
	if err != nil {
		s.fail(c, "tenant balances", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenantId": tenant(c), "balances": b})
}

type lockRequest struct {
	SettlementID  string  `json:"settlementId"`
	RunID         string  `json:"runId" binding:"required"`
	PayerWalletID string  `json:"payerWalletId" binding:"required"`
	PayeeWalletID string  `json:"payeeWalletId" binding:"required"`
	AgreementHash *string `json:"agreementHash"`
	AmountCents   int64   `json:"amountCents"`
	Currency      string  `json:"currency" binding:"required"`
}

// LockSettlement handles POST /settlements.
func (s *Server) LockSettlement(c *gin.Context) {
	var req lockRequest
	if !bind(c, &req) {
		return
	}
	st, err := s.cfg.Settlements.Lock(c.Request.Context(), settlement.NewRunSettlementParams{
		SettlementID:  req.SettlementID,
		TenantID:      tenant(c),
		RunID:         req.RunID,
		PayerWalletID: req.PayerWalletID,
		PayeeWalletID: req.PayeeWalletID,
		AgreementHash: req.AgreementHash,
		AmountCents:   req.AmountCents,
		Currency:      req.Currency,
	})
	if err != nil {
		s.fail(c, "lock settlement", err)
		return
	}
	c.JSON(http.StatusCreated, st)
}

// ListSettlements handles GET /settlements?limit=.
func (s *Server) ListSettlements(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 1 || limit > 500 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 500"})
		return
	}
	list, err := s.cfg.Settlements.List(c.Request.Context(), tenant(c), limit)
	if err != nil {
		s.fail(c, "list settlements", err)
		return
	}
	if list == nil {
		list = []*settlement.RunSettlement{}
	}
	c.JSON(http.StatusOK, gin.H{"settlements": list, "count": len(list)})
}

// GetSettlement handles GET /settlements/:id.
func (s *Server) GetSettlement(c *gin.Context) {
	st, err := s.cfg.Settlements.Get(c.Request.Context(), tenant(c), c.Param("id"))
	if err != nil {
		s.fail(c, "get settlement", err)
		return
	}
	c.JSON(http.StatusOK, st)
}

type settleRequest struct {
	Policy             *settlement.Policy            `json:"policy"`
	PolicyPack         string                        `json:"policyPack"`
	VerificationMethod settlement.VerificationMethod `json:"verificationMethod"`
	VerificationStatus string                        `json:"verificationStatus" binding:"required"`
	RunStatus          string                        `json:"runStatus" binding:"required"`
	EvidenceHash       *string                       `json:"evidenceHash"`
	ProfileHash        *string                       `json:"profileHash"`
}

// Settle handles POST /settlements/:id/settle. The policy is inline, a
// catalog pack, or the default.
func (s *Server) Settle(c *gin.Context) {
	var req settleRequest
	if !bind(c, &req) {
		return
	}
	p, err := s.resolvePolicy(req.Policy, req.PolicyPack)
	if err != nil {
		s.fail(c, "resolve policy", err)
		return
	}
	res, err := s.cfg.Settlements.Settle(c.Request.Context(), settlement.SettleRequest{
		TenantID:           tenant(c),
		SettlementID:       c.Param("id"),
		Policy:             p,
		Method:             req.VerificationMethod,
		VerificationStatus: req.VerificationStatus,
		RunStatus:          req.RunStatus,
		EvidenceHash:       req.EvidenceHash,
		ProfileHash:        req.ProfileHash,
	})
	if err != nil {
		s.fail(c, "settle", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type resolveRequest struct {
	ReleaseRatePct int      `json:"releaseRatePct"`
	Reason         string   `json:"reason"`
	ReasonCodes    []string `json:"reasonCodes"`
}

// ResolveSettlement handles POST /settlements/:id/resolve for settlements in
// manual review.
func (s *Server) ResolveSettlement(c *gin.Context) {
	var req resolveRequest
	if !bind(c, &req) {
		return
	}
	res, err := s.cfg.Settlements.ResolveManually(c.Request.Context(), settlement.ManualResolution{
		TenantID:       tenant(c),
		SettlementID:   c.Param("id"),
		ReleaseRatePct: req.ReleaseRatePct,
		Reason:         req.Reason,
		ReasonCodes:    req.ReasonCodes,
	})
	if err != nil {
		s.fail(c, "resolve settlement", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type disputeRequest struct {
	Envelope *artifact.DisputeOpenEnvelope `json:"envelope"`
}

// OpenDispute handles POST /settlements/:id/disputes. The signed envelope is
// optional; an empty body opens an operator dispute.
func (s *Server) OpenDispute(c *gin.Context) {
	var req disputeRequest
	if c.Request.ContentLength != 0 && !bind(c, &req) {
		return
	}
	st, err := s.cfg.Settlements.OpenDispute(c.Request.Context(), tenant(c), c.Param("id"), req.Envelope)
	if err != nil {
		s.fail(c, "open dispute", err)
		return
	}
	c.JSON(http.StatusOK, st)
}

type closeDisputeRequest struct {
	Resolution string `json:"resolution" binding:"required"`
}

// CloseDispute handles POST /settlements/:id/disputes/close.
func (s *Server) CloseDispute(c *gin.Context) {
	var req closeDisputeRequest
	if !bind(c, &req) {
		return
	}
	st, err := s.cfg.Settlements.CloseDispute(c.Request.Context(), tenant(c), c.Param("id"), req.Resolution)
	if err != nil {
		s.fail(c, "close dispute", err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// VerifySettlement handles GET /settlements/:id/verify?strict=.
func (s *Server) VerifySettlement(c *gin.Context) {
	strict, _ := strconv.ParseBool(c.DefaultQuery("strict", "false"))
	r, err := s.cfg.Settlements.Verify(c.Request.Context(), tenant(c), c.Param("id"), strict)
	if err != nil {
		s.fail(c, "verify settlement", err)
		return
	}
	c.JSON(http.StatusOK, r)
}
