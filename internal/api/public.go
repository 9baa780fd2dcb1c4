package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/nexus-settlement/internal/artifact"
	"github.com/jmerrifield20/nexus-settlement/internal/delegation"
	"github.com/jmerrifield20/nexus-settlement/internal/identity"
	"github.com/jmerrifield20/nexus-settlement/internal/kernel"
	"github.com/jmerrifield20/nexus-settlement/internal/settlement"
	"github.com/jmerrifield20/nexus-settlement/internal/validate"
	"github.com/jmerrifield20/nexus-settlement/pkg/canonical"
)

type tokenRequest struct {
	TenantID string   `json:"tenantId" binding:"required"`
	APIKey   string   `json:"apiKey" binding:"required"`
	Scopes   []string `json:"scopes"`
}

// IssueToken handles POST /auth/token. It exchanges a tenant API key for an
// ops token. Without requested scopes every scope but admin is granted.
func (s *Server) IssueToken(c *gin.Context) {
	if s.cfg.APIKeys == nil || s.cfg.Tokens == nil {
		unavailable(c, "api key authentication")
		return
	}
	var req tokenRequest
	if !bind(c, &req) {
		return
	}
	if err := s.cfg.APIKeys.Authenticate(req.TenantID, req.APIKey); err != nil {
		s.logger.Warn("api key rejected", zap.String("tenant_id", req.TenantID))
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	scopes := req.Scopes
	if len(scopes) == 0 {
		scopes = identity.AllScopes[:len(identity.AllScopes)-1]
	}
	for _, sc := range scopes {
		if !known(sc) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown scope: " + sc})
			return
		}
	}
	token, err := s.cfg.Tokens.Issue(req.TenantID, "apikey:"+req.TenantID, scopes)
	if err != nil {
		s.fail(c, "issue token", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":     token,
		"tokenType": "Bearer",
		"expiresIn": int(s.cfg.Tokens.TTL().Seconds()),
		"scopes":    scopes,
	})
}

func known(scope string) bool {
	for _, s := range identity.AllScopes {
		if s == scope {
			return true
		}
	}
	return false
}

// CanonicalHash handles POST /canonical/hash. The body is any JSON value.
func (s *Server) CanonicalHash(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read body: " + err.Error()})
		return
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON: " + err.Error()})
		return
	}
	text, err := canonical.Stringify(v)
	if err != nil {
		var ce *canonical.Error
		if errors.As(err, &ce) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "path": ce.Path})
			return
		}
		s.fail(c, "canonicalize", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"canonical": text,
		"hash":      canonical.SHA256Hex([]byte(text)),
	})
}

type kernelRequest struct {
	Settlement        *kernel.Subject             `json:"settlement"`
	Receipt           *artifact.SettlementReceipt `json:"receipt"`
	Strict            bool                        `json:"strict"`
	RequireSignatures bool                        `json:"requireSignatures"`
}

// VerifyKernel handles POST /kernel/verify over either a settlement with its
// embedded artifacts or a standalone receipt. A failed verification is still
// a 200; the report says why.
func (s *Server) VerifyKernel(c *gin.Context) {
	var req kernelRequest
	if !bind(c, &req) {
		return
	}
	opts := kernel.Options{Strict: req.Strict, Resolver: s.cfg.Resolver, RequireSignatures: req.RequireSignatures}
	switch {
	case req.Settlement != nil:
		c.JSON(http.StatusOK, kernel.VerifySettlement(c.Request.Context(), *req.Settlement, opts))
	case req.Receipt != nil:
		c.JSON(http.StatusOK, kernel.VerifyReceipt(c.Request.Context(), req.Receipt, opts))
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "settlement or receipt is required"})
	}
}

type policyRequest struct {
	Policy             *settlement.Policy            `json:"policy"`
	PolicyPack         string                        `json:"policyPack"`
	VerificationMethod settlement.VerificationMethod `json:"verificationMethod"`
	VerificationStatus string                        `json:"verificationStatus"`
	RunStatus          string                        `json:"runStatus"`
	AmountCents        int64                         `json:"amountCents"`
}

// resolvePolicy picks the inline policy, else the named catalog pack, else
// the default policy.
func (s *Server) resolvePolicy(inline *settlement.Policy, pack string) (settlement.Policy, error) {
	if inline != nil {
		return *inline, nil
	}
	if pack != "" && s.cfg.Catalog != nil {
		p, err := s.cfg.Catalog.PolicyPack(pack)
		if err != nil {
			return settlement.Policy{}, err
		}
		return p.Policy, nil
	}
	return settlement.DefaultPolicy(), nil
}

// EvaluatePolicy handles POST /policy/evaluate.
func (s *Server) EvaluatePolicy(c *gin.Context) {
	var req policyRequest
	if !bind(c, &req) {
		return
	}
	p, err := s.resolvePolicy(req.Policy, req.PolicyPack)
	if err != nil {
		s.fail(c, "resolve policy", err)
		return
	}
	d, err := settlement.Evaluate(p, req.VerificationMethod, req.VerificationStatus, req.RunStatus, req.AmountCents)
	if err != nil {
		s.fail(c, "evaluate policy", err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func parseAt(field, v string) (time.Time, error) {
	if v == "" {
		return time.Now().UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, validate.Fieldf(field, "must be an ISO 8601 timestamp")
	}
	return t, nil
}

type delegationRequest struct {
	Grant      *artifact.DelegationGrant `json:"grant" binding:"required"`
	At         string                    `json:"at"`
	Operation  string                    `json:"operation" binding:"required,oneof=read write"`
	EvidenceAt *string                   `json:"evidenceAt"`
}

// EvaluateDelegation handles POST /delegation/evaluate. at defaults to now.
func (s *Server) EvaluateDelegation(c *gin.Context) {
	var req delegationRequest
	if !bind(c, &req) {
		return
	}
	at, err := parseAt("at", req.At)
	if err != nil {
		s.fail(c, "evaluate delegation", err)
		return
	}
	dr := delegation.Request{At: at, Operation: delegation.Operation(req.Operation)}
	if req.EvidenceAt != nil {
		ev, err := parseAt("evidenceAt", *req.EvidenceAt)
		if err != nil {
			s.fail(c, "evaluate delegation", err)
			return
		}
		dr.EvidenceAt = &ev
	}
	d, err := delegation.Evaluate(req.Grant, dr)
	if err != nil {
		s.fail(c, "evaluate delegation", err)
		return
	}
	c.JSON(http.StatusOK, d)
}

type authorizeRequest struct {
	Grant  *artifact.DelegationGrant `json:"grant" binding:"required"`
	Action struct {
		At            string `json:"at"`
		ActorAgentID  string `json:"actorAgentId"`
		RiskClass     string `json:"riskClass"`
		SideEffecting bool   `json:"sideEffecting"`
		ProviderID    string `json:"providerId"`
		ToolID        string `json:"toolId"`
		AmountCents   int64  `json:"amountCents"`
		Currency      string `json:"currency"`
		SpentCents    int64  `json:"spentCents"`
	} `json:"action"`
}

// AuthorizeDelegation handles POST /delegation/authorize.
func (s *Server) AuthorizeDelegation(c *gin.Context) {
	var req authorizeRequest
	if !bind(c, &req) {
		return
	}
	at, err := parseAt("action.at", req.Action.At)
	if err != nil {
		s.fail(c, "authorize delegation", err)
		return
	}
	res, err := delegation.Authorize(req.Grant, delegation.Action{
		At:            at,
		ActorAgentID:  req.Action.ActorAgentID,
		RiskClass:     req.Action.RiskClass,
		SideEffecting: req.Action.SideEffecting,
		ProviderID:    req.Action.ProviderID,
		ToolID:        req.Action.ToolID,
		AmountCents:   req.Action.AmountCents,
		Currency:      req.Action.Currency,
		SpentCents:    req.Action.SpentCents,
	})
	if err != nil {
		s.fail(c, "authorize delegation", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ListPolicyPacks handles GET /catalog/policy-packs.
func (s *Server) ListPolicyPacks(c *gin.Context) {
	if s.cfg.Catalog == nil {
		unavailable(c, "catalog")
		return
	}
	c.JSON(http.StatusOK, gin.H{"version": s.cfg.Catalog.Version(), "policyPacks": s.cfg.Catalog.PolicyPacks()})
}

// GetPolicyPack handles GET /catalog/policy-packs/:id.
func (s *Server) GetPolicyPack(c *gin.Context) {
	if s.cfg.Catalog == nil {
		unavailable(c, "catalog")
		return
	}
	p, err := s.cfg.Catalog.PolicyPack(c.Param("id"))
	if err != nil {
		s.fail(c, "get policy pack", err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// ListBillingPlans handles GET /catalog/billing-plans.
func (s *Server) ListBillingPlans(c *gin.Context) {
	if s.cfg.Catalog == nil {
		unavailable(c, "catalog")
		return
	}
	c.JSON(http.StatusOK, gin.H{"version": s.cfg.Catalog.Version(), "billingPlans": s.cfg.Catalog.BillingPlans()})
}

// QuoteBillingPlan handles GET /catalog/billing-plans/:id/quote?verifiedRuns=&releasedCents=.
func (s *Server) QuoteBillingPlan(c *gin.Context) {
	if s.cfg.Catalog == nil {
		unavailable(c, "catalog")
		return
	}
	plan, err := s.cfg.Catalog.BillingPlan(c.Param("id"))
	if err != nil {
		s.fail(c, "quote billing plan", err)
		return
	}
	runs, err := strconv.ParseInt(c.DefaultQuery("verifiedRuns", "0"), 10, 64)
	if err != nil || runs < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "verifiedRuns must be a non-negative integer"})
		return
	}
	released, err := strconv.ParseInt(c.DefaultQuery("releasedCents", "0"), 10, 64)
	if err != nil || released < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "releasedCents must be a non-negative integer"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"planId":             plan.ID,
		"usageCents":         plan.UsageCents(runs),
		"settlementFeeCents": plan.SettlementFeeCents(released),
	})
}
