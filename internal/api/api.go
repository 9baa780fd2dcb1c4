// Package api is the HTTP surface of the settlement kernel. Pure functions
// (canonical hashing, kernel and policy evaluation, catalogs) are public;
// everything that reads or moves a tenant's money requires an ops token and
// is scoped to the token's tenant.
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/nexus-settlement/internal/artifact"
	"github.com/jmerrifield20/nexus-settlement/internal/auditchain"
	"github.com/jmerrifield20/nexus-settlement/internal/bizerr"
	"github.com/jmerrifield20/nexus-settlement/internal/catalog"
	"github.com/jmerrifield20/nexus-settlement/internal/escrow"
	"github.com/jmerrifield20/nexus-settlement/internal/identity"
	"github.com/jmerrifield20/nexus-settlement/internal/metrics"
	"github.com/jmerrifield20/nexus-settlement/internal/moneyrail"
	"github.com/jmerrifield20/nexus-settlement/internal/settlement"
	"github.com/jmerrifield20/nexus-settlement/internal/store"
	"github.com/jmerrifield20/nexus-settlement/internal/validate"
	"github.com/jmerrifield20/nexus-settlement/internal/webhooks"
	"github.com/jmerrifield20/nexus-settlement/internal/zkverify"
	"github.com/jmerrifield20/nexus-settlement/pkg/signature"
)

// Config wires a Server. Rail, ZK and Artifacts are optional; their routes
// answer 503 when unset.
type Config struct {
	Settlements *settlement.Service
	Escrow      *escrow.Service
	Audit       auditchain.Log
	Artifacts   store.Store
	Catalog     *catalog.Catalog
	Rail        moneyrail.Adapter
	RailStore   moneyrail.Store
	ZK          *zkverify.Pool
	Tokens      *identity.TokenIssuer
	APIKeys     *identity.APIKeys
	Signer      signature.Signer
	Resolver    signature.KeyResolver
	Webhooks    *webhooks.Service
}

// Server holds the handlers' dependencies.
type Server struct {
	cfg      Config
	ingester *moneyrail.EventIngester
	logger   *zap.Logger
}

// New creates a Server.
func New(cfg Config, logger *zap.Logger) *Server {
	s := &Server{cfg: cfg, logger: logger}
	if cfg.RailStore != nil {
		s.ingester = moneyrail.NewEventIngester(cfg.RailStore, logger)
	}
	return s
}

// Register mounts every route under rg.
func (s *Server) Register(rg *gin.RouterGroup) {
	rg.POST("/auth/token", s.IssueToken)

	rg.POST("/canonical/hash", s.CanonicalHash)
	rg.POST("/kernel/verify", s.VerifyKernel)
	rg.POST("/policy/evaluate", s.EvaluatePolicy)
	rg.POST("/delegation/evaluate", s.EvaluateDelegation)
	rg.POST("/delegation/authorize", s.AuthorizeDelegation)

	cat := rg.Group("/catalog")
	{
		cat.GET("/policy-packs", s.ListPolicyPacks)
		cat.GET("/policy-packs/:id", s.GetPolicyPack)
		cat.GET("/billing-plans", s.ListBillingPlans)
		cat.GET("/billing-plans/:id/quote", s.QuoteBillingPlan)
	}

	authed := rg.Group("", identity.RequireToken(s.cfg.Tokens))

	read := identity.RequireScope(identity.ScopeSettlementRead)
	write := identity.RequireScope(identity.ScopeSettlementWrite)

	esc := authed.Group("/escrow")
	{
		esc.POST("/operations", identity.RequireScope(identity.ScopeEscrowWrite), s.ApplyEscrow)
		esc.GET("/wallets/:wallet", read, s.WalletBalance)
		esc.GET("/balances", read, s.TenantBalances)
	}

	st := authed.Group("/settlements")
	{
		st.POST("", write, s.LockSettlement)
		st.GET("", read, s.ListSettlements)
		st.GET("/:id", read, s.GetSettlement)
		st.POST("/:id/settle", write, s.Settle)
		st.POST("/:id/resolve", write, s.ResolveSettlement)
		st.POST("/:id/disputes", write, s.OpenDispute)
		st.POST("/:id/disputes/close", write, s.CloseDispute)
		st.GET("/:id/verify", read, s.VerifySettlement)
	}

	arts := authed.Group("/artifacts", read)
	{
		arts.GET("", s.ListArtifacts)
		arts.GET("/:id", s.GetArtifact)
	}

	audit := authed.Group("/audit", identity.RequireScope(identity.ScopeAuditRead))
	{
		audit.GET("", s.AuditOverview)
		audit.GET("/verify", s.AuditVerify)
		audit.GET("/entries/:idx", s.AuditEntry)
		audit.POST("/checkpoints", s.AuditCheckpoint)
	}

	rail := authed.Group("/rail", identity.RequireScope(identity.ScopeRailWrite))
	{
		rail.POST("/operations", s.CreateRailOperation)
		rail.GET("/operations", s.ListRailOperations)
		rail.GET("/operations/:id", s.RailOperationStatus)
		rail.POST("/operations/:id/cancel", s.CancelRailOperation)
		rail.POST("/events", s.IngestRailEvent)
	}

	zk := authed.Group("/zk", write)
	{
		zk.POST("/verify", s.VerifyProof)
		zk.POST("/verify/batch", s.VerifyProofBatch)
	}

	if s.cfg.Webhooks != nil {
		webhooks.NewHandler(s.cfg.Webhooks, s.logger).Register(authed, read, write)
	}
}

// NewRouter builds a gin engine with recovery, request metrics, rate
// limiting and every route under /v1. mw runs after recovery on every
// route. ctx bounds the rate limiter's background cleanup.
func NewRouter(ctx context.Context, s *Server, rps, burst int, mw ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(mw...)
	r.Use(metrics.PrometheusMiddleware())
	r.GET("/metrics", metrics.Handler())
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	v1 := r.Group("/v1")
	if rps > 0 {
		v1.Use(RateLimiter(ctx, rps, burst))
	}
	s.Register(v1)
	return r
}

func tenant(c *gin.Context) string { return identity.TenantFromCtx(c) }

// bind decodes the JSON body into v and answers 400 on failure.
func bind(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func unavailable(c *gin.Context, what string) {
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": what + " is not configured"})
}

// fail maps an error to its HTTP status. Input errors are 400, integrity
// failures 422 and business failures 409, each carrying its stable code.
func (s *Server) fail(c *gin.Context, op string, err error) {
	var fe *validate.FieldError
	var ie *artifact.IntegrityError
	var be *bizerr.Error
	switch {
	case errors.As(err, &fe):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "field": fe.Field})
	case errors.Is(err, validate.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.As(err, &ie):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "artifact": ie.Artifact})
	case errors.Is(err, signature.ErrUnknownKey):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.As(err, &be):
		status := http.StatusConflict
		if be.Code == bizerr.RailOperationNotFound {
			status = http.StatusNotFound
		}
		if be.Code == bizerr.ZKProtocolUnsupported {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": be.Message, "code": be.Code})
	case errors.Is(err, settlement.ErrNotFound), errors.Is(err, store.ErrNotFound),
		errors.Is(err, catalog.ErrUnknown), errors.Is(err, auditchain.ErrOutOfRange):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, settlement.ErrExists), errors.Is(err, settlement.ErrRevisionConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, settlement.ErrKernelRejected):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, zkverify.ErrTimeout):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": err.Error()})
	default:
		var pe *moneyrail.ProviderError
		if errors.As(err, &pe) {
			s.logger.Warn(op+" provider error", zap.Error(err))
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "provider": pe.Provider})
			return
		}
		s.logger.Error(op, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
