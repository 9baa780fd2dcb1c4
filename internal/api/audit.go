package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/nexus-settlement/internal/artifact"
	"github.com/jmerrifield20/nexus-settlement/internal/auditchain"
	"github.com/jmerrifield20/nexus-settlement/internal/identity"
	"github.com/jmerrifield20/nexus-settlement/internal/store"
)

// ListArtifacts handles GET /artifacts?runId= or GET /artifacts?type=&limit=.
func (s *Server) ListArtifacts(c *gin.Context) {
	if s.cfg.Artifacts == nil {
		unavailable(c, "artifact store")
		return
	}
	var (
		recs []*store.Record
		err  error
	)
	switch {
	case c.Query("runId") != "":
		recs, err = s.cfg.Artifacts.ListByJob(c.Request.Context(), tenant(c), c.Query("runId"))
	case c.Query("type") != "":
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
		recs, err = s.cfg.Artifacts.ListByType(c.Request.Context(), tenant(c), c.Query("type"), limit)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "runId or type is required"})
		return
	}
	if err != nil {
		s.fail(c, "list artifacts", err)
		return
	}
	if recs == nil {
		recs = []*store.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"artifacts": recs, "count": len(recs)})
}

// GetArtifact handles GET /artifacts/:id.
func (s *Server) GetArtifact(c *gin.Context) {
	if s.cfg.Artifacts == nil {
		unavailable(c, "artifact store")
		return
	}
	r, err := s.cfg.Artifacts.Get(c.Request.Context(), tenant(c), c.Param("id"))
	if err != nil {
		s.fail(c, "get artifact", err)
		return
	}
	c.JSON(http.StatusOK, r)
}

// AuditOverview handles GET /audit with the chain length and tip hash.
func (s *Server) AuditOverview(c *gin.Context) {
	if s.cfg.Audit == nil {
		unavailable(c, "audit chain")
		return
	}
	ctx := c.Request.Context()
	n, err := s.cfg.Audit.Len(ctx)
	if err != nil {
		s.fail(c, "audit len", err)
		return
	}
	root, err := s.cfg.Audit.Root(ctx)
	if err != nil {
		s.fail(c, "audit root", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": n, "root": root})
}

// AuditVerify handles GET /audit/verify. A broken chain is reported in the
// body, not as an error status.
func (s *Server) AuditVerify(c *gin.Context) {
	if s.cfg.Audit == nil {
		unavailable(c, "audit chain")
		return
	}
	if err := s.cfg.Audit.Verify(c.Request.Context()); err != nil {
		s.logger.Warn("audit chain integrity check failed", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"valid": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true})
}

// AuditEntry handles GET /audit/entries/:idx. Entries of other tenants are
// hidden unless the token is admin.
func (s *Server) AuditEntry(c *gin.Context) {
	if s.cfg.Audit == nil {
		unavailable(c, "audit chain")
		return
	}
	idx, err := strconv.Atoi(c.Param("idx"))
	if err != nil || idx < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "idx must be a non-negative integer"})
		return
	}
	e, err := s.cfg.Audit.Get(c.Request.Context(), idx)
	if err != nil {
		s.fail(c, "audit entry", err)
		return
	}
	claims := identity.ClaimsFromCtx(c)
	if e.TenantID != "" && e.TenantID != claims.TenantID && !identity.HasScope(claims, identity.ScopeAdmin) {
		c.JSON(http.StatusNotFound, gin.H{"error": "entry not found"})
		return
	}
	c.JSON(http.StatusOK, e)
}

type checkpointRequest struct {
	From int `json:"from"`
	To   int `json:"to" binding:"required"`
}

// AuditCheckpoint handles POST /audit/checkpoints. It commits entries
// [from, to) under a signed Merkle root and stores the commitment.
func (s *Server) AuditCheckpoint(c *gin.Context) {
	if s.cfg.Audit == nil {
		unavailable(c, "audit chain")
		return
	}
	var req checkpointRequest
	if !bind(c, &req) {
		return
	}
	ctx := c.Request.Context()
	b, err := auditchain.Checkpoint(ctx, s.cfg.Audit, tenant(c), req.From, req.To, s.cfg.Signer)
	if err != nil {
		s.fail(c, "audit checkpoint", err)
		return
	}
	if s.cfg.Artifacts != nil {
		rec, err := store.NewRecord(store.NewRecordParams{
			ArtifactID:    b.BatchID,
			TenantID:      b.TenantID,
			ArtifactType:  artifact.BatchCommitmentV1,
			SourceEventID: b.BatchID,
			Artifact:      b,
		})
		if err == nil {
			_, err = s.cfg.Artifacts.Put(ctx, rec)
		}
		if err != nil {
			s.logger.Warn("store audit checkpoint", zap.String("batch_id", b.BatchID), zap.Error(err))
		}
	}
	c.JSON(http.StatusCreated, b)
}
