package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jmerrifield20/nexus-settlement/internal/moneyrail"
	"github.com/jmerrifield20/nexus-settlement/internal/zkverify"
)

// CreateRailOperation handles POST /rail/operations.
func (s *Server) CreateRailOperation(c *gin.Context) {
	if s.cfg.Rail == nil {
		unavailable(c, "money rail")
		return
	}
	var req moneyrail.CreateRequest
	if !bind(c, &req) {
		return
	}
	req.TenantID = tenant(c)
	op, err := s.cfg.Rail.Create(c.Request.Context(), req)
	if err != nil {
		s.fail(c, "create rail operation", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"provider": s.cfg.Rail.Provider(), "operation": op})
}

// ListRailOperations handles GET /rail/operations.
func (s *Server) ListRailOperations(c *gin.Context) {
	if s.cfg.RailStore == nil {
		unavailable(c, "money rail")
		return
	}
	ops, err := s.cfg.RailStore.List(c.Request.Context(), tenant(c))
	if err != nil {
		s.fail(c, "list rail operations", err)
		return
	}
	if ops == nil {
		ops = []*moneyrail.Operation{}
	}
	c.JSON(http.StatusOK, gin.H{"operations": ops, "count": len(ops)})
}

// RailOperationStatus handles GET /rail/operations/:id. Provider-backed
// adapters refresh the state from the provider.
func (s *Server) RailOperationStatus(c *gin.Context) {
	if s.cfg.Rail == nil {
		unavailable(c, "money rail")
		return
	}
	op, err := s.cfg.Rail.Status(c.Request.Context(), tenant(c), c.Param("id"))
	if err != nil {
		s.fail(c, "rail operation status", err)
		return
	}
	c.JSON(http.StatusOK, op)
}

// CancelRailOperation handles POST /rail/operations/:id/cancel.
func (s *Server) CancelRailOperation(c *gin.Context) {
	if s.cfg.Rail == nil {
		unavailable(c, "money rail")
		return
	}
	op, err := s.cfg.Rail.Cancel(c.Request.Context(), tenant(c), c.Param("id"))
	if err != nil {
		s.fail(c, "cancel rail operation", err)
		return
	}
	c.JSON(http.StatusOK, op)
}

// IngestRailEvent handles POST /rail/events. Replays answer 200 with
// duplicate set.
func (s *Server) IngestRailEvent(c *gin.Context) {
	if s.ingester == nil {
		unavailable(c, "money rail")
		return
	}
	var ev moneyrail.Event
	if !bind(c, &ev) {
		return
	}
	ev.TenantID = tenant(c)
	res, err := s.ingester.Ingest(c.Request.Context(), ev)
	if err != nil {
		s.fail(c, "ingest rail event", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// VerifyProof handles POST /zk/verify. An invalid proof is a 200 with valid
// false.
func (s *Server) VerifyProof(c *gin.Context) {
	if s.cfg.ZK == nil {
		unavailable(c, "zk verification")
		return
	}
	var job zkverify.Job
	if !bind(c, &job) {
		return
	}
	res, err := s.cfg.ZK.Verify(c.Request.Context(), job)
	if err != nil {
		s.fail(c, "verify proof", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type proofBatchRequest struct {
	Jobs []zkverify.Job `json:"jobs" binding:"required,min=1,max=256"`
}

// VerifyProofBatch handles POST /zk/verify/batch. Results keep the order of
// the jobs; per-job failures are reported in each result.
func (s *Server) VerifyProofBatch(c *gin.Context) {
	if s.cfg.ZK == nil {
		unavailable(c, "zk verification")
		return
	}
	var req proofBatchRequest
	if !bind(c, &req) {
		return
	}
	results, err := s.cfg.ZK.VerifyBatch(c.Request.Context(), req.Jobs)
	if err != nil {
		s.fail(c, "verify proof batch", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}
