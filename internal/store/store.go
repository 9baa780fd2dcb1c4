// Package store persists built artifacts. Job-scoped artifacts are unique
// per (tenant, job, artifact type, source event); artifacts without a job
// are exempt from that scope.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jmerrifield20/nexus-settlement/internal/bizerr"
	"github.com/jmerrifield20/nexus-settlement/internal/validate"
	"github.com/jmerrifield20/nexus-settlement/pkg/canonical"
)

// ErrNotFound is returned when an artifact does not exist.
var ErrNotFound = errors.New("artifact not found")

// Record is one stored artifact. Body is the artifact with its artifactHash
// field set.
type Record struct {
	ArtifactID    string          `json:"artifactId" validate:"required,artifactid"`
	TenantID      string          `json:"tenantId" validate:"required,artifactid"`
	JobID         *string         `json:"jobId" validate:"omitempty,artifactid"`
	ArtifactType  string          `json:"artifactType" validate:"required,max=100"`
	SourceEventID string          `json:"sourceEventId" validate:"required,artifactid"`
	ArtifactHash  string          `json:"artifactHash" validate:"required,sha256hex"`
	Body          json.RawMessage `json:"body"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// NewRecordParams are the inputs to NewRecord.
type NewRecordParams struct {
	ArtifactID    string
	TenantID      string
	JobID         *string
	ArtifactType  string
	SourceEventID string
	Artifact      any
	CreatedAt     time.Time
}

// NewRecord computes the artifact hash over the canonical form of the
// artifact without any artifactHash field, and stores the body with that
// field set.
func NewRecord(p NewRecordParams) (*Record, error) {
	norm, err := canonical.Normalize(p.Artifact)
	if err != nil {
		return nil, fmt.Errorf("normalize artifact: %w", err)
	}
	obj, ok := norm.(map[string]any)
	if !ok {
		return nil, validate.Fieldf("artifact", "must be a JSON object")
	}
	delete(obj, "artifactHash")
	hash, err := canonical.HashHex(obj)
	if err != nil {
		return nil, fmt.Errorf("hash artifact: %w", err)
	}
	obj["artifactHash"] = hash
	body, err := canonical.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("encode artifact: %w", err)
	}
	at := p.CreatedAt
	if at.IsZero() {
		at = time.Now()
	}
	r := &Record{
		ArtifactID:    p.ArtifactID,
		TenantID:      p.TenantID,
		JobID:         p.JobID,
		ArtifactType:  p.ArtifactType,
		SourceEventID: p.SourceEventID,
		ArtifactHash:  hash,
		Body:          body,
		CreatedAt:     at.UTC().Truncate(time.Millisecond),
	}
	if err := validate.Struct(r); err != nil {
		return nil, err
	}
	return r, nil
}

// Store persists artifact records. Put is idempotent for an identical
// record; any other collision on the artifact id or the job scope fails with
// ARTIFACT_UNIQUENESS_VIOLATION.
type Store interface {
	Put(ctx context.Context, r *Record) (*Record, error)
	Get(ctx context.Context, tenantID, artifactID string) (*Record, error)
	ListByJob(ctx context.Context, tenantID, jobID string) ([]*Record, error)
	ListByType(ctx context.Context, tenantID, artifactType string, limit int) ([]*Record, error)
}

func sameRecord(a, b *Record) bool {
	return a.ArtifactID == b.ArtifactID &&
		a.TenantID == b.TenantID &&
		a.ArtifactType == b.ArtifactType &&
		a.SourceEventID == b.SourceEventID &&
		a.ArtifactHash == b.ArtifactHash &&
		((a.JobID == nil && b.JobID == nil) || (a.JobID != nil && b.JobID != nil && *a.JobID == *b.JobID))
}

func violation(r *Record, reason string) error {
	return bizerr.New(bizerr.ArtifactUniquenessViolation, "artifact %s: %s", r.ArtifactID, reason)
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu       sync.RWMutex
	byID     map[string]*Record
	jobScope map[string]string
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*Record), jobScope: make(map[string]string)}
}

func scopeKey(r *Record) string {
	return r.TenantID + "\x00" + *r.JobID + "\x00" + r.ArtifactType + "\x00" + r.SourceEventID
}

func clone(r *Record) *Record {
	cp := *r
	cp.Body = append(json.RawMessage(nil), r.Body...)
	return &cp
}

// Put implements Store.
func (s *MemoryStore) Put(_ context.Context, r *Record) (*Record, error) {
	if err := validate.Struct(r); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.byID[r.ArtifactID]; ok {
		if !sameRecord(cur, r) {
			return nil, violation(r, "id already holds a different artifact")
		}
		return clone(cur), nil
	}
	if r.JobID != nil {
		if other, ok := s.jobScope[scopeKey(r)]; ok {
			return nil, violation(r, "job scope already holds artifact "+other)
		}
		s.jobScope[scopeKey(r)] = r.ArtifactID
	}
	s.byID[r.ArtifactID] = clone(r)
	return clone(r), nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, tenantID, artifactID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byID[artifactID]
	if !ok || r.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return clone(r), nil
}

// ListByJob implements Store, oldest first.
func (s *MemoryStore) ListByJob(_ context.Context, tenantID, jobID string) ([]*Record, error) {
	return s.list(func(r *Record) bool {
		return r.TenantID == tenantID && r.JobID != nil && *r.JobID == jobID
	}, 0), nil
}

// ListByType implements Store, oldest first.
func (s *MemoryStore) ListByType(_ context.Context, tenantID, artifactType string, limit int) ([]*Record, error) {
	return s.list(func(r *Record) bool {
		return r.TenantID == tenantID && r.ArtifactType == artifactType
	}, limit), nil
}

func (s *MemoryStore) list(match func(*Record) bool, limit int) []*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Record
	for _, r := range s.byID {
		if match(r) {
			out = append(out, clone(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ArtifactID < out[j].ArtifactID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
