package moneyrail

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jmerrifield20/nexus-settlement/internal/bizerr"
)

// EventKey identifies a provider event for deduplication.
type EventKey struct {
	EventType string
	DedupKey  string
}

// MutateFunc returns the next version of an operation. Returning the input
// unchanged is allowed.
type MutateFunc func(op *Operation) (*Operation, error)

// Store persists rail operations and the event dedup index.
type Store interface {
	// Create inserts a new initiated operation. An existing operation with
	// the same request is returned with created false; a different request
	// under the same id is a conflict.
	Create(ctx context.Context, req CreateRequest, at time.Time) (op *Operation, created bool, err error)
	Get(ctx context.Context, tenantID, operationID string) (*Operation, error)
	List(ctx context.Context, tenantID string) ([]*Operation, error)
	// Mutate applies fn atomically. When key is non-nil and was already
	// recorded for this operation, fn is not called and duplicate is true.
	Mutate(ctx context.Context, tenantID, operationID string, key *EventKey, fn MutateFunc) (op *Operation, duplicate bool, err error)
}

func notFound(operationID string) error {
	return bizerr.New(bizerr.RailOperationNotFound, "rail operation %s not found", operationID)
}

func conflict(operationID string) error {
	return bizerr.New(bizerr.RailOperationConflict, "rail operation %s already exists with a different request", operationID)
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu     sync.Mutex
	ops    map[string]*Operation
	events map[string]struct{}
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ops: make(map[string]*Operation), events: make(map[string]struct{})}
}

func opKey(tenantID, operationID string) string { return tenantID + "\x00" + operationID }

// Create implements Store.
func (s *MemoryStore) Create(_ context.Context, req CreateRequest, at time.Time) (*Operation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := opKey(req.TenantID, req.OperationID)
	if cur, ok := s.ops[k]; ok {
		if !req.matches(cur) {
			return nil, false, conflict(req.OperationID)
		}
		cp := *cur
		return &cp, false, nil
	}
	op := req.operation(at)
	s.ops[k] = op
	cp := *op
	return &cp, true, nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, tenantID, operationID string) (*Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[opKey(tenantID, operationID)]
	if !ok {
		return nil, notFound(operationID)
	}
	cp := *op
	return &cp, nil
}

// List implements Store, oldest first.
func (s *MemoryStore) List(_ context.Context, tenantID string) ([]*Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Operation
	for _, op := range s.ops {
		if op.TenantID == tenantID {
			cp := *op
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].OperationID < out[j].OperationID
	})
	return out, nil
}

// Mutate implements Store.
func (s *MemoryStore) Mutate(_ context.Context, tenantID, operationID string, key *EventKey, fn MutateFunc) (*Operation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := opKey(tenantID, operationID)
	cur, ok := s.ops[k]
	if !ok {
		return nil, false, notFound(operationID)
	}
	var ek string
	if key != nil {
		ek = k + "\x00" + key.EventType + "\x00" + key.DedupKey
		if _, seen := s.events[ek]; seen {
			cp := *cur
			return &cp, true, nil
		}
	}
	in := *cur
	next, err := fn(&in)
	if err != nil {
		return nil, false, err
	}
	if key != nil {
		s.events[ek] = struct{}{}
	}
	stored := *next
	s.ops[k] = &stored
	return next, false, nil
}
