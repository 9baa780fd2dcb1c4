package ledger

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MemoryStore is an in-memory, thread-safe Store. A single mutex serializes
// every transaction, which trivially covers any set of lock keys.
type MemoryStore struct {
	mu         sync.Mutex
	balances   map[string]int64
	entries    []JournalEntry
	entryIDs   map[string]struct{}
	operations map[string]OperationRecord
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances:   make(map[string]int64),
		entryIDs:   make(map[string]struct{}),
		operations: make(map[string]OperationRecord),
	}
}

func opKey(tenantID, operationID string) string {
	return tenantID + "\x00" + operationID
}

// memTx buffers writes until the callback succeeds.
type memTx struct {
	s        *MemoryStore
	deltas   map[string]int64
	entries  []JournalEntry
	entryIDs map[string]struct{}
	ops      map[string]OperationRecord
}

// WithinTx implements Store.
func (s *MemoryStore) WithinTx(_ context.Context, _ []string, fn func(Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		s:        s,
		deltas:   make(map[string]int64),
		entryIDs: make(map[string]struct{}),
		ops:      make(map[string]OperationRecord),
	}
	if err := fn(tx); err != nil {
		return err
	}
	for account, d := range tx.deltas {
		s.balances[account] += d
	}
	for _, e := range tx.entries {
		s.entries = append(s.entries, e)
		s.entryIDs[e.EntryID] = struct{}{}
	}
	for k, rec := range tx.ops {
		s.operations[k] = rec
	}
	return nil
}

func (t *memTx) Balance(_ context.Context, account string) (int64, error) {
	return t.s.balances[account] + t.deltas[account], nil
}

func (t *memTx) Apply(_ context.Context, entry JournalEntry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	_, committed := t.s.entryIDs[entry.EntryID]
	_, staged := t.entryIDs[entry.EntryID]
	if committed || staged {
		return fmt.Errorf("%w: %s", ErrDuplicateEntry, entry.EntryID)
	}
	for _, p := range entry.Postings {
		t.deltas[p.Account] += p.AmountCents
	}
	entry.Postings = append([]Posting(nil), entry.Postings...)
	t.entries = append(t.entries, entry)
	t.entryIDs[entry.EntryID] = struct{}{}
	return nil
}

func (t *memTx) GetOperation(_ context.Context, tenantID, operationID string) (*OperationRecord, error) {
	k := opKey(tenantID, operationID)
	if rec, ok := t.ops[k]; ok {
		return &rec, nil
	}
	if rec, ok := t.s.operations[k]; ok {
		return &rec, nil
	}
	return nil, nil
}

func (t *memTx) PutOperation(_ context.Context, rec OperationRecord) error {
	k := opKey(rec.TenantID, rec.OperationID)
	_, committed := t.s.operations[k]
	_, staged := t.ops[k]
	if committed || staged {
		return fmt.Errorf("%w: %s/%s", ErrDuplicateOperation, rec.TenantID, rec.OperationID)
	}
	t.ops[k] = rec
	return nil
}

// Balance implements Store.
func (s *MemoryStore) Balance(_ context.Context, account string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[account], nil
}

// Balances implements Store.
func (s *MemoryStore) Balances(_ context.Context, prefix string) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64)
	for account, b := range s.balances {
		if strings.HasPrefix(account, prefix) {
			out[account] = b
		}
	}
	return out, nil
}

// Entries implements Store.
func (s *MemoryStore) Entries(_ context.Context, tenantID string) ([]JournalEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []JournalEntry
	for _, e := range s.entries {
		if e.TenantID == tenantID {
			out = append(out, e)
		}
	}
	return out, nil
}
