// Package auditchain is the append-only hash chain that records every kernel
// event: escrow movements, settlement decisions, receipts, revocations and
// rail transitions.
//
// The chain starts at a genesis entry whose Hash is GenesisHash (64 hex
// zeros). Each later entry commits to its predecessor's hash and to the
// canonical hash of its payload, so editing or dropping any row breaks
// Verify. Checkpoint folds a range of entry hashes into a Merkle
// BatchCommitment so a single event can be proven included later.
//
// Two implementations of Log are provided:
//   - MemoryLog: in-process, for testing and development.
//   - PostgresLog: durable, serialised with an advisory lock.
package auditchain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmerrifield20/nexus-settlement/internal/validate"
	"github.com/jmerrifield20/nexus-settlement/pkg/canonical"
)

// GenesisHash is the well-known hash of entry 0.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// ErrOutOfRange is returned for indexes past the chain tip.
var ErrOutOfRange = errors.New("auditchain: index out of range")

// Event is what callers append.
type Event struct {
	TenantID string
	Subject  string // settlement id, grant hash, operation id, ...
	Action   string
	Actor    string
	Data     any
}

// Entry is a single link in the chain.
type Entry struct {
	Index     int       `json:"index"`
	Timestamp time.Time `json:"timestamp"`
	TenantID  string    `json:"tenantId"`
	Subject   string    `json:"subject"`
	Action    string    `json:"action"`
	Actor     string    `json:"actor"`
	DataHash  string    `json:"dataHash"`
	PrevHash  string    `json:"prevHash"`
	Hash      string    `json:"hash"`
}

// Log is the append-only audit chain.
type Log interface {
	// Append chains a new entry to the tip. Data is canonicalized and only
	// its hash is stored.
	Append(ctx context.Context, ev Event) (*Entry, error)
	// Get returns the entry at a zero-based index.
	Get(ctx context.Context, index int) (*Entry, error)
	// Range returns entries [from, to).
	Range(ctx context.Context, from, to int) ([]*Entry, error)
	// Len counts entries, genesis included.
	Len(ctx context.Context) (int, error)
	// Verify walks the chain and returns nil when it is intact.
	Verify(ctx context.Context) error
	// Root is the hash of the chain tip.
	Root(ctx context.Context) (string, error)
}

// hashEntry is the canonical hash over every field but Hash. It is never
// applied to the genesis entry.
func hashEntry(e *Entry) (string, error) {
	return canonical.HashHex(map[string]any{
		"index":     e.Index,
		"timestamp": validate.FormatTime(e.Timestamp),
		"tenantId":  e.TenantID,
		"subject":   e.Subject,
		"action":    e.Action,
		"actor":     e.Actor,
		"dataHash":  e.DataHash,
		"prevHash":  e.PrevHash,
	})
}

// newEntry builds the successor of prev for ev.
func newEntry(prev *Entry, ev Event, at time.Time) (*Entry, error) {
	if ev.Action == "" {
		return nil, validate.Fieldf("action", "is required")
	}
	dataHash, err := canonical.HashHex(ev.Data)
	if err != nil {
		return nil, fmt.Errorf("hash audit payload: %w", err)
	}
	e := &Entry{
		Index:     prev.Index + 1,
		Timestamp: at.UTC().Truncate(time.Millisecond),
		TenantID:  ev.TenantID,
		Subject:   ev.Subject,
		Action:    ev.Action,
		Actor:     ev.Actor,
		DataHash:  dataHash,
		PrevHash:  prev.Hash,
	}
	if e.Hash, err = hashEntry(e); err != nil {
		return nil, err
	}
	return e, nil
}

// verifyLink checks curr against its predecessor (nil for genesis).
func verifyLink(prev, curr *Entry) error {
	if prev == nil {
		if curr.Hash != GenesisHash {
			return fmt.Errorf("genesis entry has wrong hash: got %q", curr.Hash)
		}
		return nil
	}
	if curr.Index != prev.Index+1 {
		return fmt.Errorf("index gap after %d", prev.Index)
	}
	if curr.PrevHash != prev.Hash {
		return fmt.Errorf("hash chain broken at index %d", curr.Index)
	}
	h, err := hashEntry(curr)
	if err != nil {
		return err
	}
	if curr.Hash != h {
		return fmt.Errorf("entry %d has invalid hash", curr.Index)
	}
	return nil
}

func genesis() *Entry {
	return &Entry{
		Index:     0,
		Timestamp: time.Unix(0, 0).UTC(),
		Action:    "genesis",
		Actor:     "nexus-settlement",
		DataHash:  GenesisHash,
		PrevHash:  GenesisHash,
		Hash:      GenesisHash,
	}
}
