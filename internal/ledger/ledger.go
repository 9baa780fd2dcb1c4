// Package ledger is a generic double-entry bookkeeping store.
//
// Balances are signed integer cents. A JournalEntry is a set of postings that
// sums to zero, so applying entries never changes the total of all balances.
// Callers run check-then-post sequences inside Store.WithinTx, which holds a
// critical section over the given lock keys for the whole callback and
// commits nothing if the callback fails.
//
// Two implementations of Store are provided:
//   - MemoryStore: in-process, for testing and single-node deployments.
//   - PostgresStore: durable, serialized with transaction-scoped advisory
//     locks and row locks.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnbalanced is returned for entries whose postings do not sum to zero.
	ErrUnbalanced = errors.New("ledger: journal entry is not balanced")
	// ErrDuplicateEntry is returned when an entry id has already been applied.
	ErrDuplicateEntry = errors.New("ledger: duplicate entry id")
	// ErrDuplicateOperation is returned when an operation key is recorded twice.
	ErrDuplicateOperation = errors.New("ledger: duplicate operation")
)

// Posting moves AmountCents into (positive) or out of (negative) Account.
type Posting struct {
	Account     string `json:"account"`
	AmountCents int64  `json:"amountCents"`
}

// JournalEntry is an atomic, balanced set of postings keyed by EntryID.
type JournalEntry struct {
	EntryID   string    `json:"entryId"`
	TenantID  string    `json:"tenantId"`
	Memo      string    `json:"memo"`
	Postings  []Posting `json:"postings"`
	CreatedAt time.Time `json:"createdAt"`
}

// Validate checks the entry shape and that its postings sum to zero.
func (e JournalEntry) Validate() error {
	if e.EntryID == "" {
		return errors.New("ledger: entry id is required")
	}
	if len(e.Postings) < 2 {
		return fmt.Errorf("ledger: entry %s needs at least two postings", e.EntryID)
	}
	var sum int64
	for _, p := range e.Postings {
		if p.Account == "" {
			return fmt.Errorf("ledger: entry %s has a posting without account", e.EntryID)
		}
		if p.AmountCents == 0 {
			return fmt.Errorf("ledger: entry %s has a zero posting on %s", e.EntryID, p.Account)
		}
		sum += p.AmountCents
	}
	if sum != 0 {
		return fmt.Errorf("%w: entry %s sums to %d", ErrUnbalanced, e.EntryID, sum)
	}
	return nil
}

// OperationRecord is the idempotency index row for a caller-keyed operation.
type OperationRecord struct {
	TenantID    string          `json:"tenantId"`
	OperationID string          `json:"operationId"`
	RequestHash string          `json:"requestHash"`
	EntryID     string          `json:"entryId"`
	Result      json.RawMessage `json:"result"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// Tx is the view of the store available inside a critical section.
type Tx interface {
	// Balance returns the current balance of account, zero if unknown.
	Balance(ctx context.Context, account string) (int64, error)
	// Apply posts a validated entry.
	Apply(ctx context.Context, entry JournalEntry) error
	// GetOperation returns the recorded operation or nil when absent.
	GetOperation(ctx context.Context, tenantID, operationID string) (*OperationRecord, error)
	// PutOperation records an operation in the idempotency index.
	PutOperation(ctx context.Context, rec OperationRecord) error
}

// Store is a double-entry ledger.
type Store interface {
	// WithinTx runs fn while holding every lock in lockKeys. Nothing fn did
	// is kept if it returns an error.
	WithinTx(ctx context.Context, lockKeys []string, fn func(Tx) error) error
	// Balance returns the committed balance of account.
	Balance(ctx context.Context, account string) (int64, error)
	// Balances returns every committed balance whose account has prefix.
	Balances(ctx context.Context, prefix string) (map[string]int64, error)
	// Entries returns the committed entries of a tenant in application order.
	Entries(ctx context.Context, tenantID string) ([]JournalEntry, error)
}
