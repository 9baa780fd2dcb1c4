package auditchain

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmerrifield20/nexus-settlement/internal/metrics"
)

// MemoryLog is an in-memory, thread-safe Log.
type MemoryLog struct {
	mu      sync.RWMutex
	entries []*Entry
	now     func() time.Time
}

// NewMemoryLog returns a MemoryLog holding only the genesis entry.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{entries: []*Entry{genesis()}, now: time.Now}
}

// Append implements Log.
func (l *MemoryLog) Append(_ context.Context, ev Event) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, err := newEntry(l.entries[len(l.entries)-1], ev, l.now())
	if err != nil {
		return nil, err
	}
	l.entries = append(l.entries, e)
	metrics.RecordAuditAppend()
	return e, nil
}

// Get implements Log.
func (l *MemoryLog) Get(_ context.Context, index int) (*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index < 0 || index >= len(l.entries) {
		return nil, fmt.Errorf("%w: %d", ErrOutOfRange, index)
	}
	cp := *l.entries[index]
	return &cp, nil
}

// Range implements Log.
func (l *MemoryLog) Range(_ context.Context, from, to int) ([]*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if from < 0 || to > len(l.entries) || from > to {
		return nil, fmt.Errorf("%w: [%d, %d)", ErrOutOfRange, from, to)
	}
	out := make([]*Entry, 0, to-from)
	for _, e := range l.entries[from:to] {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

// Len implements Log.
func (l *MemoryLog) Len(_ context.Context) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries), nil
}

// Verify implements Log.
func (l *MemoryLog) Verify(_ context.Context) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var prev *Entry
	for _, curr := range l.entries {
		if err := verifyLink(prev, curr); err != nil {
			return err
		}
		prev = curr
	}
	return nil
}

// Root implements Log.
func (l *MemoryLog) Root(_ context.Context) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.entries[len(l.entries)-1].Hash, nil
}
