package auditchain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/jmerrifield20/nexus-settlement/internal/metrics"
)

// appendLockKey serialises appends across every process sharing the
// database.
const appendLockKey = int64(1_159_876_544)

const entryColumns = "idx, timestamp, tenant_id, subject, action, actor, data_hash, prev_hash, hash"

// PostgresLog persists the chain to the audit_chain table.
type PostgresLog struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresLog creates a PostgresLog backed by the given connection pool.
func NewPostgresLog(pool *pgxpool.Pool, logger *zap.Logger) *PostgresLog {
	return &PostgresLog{pool: pool, logger: logger}
}

func scanEntry(row pgx.Row) (*Entry, error) {
	e := &Entry{}
	if err := row.Scan(&e.Index, &e.Timestamp, &e.TenantID, &e.Subject,
		&e.Action, &e.Actor, &e.DataHash, &e.PrevHash, &e.Hash); err != nil {
		return nil, err
	}
	e.Timestamp = e.Timestamp.UTC()
	return e, nil
}

// Append implements Log. The tail read and insert run in one transaction
// under a transaction-scoped advisory lock.
func (l *PostgresLog) Append(ctx context.Context, ev Event) (*Entry, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", appendLockKey); err != nil {
		return nil, fmt.Errorf("acquire advisory lock: %w", err)
	}

	prev, err := scanEntry(tx.QueryRow(ctx,
		"SELECT "+entryColumns+" FROM audit_chain ORDER BY idx DESC LIMIT 1"))
	if err != nil {
		return nil, fmt.Errorf("read audit tail: %w", err)
	}

	entry, err := newEntry(prev, ev, time.Now())
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx,
		"INSERT INTO audit_chain ("+entryColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)",
		entry.Index, entry.Timestamp, entry.TenantID, entry.Subject,
		entry.Action, entry.Actor, entry.DataHash, entry.PrevHash, entry.Hash,
	); err != nil {
		return nil, fmt.Errorf("insert audit entry: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit audit tx: %w", err)
	}

	metrics.RecordAuditAppend()
	l.logger.Debug("audit entry appended",
		zap.Int("idx", entry.Index),
		zap.String("action", entry.Action),
		zap.String("subject", entry.Subject),
	)
	return entry, nil
}

// Get implements Log.
func (l *PostgresLog) Get(ctx context.Context, index int) (*Entry, error) {
	e, err := scanEntry(l.pool.QueryRow(ctx,
		"SELECT "+entryColumns+" FROM audit_chain WHERE idx = $1", index))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrOutOfRange, index)
	}
	if err != nil {
		return nil, fmt.Errorf("get audit entry %d: %w", index, err)
	}
	return e, nil
}

// Range implements Log.
func (l *PostgresLog) Range(ctx context.Context, from, to int) ([]*Entry, error) {
	if from < 0 || from > to {
		return nil, fmt.Errorf("%w: [%d, %d)", ErrOutOfRange, from, to)
	}
	rows, err := l.pool.Query(ctx,
		"SELECT "+entryColumns+" FROM audit_chain WHERE idx >= $1 AND idx < $2 ORDER BY idx ASC", from, to)
	if err != nil {
		return nil, fmt.Errorf("query audit range: %w", err)
	}
	defer rows.Close()

	out := make([]*Entry, 0, to-from)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) != to-from {
		return nil, fmt.Errorf("%w: [%d, %d)", ErrOutOfRange, from, to)
	}
	return out, nil
}

// Len implements Log.
func (l *PostgresLog) Len(ctx context.Context) (int, error) {
	var n int
	if err := l.pool.QueryRow(ctx, "SELECT COUNT(*) FROM audit_chain").Scan(&n); err != nil {
		return 0, fmt.Errorf("count audit entries: %w", err)
	}
	return n, nil
}

// Verify implements Log. It streams every row in index order, so it is
// linear in chain length.
func (l *PostgresLog) Verify(ctx context.Context) error {
	rows, err := l.pool.Query(ctx, "SELECT "+entryColumns+" FROM audit_chain ORDER BY idx ASC")
	if err != nil {
		return fmt.Errorf("query audit chain: %w", err)
	}
	defer rows.Close()

	var prev *Entry
	for rows.Next() {
		curr, err := scanEntry(rows)
		if err != nil {
			return fmt.Errorf("scan audit row: %w", err)
		}
		if err := verifyLink(prev, curr); err != nil {
			return err
		}
		prev = curr
	}
	return rows.Err()
}

// Root implements Log.
func (l *PostgresLog) Root(ctx context.Context) (string, error) {
	var hash string
	if err := l.pool.QueryRow(ctx,
		"SELECT hash FROM audit_chain ORDER BY idx DESC LIMIT 1",
	).Scan(&hash); err != nil {
		return "", fmt.Errorf("get audit root: %w", err)
	}
	return hash, nil
}
