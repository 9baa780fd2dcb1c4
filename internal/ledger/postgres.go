package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const uniqueViolation = "23505"

// PostgresStore persists the ledger to PostgreSQL. See migrations/ for the
// schema.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a PostgresStore backed by the given connection pool.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

// WithinTx implements Store. Each lock key is taken as a transaction-scoped
// advisory lock in sorted order, so concurrent callers touching overlapping
// accounts cannot deadlock and are released on commit or rollback.
func (s *PostgresStore) WithinTx(ctx context.Context, lockKeys []string, fn func(Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	keys := append([]string(nil), lockKeys...)
	sort.Strings(keys)
	var last string
	for i, k := range keys {
		if i > 0 && k == last {
			continue
		}
		last = k
		if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", k); err != nil {
			return fmt.Errorf("acquire advisory lock %q: %w", k, err)
		}
	}

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit ledger tx: %w", err)
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) Balance(ctx context.Context, account string) (int64, error) {
	var balance int64
	err := t.tx.QueryRow(ctx,
		"SELECT balance_cents FROM ledger_accounts WHERE account = $1 FOR UPDATE", account,
	).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read balance %s: %w", account, err)
	}
	return balance, nil
}

func (t *pgTx) Apply(ctx context.Context, entry JournalEntry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	if _, err := t.tx.Exec(ctx,
		`INSERT INTO ledger_entries (entry_id, tenant_id, memo, created_at) VALUES ($1, $2, $3, $4)`,
		entry.EntryID, entry.TenantID, entry.Memo, entry.CreatedAt,
	); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateEntry, entry.EntryID)
		}
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	for i, p := range entry.Postings {
		if _, err := t.tx.Exec(ctx,
			`INSERT INTO ledger_postings (entry_id, seq, account, amount_cents) VALUES ($1, $2, $3, $4)`,
			entry.EntryID, i, p.Account, p.AmountCents,
		); err != nil {
			return fmt.Errorf("insert posting: %w", err)
		}
		if _, err := t.tx.Exec(ctx,
			`INSERT INTO ledger_accounts (account, balance_cents) VALUES ($1, $2)
			 ON CONFLICT (account) DO UPDATE SET balance_cents = ledger_accounts.balance_cents + EXCLUDED.balance_cents`,
			p.Account, p.AmountCents,
		); err != nil {
			return fmt.Errorf("update balance %s: %w", p.Account, err)
		}
	}
	return nil
}

func (t *pgTx) GetOperation(ctx context.Context, tenantID, operationID string) (*OperationRecord, error) {
	rec := &OperationRecord{}
	err := t.tx.QueryRow(ctx,
		`SELECT tenant_id, operation_id, request_hash, entry_id, result, created_at
		 FROM ledger_operations WHERE tenant_id = $1 AND operation_id = $2`,
		tenantID, operationID,
	).Scan(&rec.TenantID, &rec.OperationID, &rec.RequestHash, &rec.EntryID, &rec.Result, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get operation %s: %w", operationID, err)
	}
	return rec, nil
}

func (t *pgTx) PutOperation(ctx context.Context, rec OperationRecord) error {
	if _, err := t.tx.Exec(ctx,
		`INSERT INTO ledger_operations (tenant_id, operation_id, request_hash, entry_id, result, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.TenantID, rec.OperationID, rec.RequestHash, rec.EntryID, []byte(rec.Result), rec.CreatedAt,
	); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s/%s", ErrDuplicateOperation, rec.TenantID, rec.OperationID)
		}
		return fmt.Errorf("insert operation: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// Balance implements Store.
func (s *PostgresStore) Balance(ctx context.Context, account string) (int64, error) {
	var balance int64
	err := s.pool.QueryRow(ctx,
		"SELECT balance_cents FROM ledger_accounts WHERE account = $1", account,
	).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read balance %s: %w", account, err)
	}
	return balance, nil
}

// Balances implements Store.
func (s *PostgresStore) Balances(ctx context.Context, prefix string) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT account, balance_cents FROM ledger_accounts WHERE starts_with(account, $1)", prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("query balances: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var account string
		var balance int64
		if err := rows.Scan(&account, &balance); err != nil {
			return nil, fmt.Errorf("scan balance: %w", err)
		}
		out[account] = balance
	}
	return out, rows.Err()
}

// Entries implements Store.
func (s *PostgresStore) Entries(ctx context.Context, tenantID string) ([]JournalEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT e.entry_id, e.tenant_id, e.memo, e.created_at, p.account, p.amount_cents
		 FROM ledger_entries e JOIN ledger_postings p ON p.entry_id = e.entry_id
		 WHERE e.tenant_id = $1
		 ORDER BY e.seq ASC, p.seq ASC`, tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	var out []JournalEntry
	for rows.Next() {
		var e JournalEntry
		var p Posting
		if err := rows.Scan(&e.EntryID, &e.TenantID, &e.Memo, &e.CreatedAt, &p.Account, &p.AmountCents); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		if n := len(out); n > 0 && out[n-1].EntryID == e.EntryID {
			out[n-1].Postings = append(out[n-1].Postings, p)
			continue
		}
		e.Postings = []Posting{p}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	s.logger.Debug("ledger entries loaded", zap.String("tenant_id", tenantID), zap.Int("count", len(out)))
	return out, nil
}
