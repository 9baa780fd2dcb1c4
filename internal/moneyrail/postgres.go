package moneyrail

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PostgresStore keeps rail operations in rail_operations and the event
// dedup index in rail_events.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

const opColumns = `tenant_id, operation_id, direction, idempotency_key, amount_cents, currency,
	counterparty_ref, provider_ref, state, created_at, updated_at`

func scanOperation(row pgx.Row) (*Operation, error) {
	op := &Operation{}
	var state string
	if err := row.Scan(&op.TenantID, &op.OperationID, &op.Direction, &op.IdempotencyKey,
		&op.AmountCents, &op.Currency, &op.CounterpartyRef, &op.ProviderRef, &state,
		&op.CreatedAt, &op.UpdatedAt); err != nil {
		return nil, err
	}
	op.State = State(state)
	op.CreatedAt = op.CreatedAt.UTC()
	op.UpdatedAt = op.UpdatedAt.UTC()
	return op, nil
}

// Create implements Store.
func (s *PostgresStore) Create(ctx context.Context, req CreateRequest, at time.Time) (*Operation, bool, error) {
	op := req.operation(at)
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO rail_operations (`+opColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (tenant_id, operation_id) DO NOTHING`,
		op.TenantID, op.OperationID, op.Direction, op.IdempotencyKey, op.AmountCents, op.Currency,
		op.CounterpartyRef, op.ProviderRef, string(op.State), op.CreatedAt, op.UpdatedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert rail operation: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return op, true, nil
	}
	cur, err := s.Get(ctx, req.TenantID, req.OperationID)
	if err != nil {
		return nil, false, err
	}
	if !req.matches(cur) {
		return nil, false, conflict(req.OperationID)
	}
	return cur, false, nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, tenantID, operationID string) (*Operation, error) {
	op, err := scanOperation(s.pool.QueryRow(ctx,
		`SELECT `+opColumns+` FROM rail_operations WHERE tenant_id = $1 AND operation_id = $2`,
		tenantID, operationID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound(operationID)
	}
	if err != nil {
		return nil, fmt.Errorf("get rail operation: %w", err)
	}
	return op, nil
}

// List implements Store.
func (s *PostgresStore) List(ctx context.Context, tenantID string) ([]*Operation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+opColumns+` FROM rail_operations WHERE tenant_id = $1 ORDER BY created_at, operation_id`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("list rail operations: %w", err)
	}
	defer rows.Close()
	var out []*Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

// Mutate implements Store. The operation row is locked for the duration of
// the transaction and the event key is claimed inside it, so a duplicate
// delivery racing the first one waits and then sees the claim.
func (s *PostgresStore) Mutate(ctx context.Context, tenantID, operationID string, key *EventKey, fn MutateFunc) (*Operation, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	cur, err := scanOperation(tx.QueryRow(ctx,
		`SELECT `+opColumns+` FROM rail_operations WHERE tenant_id = $1 AND operation_id = $2 FOR UPDATE`,
		tenantID, operationID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, notFound(operationID)
	}
	if err != nil {
		return nil, false, fmt.Errorf("lock rail operation: %w", err)
	}

	if key != nil {
		tag, err := tx.Exec(ctx, `
			INSERT INTO rail_events (tenant_id, operation_id, event_type, dedup_key, received_at)
			VALUES ($1, $2, $3, $4, now())
			ON CONFLICT DO NOTHING`,
			tenantID, operationID, key.EventType, key.DedupKey,
		)
		if err != nil {
			return nil, false, fmt.Errorf("record rail event: %w", err)
		}
		if tag.RowsAffected() == 0 {
			s.logger.Debug("rail event already recorded",
				zap.String("operation_id", operationID),
				zap.String("event_type", key.EventType),
			)
			return cur, true, nil
		}
	}

	next, err := fn(cur)
	if err != nil {
		return nil, false, err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE rail_operations SET provider_ref = $3, state = $4, updated_at = $5
		WHERE tenant_id = $1 AND operation_id = $2`,
		tenantID, operationID, next.ProviderRef, string(next.State), next.UpdatedAt,
	); err != nil {
		return nil, false, fmt.Errorf("update rail operation: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit rail tx: %w", err)
	}
	return next, false, nil
}
