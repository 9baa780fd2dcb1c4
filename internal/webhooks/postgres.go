package webhooks

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PostgresStore is a Store backed by the webhook_subscriptions and
// webhook_deliveries tables.
type PostgresStore struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{db: pool, logger: logger}
}

const subscriptionColumns = `id, tenant_id, url, events, secret, active, created_at`

func scanSubscription(row pgx.Row) (*Subscription, error) {
	var sub Subscription
	if err := row.Scan(&sub.ID, &sub.TenantID, &sub.URL, &sub.Events, &sub.Secret, &sub.Active, &sub.CreatedAt); err != nil {
		return nil, err
	}
	return &sub, nil
}

// Create implements Store.
func (s *PostgresStore) Create(ctx context.Context, sub *Subscription) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO webhook_subscriptions (`+subscriptionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sub.ID, sub.TenantID, sub.URL, sub.Events, sub.Secret, sub.Active, sub.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert webhook subscription: %w", err)
	}
	return nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, tenantID, id string) (*Subscription, error) {
	sub, err := scanSubscription(s.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM webhook_subscriptions WHERE tenant_id = $1 AND id = $2`,
		tenantID, id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get webhook subscription: %w", err)
	}
	return sub, nil
}

// Delete implements Store. Deliveries cascade.
func (s *PostgresStore) Delete(ctx context.Context, tenantID, id string) error {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM webhook_subscriptions WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		return fmt.Errorf("delete webhook subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByTenant implements Store, newest first.
func (s *PostgresStore) ListByTenant(ctx context.Context, tenantID string) ([]*Subscription, error) {
	return s.list(ctx,
		`SELECT `+subscriptionColumns+` FROM webhook_subscriptions
		 WHERE tenant_id = $1 ORDER BY created_at DESC`, tenantID)
}

// ListByEvent implements Store, oldest first.
func (s *PostgresStore) ListByEvent(ctx context.Context, tenantID, eventType string) ([]*Subscription, error) {
	return s.list(ctx,
		`SELECT `+subscriptionColumns+` FROM webhook_subscriptions
		 WHERE tenant_id = $1 AND active AND ($2 = ANY(events) OR '*' = ANY(events))
		 ORDER BY created_at`, tenantID, eventType)
}

func (s *PostgresStore) list(ctx context.Context, query string, args ...any) ([]*Subscription, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list webhook subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan webhook subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// RecordDelivery implements Store.
func (s *PostgresStore) RecordDelivery(ctx context.Context, d *Delivery) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO webhook_deliveries
		   (id, subscription_id, event_id, event_type, status_code, attempt, success, error_message, delivered_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		d.ID, d.SubscriptionID, d.EventID, d.EventType,
		d.StatusCode, d.Attempt, d.Success, d.ErrorMessage, d.DeliveredAt,
	)
	if err != nil {
		return fmt.Errorf("insert webhook delivery: %w", err)
	}
	return nil
}

// Deliveries implements Store.
func (s *PostgresStore) Deliveries(ctx context.Context, tenantID, subscriptionID string) ([]*Delivery, error) {
	if _, err := s.Get(ctx, tenantID, subscriptionID); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx,
		`SELECT id, subscription_id, event_id, event_type, status_code, attempt, success, error_message, delivered_at
		 FROM webhook_deliveries WHERE subscription_id = $1 ORDER BY delivered_at`, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("list webhook deliveries: %w", err)
	}
	defer rows.Close()

	out := []*Delivery{}
	for rows.Next() {
		var d Delivery
		if err := rows.Scan(&d.ID, &d.SubscriptionID, &d.EventID, &d.EventType,
			&d.StatusCode, &d.Attempt, &d.Success, &d.ErrorMessage, &d.DeliveredAt); err != nil {
			return nil, fmt.Errorf("scan webhook delivery: %w", err)
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}
