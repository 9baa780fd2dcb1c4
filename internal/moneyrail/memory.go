package moneyrail

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// MemoryAdapter is the internal provider. Create submits immediately; the
// operation then waits for events to confirm or fail it.
type MemoryAdapter struct {
	store  Store
	now    func() time.Time
	logger *zap.Logger
}

// NewMemoryAdapter creates a MemoryAdapter over store.
func NewMemoryAdapter(store Store, logger *zap.Logger) *MemoryAdapter {
	return &MemoryAdapter{store: store, now: time.Now, logger: logger}
}

// Provider implements Adapter.
func (a *MemoryAdapter) Provider() string { return "internal" }

// Create implements Adapter.
func (a *MemoryAdapter) Create(ctx context.Context, req CreateRequest) (*Operation, error) {
	req, err := req.normalize()
	if err != nil {
		return nil, err
	}
	op, created, err := a.store.Create(ctx, req, a.now())
	if err != nil {
		return nil, err
	}
	if !created && op.State != StateInitiated {
		return op, nil
	}
	ref := "mem_" + req.TenantID + "_" + req.OperationID
	op, _, err = a.store.Mutate(ctx, req.TenantID, req.OperationID, nil, func(cur *Operation) (*Operation, error) {
		next, _, err := cur.transition(StateSubmitted, a.now())
		if err != nil {
			return nil, err
		}
		next.ProviderRef = &ref
		return next, nil
	})
	if err != nil {
		return nil, err
	}
	a.logger.Info("rail operation submitted",
		zap.String("provider", a.Provider()),
		zap.String("operation_id", op.OperationID),
	)
	return op, nil
}

// Status implements Adapter.
func (a *MemoryAdapter) Status(ctx context.Context, tenantID, operationID string) (*Operation, error) {
	return a.store.Get(ctx, tenantID, operationID)
}

// Cancel implements Adapter.
func (a *MemoryAdapter) Cancel(ctx context.Context, tenantID, operationID string) (*Operation, error) {
	return cancel(ctx, a.store, tenantID, operationID, a.now())
}

func cancel(ctx context.Context, store Store, tenantID, operationID string, at time.Time) (*Operation, error) {
	op, _, err := store.Mutate(ctx, tenantID, operationID, nil, func(cur *Operation) (*Operation, error) {
		next, _, err := cur.transition(StateCancelled, at)
		return next, err
	})
	return op, err
}
