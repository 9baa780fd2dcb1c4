package webhooks

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrNotFound is returned when a subscription does not exist for the tenant.
var ErrNotFound = errors.New("webhook subscription not found")

// Store persists subscriptions and delivery attempts. Every lookup is
// tenant scoped.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, tenantID, id string) (*Subscription, error)
	Delete(ctx context.Context, tenantID, id string) error
	ListByTenant(ctx context.Context, tenantID string) ([]*Subscription, error)
	ListByEvent(ctx context.Context, tenantID, eventType string) ([]*Subscription, error)
	RecordDelivery(ctx context.Context, d *Delivery) error
	Deliveries(ctx context.Context, tenantID, subscriptionID string) ([]*Delivery, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu         sync.RWMutex
	subs       map[string]*Subscription
	deliveries map[string][]*Delivery
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs:       make(map[string]*Subscription),
		deliveries: make(map[string][]*Delivery),
	}
}

// Create implements Store.
func (m *MemoryStore) Create(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sub
	cp.Events = append([]string(nil), sub.Events...)
	m.subs[sub.ID] = &cp
	return nil
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, tenantID, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[id]
	if !ok || sub.TenantID != tenantID {
		return nil, ErrNotFound
	}
	cp := *sub
	return &cp, nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(_ context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok || sub.TenantID != tenantID {
		return ErrNotFound
	}
	delete(m.subs, id)
	delete(m.deliveries, id)
	return nil
}

// ListByTenant implements Store, newest first.
func (m *MemoryStore) ListByTenant(_ context.Context, tenantID string) ([]*Subscription, error) {
	return m.filter(tenantID, func(*Subscription) bool { return true }, true), nil
}

// ListByEvent implements Store, oldest first.
func (m *MemoryStore) ListByEvent(_ context.Context, tenantID, eventType string) ([]*Subscription, error) {
	return m.filter(tenantID, func(s *Subscription) bool { return s.Matches(eventType) }, false), nil
}

func (m *MemoryStore) filter(tenantID string, keep func(*Subscription) bool, newestFirst bool) []*Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Subscription
	for _, s := range m.subs {
		if s.TenantID == tenantID && keep(s) {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if newestFirst {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// RecordDelivery implements Store.
func (m *MemoryStore) RecordDelivery(_ context.Context, d *Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.deliveries[d.SubscriptionID] = append(m.deliveries[d.SubscriptionID], &cp)
	return nil
}

// Deliveries implements Store.
func (m *MemoryStore) Deliveries(_ context.Context, tenantID, subscriptionID string) ([]*Delivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[subscriptionID]
	if !ok || sub.TenantID != tenantID {
		return nil, ErrNotFound
	}
	out := make([]*Delivery, 0, len(m.deliveries[subscriptionID]))
	for _, d := range m.deliveries[subscriptionID] {
		cp := *d
		out = append(out, &cp)
	}
	return out, nil
}
