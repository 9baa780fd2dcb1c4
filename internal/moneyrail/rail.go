// Package moneyrail is the boundary to external payment providers. Adapters
// submit payouts and collections; provider events drive each operation
// through a fixed state machine and are deduplicated before they apply.
package moneyrail

import (
	"context"
	"time"

	"github.com/jmerrifield20/nexus-settlement/internal/bizerr"
	"github.com/jmerrifield20/nexus-settlement/internal/validate"
)

// State is the lifecycle position of a rail operation.
type State string

const (
	StateInitiated State = "initiated"
	StateSubmitted State = "submitted"
	StateConfirmed State = "confirmed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
	StateReversed  State = "reversed"
)

// Direction of a rail operation relative to the tenant.
const (
	DirectionPayout     = "payout"
	DirectionCollection = "collection"
)

var transitions = map[State][]State{
	StateInitiated: {StateSubmitted, StateFailed, StateCancelled},
	StateSubmitted: {StateConfirmed, StateFailed, StateCancelled},
	StateConfirmed: {StateReversed},
}

// CanTransition reports whether an operation may move from one state to
// another. Staying in the same state is always allowed.
func CanTransition(from, to State) bool {
	if from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition leaves s.
func (s State) Terminal() bool { return len(transitions[s]) == 0 }

// Operation is one movement of money through a provider.
type Operation struct {
	TenantID        string    `json:"tenantId"`
	OperationID     string    `json:"operationId"`
	Direction       string    `json:"direction"`
	IdempotencyKey  string    `json:"idempotencyKey"`
	AmountCents     int64     `json:"amountCents"`
	Currency        string    `json:"currency"`
	CounterpartyRef string    `json:"counterpartyRef"`
	ProviderRef     *string   `json:"providerRef"`
	State           State     `json:"state"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// transition returns a copy of op in state to. changed is false for a
// same-state transition, which is a no-op.
func (op *Operation) transition(to State, at time.Time) (out *Operation, changed bool, err error) {
	if !CanTransition(op.State, to) {
		return nil, false, bizerr.New(bizerr.RailTransitionInvalid,
			"operation %s cannot move from %s to %s", op.OperationID, op.State, to)
	}
	cp := *op
	if op.State == to {
		return &cp, false, nil
	}
	cp.State = to
	cp.UpdatedAt = at.UTC()
	return &cp, true, nil
}

// CreateRequest asks an adapter to start an operation. IdempotencyKey
// defaults to the operation id.
type CreateRequest struct {
	TenantID        string `json:"tenantId" validate:"required,artifactid"`
	OperationID     string `json:"operationId" validate:"required,artifactid"`
	Direction       string `json:"direction" validate:"required,oneof=payout collection"`
	IdempotencyKey  string `json:"idempotencyKey" validate:"omitempty,artifactid"`
	AmountCents     int64  `json:"amountCents" validate:"gt=0"`
	Currency        string `json:"currency" validate:"required,currency"`
	CounterpartyRef string `json:"counterpartyRef" validate:"required,max=200"`
}

func (r CreateRequest) normalize() (CreateRequest, error) {
	if r.IdempotencyKey == "" {
		r.IdempotencyKey = r.OperationID
	}
	if err := validate.Struct(r); err != nil {
		return CreateRequest{}, err
	}
	return r, nil
}

func (r CreateRequest) matches(op *Operation) bool {
	return op.Direction == r.Direction &&
		op.IdempotencyKey == r.IdempotencyKey &&
		op.AmountCents == r.AmountCents &&
		op.Currency == r.Currency &&
		op.CounterpartyRef == r.CounterpartyRef
}

func (r CreateRequest) operation(at time.Time) *Operation {
	return &Operation{
		TenantID:        r.TenantID,
		OperationID:     r.OperationID,
		Direction:       r.Direction,
		IdempotencyKey:  r.IdempotencyKey,
		AmountCents:     r.AmountCents,
		Currency:        r.Currency,
		CounterpartyRef: r.CounterpartyRef,
		State:           StateInitiated,
		CreatedAt:       at.UTC(),
		UpdatedAt:       at.UTC(),
	}
}

// Adapter is the capability every provider implements. Create is idempotent
// on the operation id: repeating an identical request returns the existing
// operation, a different one fails with MONEY_RAIL_OPERATION_CONFLICT.
type Adapter interface {
	Provider() string
	Create(ctx context.Context, req CreateRequest) (*Operation, error)
	Status(ctx context.Context, tenantID, operationID string) (*Operation, error)
	Cancel(ctx context.Context, tenantID, operationID string) (*Operation, error)
}
