package moneyrail

import (
	"context"

	"go.uber.org/zap"

	"github.com/jmerrifield20/nexus-settlement/internal/bizerr"
	"github.com/jmerrifield20/nexus-settlement/internal/metrics"
	"github.com/jmerrifield20/nexus-settlement/internal/validate"
)

// Event is a provider notification about one operation. EventType is the
// state the provider reports the operation moved to.
type Event struct {
	TenantID    string  `json:"tenantId" validate:"required,artifactid"`
	OperationID string  `json:"operationId" validate:"required,artifactid"`
	EventType   string  `json:"eventType" validate:"required,oneof=submitted confirmed failed cancelled reversed"`
	EventID     string  `json:"eventId" validate:"omitempty,max=200"`
	Timestamp   string  `json:"timestamp" validate:"required,isodate"`
	ProviderRef *string `json:"providerRef,omitempty" validate:"omitempty,max=200"`
}

// DedupKey is the event id, or the timestamp when the provider sends none.
func (e Event) DedupKey() string {
	if e.EventID != "" {
		return e.EventID
	}
	return e.Timestamp
}

// IngestResult describes what an event did.
type IngestResult struct {
	Operation *Operation `json:"operation"`
	Duplicate bool       `json:"duplicate"`
	Changed   bool       `json:"changed"`
}

// EventIngester applies provider events to stored operations.
type EventIngester struct {
	store  Store
	logger *zap.Logger
}

// NewEventIngester creates an EventIngester.
func NewEventIngester(store Store, logger *zap.Logger) *EventIngester {
	return &EventIngester{store: store, logger: logger}
}

// Ingest applies ev once. A repeated (operation, type, dedup key) is
// reported as a duplicate and changes nothing. An event that would take the
// operation through an invalid transition fails and is not recorded, so a
// corrected redelivery can still apply.
func (i *EventIngester) Ingest(ctx context.Context, ev Event) (*IngestResult, error) {
	if err := validate.Struct(ev); err != nil {
		metrics.RecordRailEvent("invalid")
		return nil, err
	}
	at, err := validate.ParseISODate(ev.Timestamp)
	if err != nil {
		metrics.RecordRailEvent("invalid")
		return nil, validate.Fieldf("timestamp", "%v", err)
	}

	changed := false
	op, dup, err := i.store.Mutate(ctx, ev.TenantID, ev.OperationID,
		&EventKey{EventType: ev.EventType, DedupKey: ev.DedupKey()},
		func(cur *Operation) (*Operation, error) {
			next, c, err := cur.transition(State(ev.EventType), at)
			if err != nil {
				return nil, err
			}
			if ev.ProviderRef != nil && next.ProviderRef == nil {
				next.ProviderRef = ev.ProviderRef
			}
			changed = c
			return next, nil
		})
	switch {
	case bizerr.Is(err, bizerr.RailTransitionInvalid):
		metrics.RecordRailEvent("rejected")
		i.logger.Warn("rail event rejected",
			zap.String("operation_id", ev.OperationID),
			zap.String("event_type", ev.EventType),
			zap.Error(err),
		)
		return nil, err
	case err != nil:
		metrics.RecordRailEvent("error")
		return nil, err
	case dup:
		metrics.RecordRailEvent("duplicate")
		return &IngestResult{Operation: op, Duplicate: true}, nil
	}

	metrics.RecordRailEvent("applied")
	i.logger.Info("rail event applied",
		zap.String("tenant_id", ev.TenantID),
		zap.String("operation_id", ev.OperationID),
		zap.String("state", string(op.State)),
		zap.Bool("changed", changed),
	)
	return &IngestResult{Operation: op, Changed: changed}, nil
}
