package webhooks

import "time"

// Settlement lifecycle events a tenant can subscribe to. EventAll matches
// every event.
const (
	EventSettlementLocked     = "settlement.locked"
	EventManualReviewRequired = "settlement.manual_review_required"
	EventSettlementReleased   = "settlement.released"
	EventSettlementRefunded   = "settlement.refunded"
	EventDisputeOpened        = "settlement.dispute_opened"
	EventDisputeClosed        = "settlement.dispute_closed"
	EventAll                  = "*"
)

// KnownEvents lists the subscribable event types.
var KnownEvents = []string{
	EventSettlementLocked,
	EventManualReviewRequired,
	EventSettlementReleased,
	EventSettlementRefunded,
	EventDisputeOpened,
	EventDisputeClosed,
}

// Subscription is a tenant's registration for webhook events.
type Subscription struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	URL       string    `json:"url"`
	Events    []string  `json:"events"`
	Secret    string    `json:"-"` // never returned after creation
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
}

// Matches reports whether the subscription wants eventType.
func (s *Subscription) Matches(eventType string) bool {
	if !s.Active {
		return false
	}
	for _, e := range s.Events {
		if e == eventType || e == EventAll {
			return true
		}
	}
	return false
}

// Event is the JSON body posted to subscribers.
type Event struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	TenantID  string            `json:"tenantId"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   map[string]string `json:"payload"`
}

// Delivery records the outcome of a single delivery attempt.
type Delivery struct {
	ID             string    `json:"id"`
	SubscriptionID string    `json:"subscriptionId"`
	EventID        string    `json:"eventId"`
	EventType      string    `json:"eventType"`
	StatusCode     int       `json:"statusCode"`
	Attempt        int       `json:"attempt"`
	Success        bool      `json:"success"`
	ErrorMessage   string    `json:"errorMessage,omitempty"`
	DeliveredAt    time.Time `json:"deliveredAt"`
}

// CreateSubscriptionRequest is the payload for creating a subscription.
type CreateSubscriptionRequest struct {
	URL    string   `json:"url"    binding:"required,url"`
	Events []string `json:"events" binding:"required,min=1"`
}
