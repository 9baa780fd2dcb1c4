package email

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Events that need a person to act.
const (
	EventManualReviewRequired = "settlement.manual_review_required"
	EventDisputeOpened        = "settlement.dispute_opened"
)

// ReviewAlerter emails reviewers when a settlement lands in manual review
// or a dispute is opened. It satisfies settlement.Notifier.
type ReviewAlerter struct {
	sender   Sender
	to       []string
	events   []string
	inflight sync.WaitGroup
	logger   *zap.Logger
}

// NewReviewAlerter creates an alerter mailing the reviewers in to.
func NewReviewAlerter(sender Sender, to []string, logger *zap.Logger) *ReviewAlerter {
	return &ReviewAlerter{
		sender: sender,
		to:     to,
		events: []string{EventManualReviewRequired, EventDisputeOpened},
		logger: logger,
	}
}

// Dispatch sends an alert in the background for the events reviewers act on
// and ignores the rest.
func (a *ReviewAlerter) Dispatch(ctx context.Context, tenantID, eventType string, payload map[string]string) {
	if len(a.to) == 0 || !slices.Contains(a.events, eventType) {
		return
	}
	subject, body := render(tenantID, eventType, payload)
	bg := context.WithoutCancel(ctx)

	a.inflight.Add(1)
	go func() {
		defer a.inflight.Done()
		if err := a.sender.Send(bg, a.to, subject, body); err != nil {
			a.logger.Warn("review alert not sent",
				zap.String("event", eventType),
				zap.String("settlement_id", payload["settlementId"]),
				zap.Error(err),
			)
		}
	}()
}

// Wait blocks until every pending alert has been handed to the sender.
func (a *ReviewAlerter) Wait() {
	a.inflight.Wait()
}

func render(tenantID, eventType string, payload map[string]string) (string, string) {
	sid := payload["settlementId"]
	var subject, lead string
	switch eventType {
	case EventDisputeOpened:
		subject = fmt.Sprintf("[settlement] dispute opened on %s", sid)
		lead = "A dispute was opened. Resolution is blocked until it is closed."
	default:
		subject = fmt.Sprintf("[settlement] %s needs manual review", sid)
		lead = "The policy sent this settlement to manual review. Resolve it with a release rate."
	}

	var b strings.Builder
	b.WriteString(lead + "\n\n")
	fmt.Fprintf(&b, "Tenant:     %s\n", tenantID)
	fmt.Fprintf(&b, "Settlement: %s\n", sid)
	fmt.Fprintf(&b, "Run:        %s\n", payload["runId"])
	fmt.Fprintf(&b, "Status:     %s\n", payload["status"])
	fmt.Fprintf(&b, "Dispute:    %s\n", payload["disputeStatus"])
	return subject, b.String()
}
