package email_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/jmerrifield20/nexus-settlement/internal/email"
)

type sent struct {
	to      []string
	subject string
	body    string
}

type recordingSender struct {
	mu   sync.Mutex
	msgs []sent
	err  error
}

func (r *recordingSender) Send(_ context.Context, to []string, subject, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, sent{to: to, subject: subject, body: body})
	return r.err
}

func payload(id string) map[string]string {
	return map[string]string{"settlementId": id, "runId": "run_1", "status": "locked", "disputeStatus": "none"}
}

func TestReviewAlerter_filtersEvents(t *testing.T) {
	rs := &recordingSender{}
	a := email.NewReviewAlerter(rs, []string{"ops@example.test", "finance@example.test"}, zap.NewNop())

	ctx := context.Background()
	a.Dispatch(ctx, "tenant_a", "settlement.locked", payload("setl_1"))
	a.Dispatch(ctx, "tenant_a", email.EventManualReviewRequired, payload("setl_2"))
	a.Dispatch(ctx, "tenant_a", "settlement.released", payload("setl_3"))
	a.Dispatch(ctx, "tenant_a", email.EventDisputeOpened, payload("setl_4"))
	a.Wait()

	if len(rs.msgs) != 2 {
		t.Fatalf("alerts: got %d, want 2", len(rs.msgs))
	}
	var review, dispute *sent
	for i := range rs.msgs {
		switch {
		case strings.Contains(rs.msgs[i].subject, "setl_2"):
			review = &rs.msgs[i]
		case strings.Contains(rs.msgs[i].subject, "setl_4"):
			dispute = &rs.msgs[i]
		}
	}
	if review == nil || !strings.Contains(review.subject, "manual review") {
		t.Fatalf("missing manual review alert: %+v", rs.msgs)
	}
	if dispute == nil || !strings.Contains(dispute.subject, "dispute opened") {
		t.Fatalf("missing dispute alert: %+v", rs.msgs)
	}
	if len(review.to) != 2 {
		t.Errorf("recipients: got %v", review.to)
	}
	if !strings.Contains(review.body, "Tenant:     tenant_a") || !strings.Contains(review.body, "Run:        run_1") {
		t.Errorf("body: %q", review.body)
	}
}

func TestReviewAlerter_noRecipients(t *testing.T) {
	rs := &recordingSender{}
	a := email.NewReviewAlerter(rs, nil, zap.NewNop())
	a.Dispatch(context.Background(), "tenant_a", email.EventManualReviewRequired, payload("setl_1"))
	a.Wait()
	if len(rs.msgs) != 0 {
		t.Errorf("alerts without recipients: got %d", len(rs.msgs))
	}
}

func TestReviewAlerter_sendErrorIsLogged(t *testing.T) {
	rs := &recordingSender{err: errors.New("smtp down")}
	a := email.NewReviewAlerter(rs, []string{"ops@example.test"}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	a.Dispatch(ctx, "tenant_a", email.EventDisputeOpened, payload("setl_1"))
	cancel()
	a.Wait()

	if len(rs.msgs) != 1 {
		t.Errorf("attempts: got %d, want 1", len(rs.msgs))
	}
}

func TestSMTPSender_noRecipients(t *testing.T) {
	s := email.NewSMTPSender("smtp.invalid", 587, "", "", "settle@example.test")
	if err := s.Send(context.Background(), nil, "subject", "body"); err != nil {
		t.Errorf("Send with no recipients: %v", err)
	}
}
