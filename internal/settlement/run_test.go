package settlement_test

import (
	"testing"

	"github.com/jmerrifield20/nexus-settlement/internal/artifact"
	"github.com/jmerrifield20/nexus-settlement/internal/bizerr"
	"github.com/jmerrifield20/nexus-settlement/internal/settlement"
)

const lockedAt = "2026-03-01T10:00:00.000Z"

func newRun(t *testing.T) *settlement.RunSettlement {
	t.Helper()
	s, err := settlement.NewRunSettlement(settlement.NewRunSettlementParams{
		SettlementID:  "stl_1",
		TenantID:      "tenant_a",
		RunID:         "run_1",
		PayerWalletID: "wallet_payer",
		PayeeWalletID: "wallet_payee",
		AmountCents:   10000,
		Currency:      "USD",
		LockedAt:      lockedAt,
	})
	if err != nil {
		t.Fatalf("NewRunSettlement: %v", err)
	}
	return s
}

func TestNewRunSettlement(t *testing.T) {
	s := newRun(t)
	if s.Status != settlement.StatusLocked || s.DisputeStatus != settlement.DisputeNone || s.DecisionStatus != settlement.DecisionPending {
		t.Errorf("got status=%s dispute=%s decision=%s", s.Status, s.DisputeStatus, s.DecisionStatus)
	}
	if s.Revision != 0 || s.UpdatedAt != lockedAt {
		t.Errorf("got revision=%d updatedAt=%s", s.Revision, s.UpdatedAt)
	}

	_, err := settlement.NewRunSettlement(settlement.NewRunSettlementParams{
		TenantID: "tenant_a", RunID: "run_1",
		PayerWalletID: "wallet_same", PayeeWalletID: "wallet_same",
		AmountCents: 1, Currency: "USD",
	})
	if err == nil {
		t.Error("expected error when payer and payee are the same wallet")
	}
	_, err = settlement.NewRunSettlement(settlement.NewRunSettlementParams{
		TenantID: "tenant_a", RunID: "run_1",
		PayerWalletID: "wallet_a", PayeeWalletID: "wallet_b",
		AmountCents: 0, Currency: "USD",
	})
	if err == nil {
		t.Error("expected error for zero amount")
	}
}

func TestResolve(t *testing.T) {
	s := newRun(t)
	out, err := s.Resolve(settlement.ResolveParams{ReleasedAmountCents: 2500, RefundedAmountCents: 7500, ReleaseRatePct: 25})
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != settlement.StatusReleased || out.Revision != 1 || out.ResolvedAt == nil {
		t.Errorf("got status=%s revision=%d resolvedAt=%v", out.Status, out.Revision, out.ResolvedAt)
	}
	if s.Status != settlement.StatusLocked || s.Revision != 0 {
		t.Error("Resolve modified its receiver")
	}

	refunded, err := s.Resolve(settlement.ResolveParams{RefundedAmountCents: 10000})
	if err != nil {
		t.Fatal(err)
	}
	if refunded.Status != settlement.StatusRefunded {
		t.Errorf("zero release: got %s, want refunded", refunded.Status)
	}

	if _, err := out.Resolve(settlement.ResolveParams{RefundedAmountCents: 10000}); !bizerr.Is(err, bizerr.SettlementAlreadyResolved) {
		t.Errorf("second resolve: got %v", err)
	}
	if _, err := s.Resolve(settlement.ResolveParams{ReleasedAmountCents: 5000, RefundedAmountCents: 4999}); !bizerr.Is(err, bizerr.SettlementAmountMismatch) {
		t.Errorf("mismatch: got %v", err)
	}
}

func TestDisputeLifecycle(t *testing.T) {
	s := newRun(t)
	if _, err := s.CloseDispute("nothing to close", ""); !bizerr.Is(err, bizerr.DisputeNotOpen) {
		t.Errorf("close before open: got %v", err)
	}

	open, err := s.OpenDispute("dsp_1", "")
	if err != nil {
		t.Fatal(err)
	}
	if open.DisputeStatus != settlement.DisputeOpen || *open.DisputeID != "dsp_1" {
		t.Errorf("got %s %v", open.DisputeStatus, open.DisputeID)
	}
	if _, err := open.OpenDispute("dsp_2", ""); !bizerr.Is(err, bizerr.DisputeAlreadyOpen) {
		t.Errorf("second open: got %v", err)
	}
	if _, err := open.Resolve(settlement.ResolveParams{RefundedAmountCents: 10000}); !bizerr.Is(err, bizerr.SettlementDisputeOpen) {
		t.Errorf("resolve during dispute: got %v", err)
	}

	closed, err := open.CloseDispute("payee re-ran the job", "")
	if err != nil {
		t.Fatal(err)
	}
	if closed.DisputeStatus != settlement.DisputeClosed || closed.Revision != 2 {
		t.Errorf("got %s revision=%d", closed.DisputeStatus, closed.Revision)
	}
	if _, err := closed.OpenDispute("dsp_3", ""); !bizerr.Is(err, bizerr.DisputeAlreadyOpen) {
		t.Errorf("reopen: got %v", err)
	}
	if _, err := closed.Resolve(settlement.ResolveParams{RefundedAmountCents: 10000}); err != nil {
		t.Errorf("resolve after close: %v", err)
	}
}

func TestUpdateDecision_transitions(t *testing.T) {
	s := newRun(t)
	if _, err := s.UpdateDecision(settlement.DecisionUpdate{Status: artifact.DecisionManualResolved, Mode: settlement.ModeManualReview}); !bizerr.Is(err, bizerr.DecisionTransitionInvalid) {
		t.Errorf("pending -> manual_resolved: got %v", err)
	}
	review, err := s.UpdateDecision(settlement.DecisionUpdate{
		Status:      artifact.DecisionManualReviewRequired,
		Mode:        settlement.ModeManualReview,
		ReasonCodes: []string{settlement.ReasonAutoReleaseDisabledAmber},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := review.UpdateDecision(settlement.DecisionUpdate{Status: artifact.DecisionAutoResolved, Mode: settlement.ModeAutomatic}); !bizerr.Is(err, bizerr.DecisionTransitionInvalid) {
		t.Errorf("review -> auto: got %v", err)
	}
	done, err := review.UpdateDecision(settlement.DecisionUpdate{Status: artifact.DecisionManualResolved, Mode: settlement.ModeManualReview})
	if err != nil {
		t.Fatal(err)
	}
	if done.DecisionStatus != artifact.DecisionManualResolved || len(done.ReasonCodes) != 0 {
		t.Errorf("got %s %v", done.DecisionStatus, done.ReasonCodes)
	}
	if _, err := s.UpdateDecision(settlement.DecisionUpdate{
		Status: artifact.DecisionAutoResolved, Mode: settlement.ModeAutomatic, ReasonCodes: []string{"lower"},
	}); err == nil {
		t.Error("expected error for malformed reason code")
	}
}

func TestKernelSubject_totalsOnlyWhenResolved(t *testing.T) {
	s := newRun(t)
	if s.KernelSubject().Totals != nil {
		t.Error("locked settlement should not carry totals")
	}
	out, err := s.Resolve(settlement.ResolveParams{ReleasedAmountCents: 10000, ReleaseRatePct: 100})
	if err != nil {
		t.Fatal(err)
	}
	sub := out.KernelSubject()
	if sub.Totals == nil || sub.Totals.ReleasedAmountCents != 10000 || sub.Totals.Currency != "USD" {
		t.Errorf("got %+v", sub.Totals)
	}
}
