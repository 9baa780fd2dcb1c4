package settlement_test

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/jmerrifield20/nexus-settlement/internal/artifact"
	"github.com/jmerrifield20/nexus-settlement/internal/auditchain"
	"github.com/jmerrifield20/nexus-settlement/internal/bizerr"
	"github.com/jmerrifield20/nexus-settlement/internal/escrow"
	"github.com/jmerrifield20/nexus-settlement/internal/ledger"
	"github.com/jmerrifield20/nexus-settlement/internal/settlement"
	"github.com/jmerrifield20/nexus-settlement/internal/store"
	"github.com/jmerrifield20/nexus-settlement/internal/validate"
	"github.com/jmerrifield20/nexus-settlement/pkg/canonical"
	"github.com/jmerrifield20/nexus-settlement/pkg/signature"
)

var ctx = context.Background()

type harness struct {
	svc    *settlement.Service
	escrow *escrow.Service
	audit  *auditchain.MemoryLog
	arts   *store.MemoryStore
	key    *signature.KeyPair
	ring   *signature.Keyring
	events *recordingNotifier
}

type recordingNotifier struct {
	events []string
}

func (r *recordingNotifier) Dispatch(_ context.Context, tenantID, eventType string, payload map[string]string) {
	r.events = append(r.events, tenantID+" "+eventType+" "+payload["settlementId"]+" "+payload["status"])
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	kp, err := signature.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	ring, err := signature.NewKeyring(kp.PublicKey())
	if err != nil {
		t.Fatal(err)
	}
	esc := escrow.NewService(ledger.NewMemoryStore(), zap.NewNop())
	if _, err := esc.Apply(ctx, escrow.Operation{
		TenantID: "tenant_a", OperationID: "fund_1", Type: escrow.OpCredit,
		PayerWalletID: "wallet_payer", AmountCents: 50000, Currency: "USD",
	}); err != nil {
		t.Fatalf("fund payer: %v", err)
	}
	audit := auditchain.NewMemoryLog()
	arts := store.NewMemoryStore()
	events := &recordingNotifier{}
	svc := settlement.NewService(settlement.Config{
		Repository: settlement.NewMemoryRepository(),
		Escrow:     esc,
		Audit:      audit,
		Artifacts:  arts,
		Signer:     kp,
		Resolver:   ring,
		Notifier:   settlement.Notifiers{events},
	}, zap.NewNop())
	return &harness{svc: svc, escrow: esc, audit: audit, arts: arts, key: kp, ring: ring, events: events}
}

func (h *harness) lock(t *testing.T, id string) *settlement.RunSettlement {
	t.Helper()
	st, err := h.svc.Lock(ctx, settlement.NewRunSettlementParams{
		SettlementID:  id,
		TenantID:      "tenant_a",
		RunID:         "run_" + id,
		PayerWalletID: "wallet_payer",
		PayeeWalletID: "wallet_payee",
		AmountCents:   10000,
		Currency:      "USD",
	})
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	return st
}

func (h *harness) balance(t *testing.T, wallet string) *escrow.WalletBalance {
	t.Helper()
	b, err := h.escrow.WalletBalance(ctx, "tenant_a", wallet, "USD")
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestService_lockHoldsFunds(t *testing.T) {
	h := newHarness(t)
	h.lock(t, "stl_1")
	b := h.balance(t, "wallet_payer")
	if b.AvailableCents != 40000 || b.EscrowLockedCents != 10000 {
		t.Errorf("got available=%d locked=%d, want 40000/10000", b.AvailableCents, b.EscrowLockedCents)
	}

	_, err := h.svc.Lock(ctx, settlement.NewRunSettlementParams{
		SettlementID: "stl_big", TenantID: "tenant_a", RunID: "run_big",
		PayerWalletID: "wallet_payer", PayeeWalletID: "wallet_payee",
		AmountCents: 1_000_000, Currency: "USD",
	})
	if !bizerr.Is(err, bizerr.InsufficientWalletAvailable) {
		t.Errorf("oversized lock: got %v", err)
	}
	if _, err := h.svc.Get(ctx, "tenant_a", "stl_big"); !errors.Is(err, settlement.ErrNotFound) {
		t.Errorf("rejected lock was stored: %v", err)
	}
}

func TestService_settleGreenAutoReleases(t *testing.T) {
	h := newHarness(t)
	h.lock(t, "stl_1")

	res, err := h.svc.Settle(ctx, settlement.SettleRequest{
		TenantID:           "tenant_a",
		SettlementID:       "stl_1",
		Policy:             greenPolicy(),
		Method:             deterministic,
		VerificationStatus: settlement.StatusGreen,
		RunStatus:          settlement.RunCompleted,
	})
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	st := res.Settlement
	if st.Status != settlement.StatusReleased || st.ReleasedAmountCents != 10000 || st.RefundedAmountCents != 0 {
		t.Errorf("got %s %d/%d", st.Status, st.ReleasedAmountCents, st.RefundedAmountCents)
	}
	if st.DecisionStatus != artifact.DecisionAutoResolved || st.Revision != 1 {
		t.Errorf("got decision=%s revision=%d", st.DecisionStatus, st.Revision)
	}
	if res.Report == nil || !res.Report.Valid {
		t.Fatalf("kernel report: %+v", res.Report)
	}
	if st.DecisionRecord.Signature == nil || st.SettlementReceipt.Signature == nil {
		t.Error("artifacts were not signed")
	}
	if got := st.SettlementReceipt.LedgerOperationIDs; len(got) != 1 || got[0] != "stl_1:release" {
		t.Errorf("ledger operation ids = %v", got)
	}

	if b := h.balance(t, "wallet_payee"); b.AvailableCents != 10000 {
		t.Errorf("payee available = %d, want 10000", b.AvailableCents)
	}
	if b := h.balance(t, "wallet_payer"); b.EscrowLockedCents != 0 {
		t.Errorf("payer escrow = %d, want 0", b.EscrowLockedCents)
	}

	r, err := h.svc.Verify(ctx, "tenant_a", "stl_1", true)
	if err != nil {
		t.Fatal(err)
	}
	if !r.Valid {
		t.Errorf("stored settlement does not verify: %v", r.Errors)
	}

	if _, err := h.svc.Settle(ctx, settlement.SettleRequest{
		TenantID: "tenant_a", SettlementID: "stl_1", Policy: greenPolicy(), Method: deterministic,
		VerificationStatus: settlement.StatusGreen, RunStatus: settlement.RunCompleted,
	}); !bizerr.Is(err, bizerr.SettlementAlreadyResolved) {
		t.Errorf("second settle: got %v", err)
	}

	if err := h.audit.Verify(ctx); err != nil {
		t.Errorf("audit chain: %v", err)
	}
	stored, err := h.arts.ListByJob(ctx, "tenant_a", "run_stl_1")
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 2 {
		t.Errorf("stored artifacts = %d, want decision record and receipt", len(stored))
	}
	if n, _ := h.audit.Len(ctx); n != 3 {
		t.Errorf("audit entries = %d, want genesis + locked + released", n)
	}
}

func TestService_failedRunRefunds(t *testing.T) {
	h := newHarness(t)
	h.lock(t, "stl_1")
	res, err := h.svc.Settle(ctx, settlement.SettleRequest{
		TenantID: "tenant_a", SettlementID: "stl_1", Policy: greenPolicy(), Method: deterministic,
		VerificationStatus: settlement.StatusGreen, RunStatus: settlement.RunFailed,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Settlement.Status != settlement.StatusRefunded || res.Settlement.RefundedAmountCents != 10000 {
		t.Errorf("got %s refunded=%d", res.Settlement.Status, res.Settlement.RefundedAmountCents)
	}
	if b := h.balance(t, "wallet_payer"); b.AvailableCents != 50000 || b.EscrowLockedCents != 0 {
		t.Errorf("payer got %d/%d, want 50000/0", b.AvailableCents, b.EscrowLockedCents)
	}
}

func TestService_manualReviewThenResolve(t *testing.T) {
	h := newHarness(t)
	h.lock(t, "stl_1")
	evidence := canonical.SHA256Hex([]byte("evidence"))

	res, err := h.svc.Settle(ctx, settlement.SettleRequest{
		TenantID: "tenant_a", SettlementID: "stl_1", Policy: settlement.DefaultPolicy(), Method: deterministic,
		VerificationStatus: settlement.StatusAmber, RunStatus: settlement.RunCompleted,
		EvidenceHash: &evidence,
	})
	if err != nil {
		t.Fatal(err)
	}
	st := res.Settlement
	if st.Status != settlement.StatusLocked || st.DecisionStatus != artifact.DecisionManualReviewRequired {
		t.Fatalf("got %s/%s", st.Status, st.DecisionStatus)
	}
	if st.DecisionRecord == nil || st.DecisionRecord.DecisionStatus != artifact.DecisionManualReviewRequired {
		t.Errorf("review record missing: %+v", st.DecisionRecord)
	}
	if b := h.balance(t, "wallet_payer"); b.EscrowLockedCents != 10000 {
		t.Errorf("funds moved during review: locked=%d", b.EscrowLockedCents)
	}

	_, err = h.svc.ResolveManually(ctx, settlement.ManualResolution{TenantID: "tenant_a", SettlementID: "stl_1", ReleaseRatePct: 101})
	if !errors.Is(err, validate.ErrInvalidInput) {
		t.Errorf("rate 101: got %v", err)
	}

	out, err := h.svc.ResolveManually(ctx, settlement.ManualResolution{
		TenantID: "tenant_a", SettlementID: "stl_1", ReleaseRatePct: 75,
		Reason: "partial delivery", ReasonCodes: []string{"PARTIAL_DELIVERY"},
	})
	if err != nil {
		t.Fatalf("ResolveManually: %v", err)
	}
	st = out.Settlement
	if st.Status != settlement.StatusReleased || st.ReleasedAmountCents != 7500 || st.RefundedAmountCents != 2500 {
		t.Errorf("got %s %d/%d", st.Status, st.ReleasedAmountCents, st.RefundedAmountCents)
	}
	if st.DecisionStatus != artifact.DecisionManualResolved {
		t.Errorf("decision = %s", st.DecisionStatus)
	}
	if st.DecisionRecord.EvidenceHash == nil || *st.DecisionRecord.EvidenceHash != evidence {
		t.Error("evidence hash not carried into the final record")
	}
	if !out.Report.Valid {
		t.Errorf("kernel: %v", out.Report.Errors)
	}
	if b := h.balance(t, "wallet_payer"); b.AvailableCents != 42500 || b.EscrowLockedCents != 0 {
		t.Errorf("payer got %d/%d, want 42500/0", b.AvailableCents, b.EscrowLockedCents)
	}
	if stored, _ := h.arts.ListByJob(ctx, "tenant_a", "run_stl_1"); len(stored) != 3 {
		t.Errorf("stored artifacts = %d, want review record, final record and receipt", len(stored))
	}

	wantEvents := []string{
		"tenant_a settlement.locked stl_1 locked",
		"tenant_a settlement.manual_review_required stl_1 locked",
		"tenant_a settlement.released stl_1 released",
	}
	if len(h.events.events) != len(wantEvents) {
		t.Fatalf("events = %v, want %v", h.events.events, wantEvents)
	}
	for i, want := range wantEvents {
		if h.events.events[i] != want {
			t.Errorf("event %d = %q, want %q", i, h.events.events[i], want)
		}
	}
}

func TestService_resolveManuallyRequiresReview(t *testing.T) {
	h := newHarness(t)
	h.lock(t, "stl_1")
	_, err := h.svc.ResolveManually(ctx, settlement.ManualResolution{TenantID: "tenant_a", SettlementID: "stl_1", ReleaseRatePct: 50})
	if !bizerr.Is(err, bizerr.DecisionTransitionInvalid) {
		t.Errorf("got %v", err)
	}
}

func TestService_disputeBlocksResolution(t *testing.T) {
	h := newHarness(t)
	h.lock(t, "stl_1")

	env, err := artifact.BuildDisputeOpenEnvelope(artifact.DisputeOpenParams{
		EnvelopeID:      "dsp_env_1",
		CaseID:          "case_1",
		TenantID:        "tenant_a",
		AgreementHash:   canonical.SHA256Hex([]byte("agreement")),
		ReceiptHash:     canonical.SHA256Hex([]byte("receipt")),
		HoldHash:        canonical.SHA256Hex([]byte("hold")),
		OpenedByAgentID: "agent_payer",
		OpenedAt:        "2026-03-01T12:00:00.000Z",
		ReasonCode:      "OUTPUT_INCOMPLETE",
		Nonce:           "nonce_1",
		Signer:          h.key,
	})
	if err != nil {
		t.Fatal(err)
	}
	st, err := h.svc.OpenDispute(ctx, "tenant_a", "stl_1", env)
	if err != nil {
		t.Fatalf("OpenDispute: %v", err)
	}
	if st.DisputeStatus != settlement.DisputeOpen || *st.DisputeID != "dsp_env_1" {
		t.Errorf("got %s %v", st.DisputeStatus, st.DisputeID)
	}

	_, err = h.svc.Settle(ctx, settlement.SettleRequest{
		TenantID: "tenant_a", SettlementID: "stl_1", Policy: greenPolicy(), Method: deterministic,
		VerificationStatus: settlement.StatusGreen, RunStatus: settlement.RunCompleted,
	})
	if !bizerr.Is(err, bizerr.SettlementDisputeOpen) {
		t.Errorf("settle during dispute: got %v", err)
	}
	if b := h.balance(t, "wallet_payer"); b.AvailableCents != 40000 || b.EscrowLockedCents != 10000 {
		t.Errorf("payer after refused settle: got %d/%d, want 40000/10000", b.AvailableCents, b.EscrowLockedCents)
	}
	if b := h.balance(t, "wallet_payee"); b.AvailableCents != 0 {
		t.Errorf("payee after refused settle: got %d, want 0", b.AvailableCents)
	}
	if st, _ := h.svc.Get(ctx, "tenant_a", "stl_1"); st.Status != settlement.StatusLocked || st.DecisionStatus != settlement.DecisionPending {
		t.Errorf("row after refused settle: %s/%s", st.Status, st.DecisionStatus)
	}

	if _, err := h.svc.CloseDispute(ctx, "tenant_a", "stl_1", "provider re-delivered"); err != nil {
		t.Fatal(err)
	}
	// The dispute changed the outcome: the run is now reported as failed.
	res, err := h.svc.Settle(ctx, settlement.SettleRequest{
		TenantID: "tenant_a", SettlementID: "stl_1", Policy: greenPolicy(), Method: deterministic,
		VerificationStatus: settlement.StatusGreen, RunStatus: settlement.RunFailed,
	})
	if err != nil {
		t.Fatalf("settle after close: %v", err)
	}
	if res.Settlement.Status != settlement.StatusRefunded || res.Settlement.DisputeStatus != settlement.DisputeClosed {
		t.Errorf("got %s dispute=%s, want refunded/closed", res.Settlement.Status, res.Settlement.DisputeStatus)
	}
	if b := h.balance(t, "wallet_payer"); b.AvailableCents != 50000 || b.EscrowLockedCents != 0 {
		t.Errorf("payer after refund: got %d/%d, want 50000/0", b.AvailableCents, b.EscrowLockedCents)
	}
	if b := h.balance(t, "wallet_payee"); b.AvailableCents != 0 {
		t.Errorf("payee after refund: got %d, want 0", b.AvailableCents)
	}
	if ops := res.Settlement.SettlementReceipt.LedgerOperationIDs; len(ops) != 1 || ops[0] != "stl_1:refund" {
		t.Errorf("receipt operations = %v, want [stl_1:refund]", ops)
	}
}

func TestService_disputeBlocksManualResolution(t *testing.T) {
	h := newHarness(t)
	h.lock(t, "stl_1")
	p := greenPolicy()
	p.Mode = settlement.ModeManualReview
	if _, err := h.svc.Settle(ctx, settlement.SettleRequest{
		TenantID: "tenant_a", SettlementID: "stl_1", Policy: p, Method: deterministic,
		VerificationStatus: settlement.StatusGreen, RunStatus: settlement.RunCompleted,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.svc.OpenDispute(ctx, "tenant_a", "stl_1", nil); err != nil {
		t.Fatal(err)
	}

	_, err := h.svc.ResolveManually(ctx, settlement.ManualResolution{
		TenantID: "tenant_a", SettlementID: "stl_1", ReleaseRatePct: 100,
	})
	if !bizerr.Is(err, bizerr.SettlementDisputeOpen) {
		t.Errorf("got %v, want %s", err, bizerr.SettlementDisputeOpen)
	}
	if b := h.balance(t, "wallet_payer"); b.EscrowLockedCents != 10000 {
		t.Errorf("escrow after refused resolution = %d, want 10000", b.EscrowLockedCents)
	}

	if _, err := h.svc.CloseDispute(ctx, "tenant_a", "stl_1", "partial delivery"); err != nil {
		t.Fatal(err)
	}
	res, err := h.svc.ResolveManually(ctx, settlement.ManualResolution{
		TenantID: "tenant_a", SettlementID: "stl_1", ReleaseRatePct: 40,
	})
	if err != nil {
		t.Fatalf("resolve after close: %v", err)
	}
	if res.Settlement.ReleasedAmountCents != 4000 || res.Settlement.RefundedAmountCents != 6000 {
		t.Errorf("got %d/%d, want 4000/6000", res.Settlement.ReleasedAmountCents, res.Settlement.RefundedAmountCents)
	}
	if b := h.balance(t, "wallet_payee"); b.AvailableCents != 4000 {
		t.Errorf("payee = %d, want 4000", b.AvailableCents)
	}
}

func TestService_disputeEnvelopeMustVerify(t *testing.T) {
	h := newHarness(t)
	h.lock(t, "stl_1")
	stranger, err := signature.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	env, err := artifact.BuildDisputeOpenEnvelope(artifact.DisputeOpenParams{
		EnvelopeID:      "dsp_env_1",
		CaseID:          "case_1",
		TenantID:        "tenant_a",
		AgreementHash:   canonical.SHA256Hex([]byte("agreement")),
		ReceiptHash:     canonical.SHA256Hex([]byte("receipt")),
		HoldHash:        canonical.SHA256Hex([]byte("hold")),
		OpenedByAgentID: "agent_payer",
		OpenedAt:        "2026-03-01T12:00:00.000Z",
		ReasonCode:      "OUTPUT_INCOMPLETE",
		Nonce:           "nonce_1",
		Signer:          stranger,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.svc.OpenDispute(ctx, "tenant_a", "stl_1", env); err == nil {
		t.Error("envelope from an unknown key was accepted")
	}
}
