package settlement_test

import (
	"errors"
	"reflect"
	"testing"

	"github.com/jmerrifield20/nexus-settlement/internal/settlement"
	"github.com/jmerrifield20/nexus-settlement/internal/validate"
	"github.com/jmerrifield20/nexus-settlement/pkg/canonical"
)

func str(s string) *string { return &s }

func i64(v int64) *int64 { return &v }

func greenPolicy() settlement.Policy {
	p, err := settlement.ParsePolicy([]byte(`{"mode":"automatic","rules":{"autoReleaseOnGreen":true,"greenReleaseRatePct":100}}`))
	if err != nil {
		panic(err)
	}
	return p
}

var deterministic = settlement.VerificationMethod{Mode: settlement.MethodDeterministic}

func TestEvaluate_greenCompletedReleasesEverything(t *testing.T) {
	d, err := settlement.Evaluate(greenPolicy(), deterministic, settlement.StatusGreen, settlement.RunCompleted, 10000)
	if err != nil {
		t.Fatal(err)
	}
	if d.ReleaseAmountCents != 10000 || d.RefundAmountCents != 0 || !d.ShouldAutoResolve {
		t.Errorf("got %+v, want 10000/0/auto", d)
	}
	if d.DecisionMode != settlement.ModeAutomatic || len(d.ReasonCodes) != 0 {
		t.Errorf("mode=%s reasons=%v", d.DecisionMode, d.ReasonCodes)
	}
	if d.ReasonCodes == nil {
		t.Error("reason codes should be an empty list, not nil")
	}
}

func TestEvaluate_failedRunRefundsEverything(t *testing.T) {
	for _, status := range []string{settlement.StatusGreen, settlement.StatusAmber, settlement.StatusRed} {
		d, err := settlement.Evaluate(greenPolicy(), deterministic, status, settlement.RunFailed, 10000)
		if err != nil {
			t.Fatal(err)
		}
		if d.ReleaseRatePct != 0 || d.RefundAmountCents != 10000 || d.ReleaseAmountCents != 0 {
			t.Errorf("%s: got rate=%d release=%d refund=%d", status, d.ReleaseRatePct, d.ReleaseAmountCents, d.RefundAmountCents)
		}
	}
}

func TestEvaluate_floorsReleaseAmount(t *testing.T) {
	p := settlement.DefaultPolicy()
	p.Rules.AutoReleaseOnAmber = true
	p.Rules.AmberReleaseRatePct = 33
	d, err := settlement.Evaluate(p, deterministic, settlement.StatusAmber, settlement.RunCompleted, 101)
	if err != nil {
		t.Fatal(err)
	}
	if d.ReleaseAmountCents != 33 || d.RefundAmountCents != 68 {
		t.Errorf("got %d/%d, want 33/68", d.ReleaseAmountCents, d.RefundAmountCents)
	}
}

func TestEvaluate_accumulatesAllReasons(t *testing.T) {
	p := settlement.DefaultPolicy()
	p.Mode = settlement.ModeManualReview
	p.Rules.RequireDeterministicVerification = true
	p.Rules.MaxAutoReleaseAmountCents = i64(5000)
	p.RequiredEvidence = settlement.EvidenceHashes{
		PricingMatrixHash:  str(canonical.SHA256Hex([]byte("pricing"))),
		MeteringReportHash: str(canonical.SHA256Hex([]byte("metering"))),
		InvoiceClaimHash:   str(canonical.SHA256Hex([]byte("invoice"))),
	}
	m := settlement.VerificationMethod{
		Mode: settlement.MethodAttested,
		Evidence: settlement.EvidenceHashes{
			PricingMatrixHash: str(canonical.SHA256Hex([]byte("other"))),
			InvoiceClaimHash:  str(canonical.SHA256Hex([]byte("invoice"))),
		},
	}

	d, err := settlement.Evaluate(p, m, settlement.StatusRed, settlement.RunCompleted, 10000)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{
		settlement.ReasonManualReviewMode,
		settlement.ReasonDeterministicRequired,
		settlement.ReasonAutoReleaseCapExceeded,
		settlement.ReasonPricingMatrixMismatch,
		settlement.ReasonMeteringReportMissing,
		settlement.ReasonAutoReleaseDisabledRed,
	}
	if !reflect.DeepEqual(d.ReasonCodes, want) {
		t.Errorf("reasons:\n got %v\nwant %v", d.ReasonCodes, want)
	}
	if d.ShouldAutoResolve || d.DecisionMode != settlement.ModeManualReview {
		t.Errorf("got auto=%v mode=%s", d.ShouldAutoResolve, d.DecisionMode)
	}
}

func TestEvaluate_amberDisabledByDefault(t *testing.T) {
	d, err := settlement.Evaluate(settlement.DefaultPolicy(), deterministic, settlement.StatusAmber, settlement.RunCompleted, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if d.ShouldAutoResolve || d.ReleaseAmountCents != 500 {
		t.Errorf("got %+v", d)
	}
	if len(d.ReasonCodes) != 1 || d.ReasonCodes[0] != settlement.ReasonAutoReleaseDisabledAmber {
		t.Errorf("reasons = %v", d.ReasonCodes)
	}
}

func TestEvaluate_rejectsBadInput(t *testing.T) {
	cases := []struct {
		name   string
		policy settlement.Policy
		status string
		run    string
		amount int64
	}{
		{"status", settlement.DefaultPolicy(), "blue", settlement.RunCompleted, 1},
		{"run", settlement.DefaultPolicy(), settlement.StatusGreen, "pending", 1},
		{"amount", settlement.DefaultPolicy(), settlement.StatusGreen, settlement.RunCompleted, -1},
		{"mode", settlement.Policy{Mode: "yolo"}, settlement.StatusGreen, settlement.RunCompleted, 1},
		{"rate", settlement.Policy{Mode: settlement.ModeAutomatic, Rules: settlement.Rules{GreenReleaseRatePct: 101}}, settlement.StatusGreen, settlement.RunCompleted, 1},
	}
	for _, tc := range cases {
		_, err := settlement.Evaluate(tc.policy, deterministic, tc.status, tc.run, tc.amount)
		if !errors.Is(err, validate.ErrInvalidInput) {
			t.Errorf("%s: got %v, want ErrInvalidInput", tc.name, err)
		}
	}
}

func TestParsePolicy(t *testing.T) {
	p, err := settlement.ParsePolicy([]byte(`{"rules":{"greenReleaseRatePct":90}}`))
	if err != nil {
		t.Fatal(err)
	}
	if p.Mode != settlement.ModeAutomatic || !p.Rules.AutoReleaseOnGreen || p.Rules.GreenReleaseRatePct != 90 || p.Rules.AmberReleaseRatePct != 50 {
		t.Errorf("defaults not kept: %+v", p)
	}
	if _, err := settlement.ParsePolicy([]byte(`{"mood":"automatic"}`)); err == nil {
		t.Error("expected error for unknown field")
	}
}

func TestPolicyHash_stableAcrossEmptyStrings(t *testing.T) {
	a := settlement.DefaultPolicy()
	b := settlement.DefaultPolicy()
	b.Rules.ManualReason = str("")
	b.RequiredEvidence.InvoiceClaimHash = str("")
	ha, err := settlement.PolicyHash(a)
	if err != nil {
		t.Fatal(err)
	}
	hb, err := settlement.PolicyHash(b)
	if err != nil {
		t.Fatal(err)
	}
	if ha != hb {
		t.Errorf("hashes differ: %s vs %s", ha, hb)
	}
	b.Rules.GreenReleaseRatePct = 99
	if hc, _ := settlement.PolicyHash(b); hc == ha {
		t.Error("rate change did not change the policy hash")
	}

	d, _ := settlement.Evaluate(a, deterministic, settlement.StatusGreen, settlement.RunCompleted, 1)
	if d.PolicyHash != ha {
		t.Errorf("decision policy hash %s, want %s", d.PolicyHash, ha)
	}
	mh, _ := settlement.VerificationMethodHash(deterministic)
	if d.VerificationMethodHash != mh {
		t.Errorf("decision method hash %s, want %s", d.VerificationMethodHash, mh)
	}
}

func TestEvaluate_rejectsAmountsPastSafeInteger(t *testing.T) {
	d, err := settlement.Evaluate(greenPolicy(), deterministic, settlement.StatusGreen, settlement.RunCompleted, 100_000_000_000_000_000)
	var fe *validate.FieldError
	if !errors.As(err, &fe) || fe.Field != "amountCents" {
		t.Fatalf("got %+v, %v; want amountCents field error", d, err)
	}

	d, err = settlement.Evaluate(greenPolicy(), deterministic, settlement.StatusGreen, settlement.RunCompleted, validate.MaxCents)
	if err != nil {
		t.Fatal(err)
	}
	if d.ReleaseAmountCents != validate.MaxCents || d.RefundAmountCents != 0 {
		t.Errorf("got %d/%d, want %d/0", d.ReleaseAmountCents, d.RefundAmountCents, validate.MaxCents)
	}
}
