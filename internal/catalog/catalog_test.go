package catalog_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jmerrifield20/nexus-settlement/internal/catalog"
	"github.com/jmerrifield20/nexus-settlement/internal/settlement"
)

func TestDefault(t *testing.T) {
	c, err := catalog.Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	again, _ := catalog.Default()
	if c != again {
		t.Error("Default parsed the embedded catalog twice")
	}

	p, err := c.PolicyPack("default")
	if err != nil {
		t.Fatal(err)
	}
	want, _ := settlement.PolicyHash(settlement.DefaultPolicy())
	if p.PolicyHash != want {
		t.Errorf("default pack hash = %s, want the default policy's %s", p.PolicyHash, want)
	}

	det, err := c.PolicyPack("deterministic-only")
	if err != nil {
		t.Fatal(err)
	}
	if !det.Policy.Rules.RequireDeterministicVerification || det.Policy.Rules.MaxAutoReleaseAmountCents == nil ||
		*det.Policy.Rules.MaxAutoReleaseAmountCents != 50000 {
		t.Errorf("deterministic-only rules = %+v", det.Policy.Rules)
	}

	manual, _ := c.PolicyPack("manual")
	if manual.Policy.Mode != settlement.ModeManualReview {
		t.Errorf("manual pack mode = %s", manual.Policy.Mode)
	}

	if _, err := c.PolicyPack("nope"); !errors.Is(err, catalog.ErrUnknown) {
		t.Errorf("unknown pack: got %v", err)
	}
	if got := len(c.BillingPlans()); got != 3 {
		t.Errorf("billing plans = %d", got)
	}
}

func TestBillingPlan(t *testing.T) {
	c, err := catalog.Default()
	if err != nil {
		t.Fatal(err)
	}
	plan, err := c.BillingPlan("builder")
	if err != nil {
		t.Fatal(err)
	}
	if got := plan.SettlementFeeCents(10001); got != 150 {
		t.Errorf("SettlementFeeCents = %d, want 150", got)
	}
	if got := plan.UsageCents(5000); got != 9900 {
		t.Errorf("usage within allowance = %d", got)
	}
	if got := plan.UsageCents(10250); got != 9900+250 {
		t.Errorf("usage with overage = %d", got)
	}
}

func TestLoad_rejectsBadCatalogs(t *testing.T) {
	tests := map[string]string{
		"unknown top-level key": "version: 1\nplans: []\n",
		"unknown policy field": `
policyPacks:
  - id: p
    policy:
      mode: automatic
      rules:
        greenRate: 100
`,
		"bad rate": `
policyPacks:
  - id: p
    policy:
      rules:
        greenReleaseRatePct: 150
`,
		"duplicate plan": `
billingPlans:
  - id: a
  - id: a
`,
		"negative fee": `
billingPlans:
  - id: a
    monthlyFeeCents: -1
`,
	}
	for name, doc := range tests {
		if _, err := catalog.Load(strings.NewReader(doc)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	doc := `
version: 7
policyPacks:
  - id: only-green
    policy:
      rules:
        amberReleaseRatePct: 0
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	c, err := catalog.LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if c.Version() != 7 || len(c.PolicyPacks()) != 1 {
		t.Errorf("got version=%d packs=%d", c.Version(), len(c.PolicyPacks()))
	}
	p, _ := c.PolicyPack("only-green")
	if p.Policy.Rules.GreenReleaseRatePct != 100 || p.Policy.Rules.AmberReleaseRatePct != 0 {
		t.Errorf("rules = %+v", p.Policy.Rules)
	}

	if _, err := catalog.LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
