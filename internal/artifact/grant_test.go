package artifact_test

import (
	"errors"
	"testing"

	"github.com/jmerrifield20/nexus-settlement/internal/artifact"
	"github.com/jmerrifield20/nexus-settlement/internal/bizerr"
	"github.com/jmerrifield20/nexus-settlement/internal/validate"
)

func rootGrantParams() artifact.DelegationGrantParams {
	return artifact.DelegationGrantParams{
		GrantID:          "dgr_root",
		TenantID:         "tenant_a",
		DelegatorAgentID: "agt_owner",
		DelegateeAgentID: "agt_ops",
		Scope: artifact.GrantScope{
			AllowedRiskClasses:   []string{"financial", "read", "compute", "read"},
			SideEffectingAllowed: true,
			AllowedToolIDs:       []string{"tool_b", "tool_a"},
		},
		SpendLimit:   artifact.SpendLimit{Currency: "USD", MaxPerCallCents: 1000, MaxTotalCents: 10000},
		ChainBinding: artifact.ChainBinding{Depth: 0, MaxDelegationDepth: 2},
		IssuedAt:     t0,
		NotBefore:    t0,
		ExpiresAt:    "2026-03-01T13:00:00Z",
		Revocable:    true,
		CreatedAt:    t0,
	}
}

func buildGrant(t *testing.T, p artifact.DelegationGrantParams) *artifact.DelegationGrant {
	t.Helper()
	g, err := artifact.BuildDelegationGrant(p)
	if err != nil {
		t.Fatalf("BuildDelegationGrant: %v", err)
	}
	return g
}

func TestDelegationGrant_normalizesScope(t *testing.T) {
	g := buildGrant(t, rootGrantParams())
	want := []string{"compute", "financial", "read"}
	if len(g.Scope.AllowedRiskClasses) != len(want) {
		t.Fatalf("risk classes: got %v, want %v", g.Scope.AllowedRiskClasses, want)
	}
	for i := range want {
		if g.Scope.AllowedRiskClasses[i] != want[i] {
			t.Errorf("risk classes: got %v, want %v", g.Scope.AllowedRiskClasses, want)
		}
	}
	if err := artifact.ValidateDelegationGrant(g); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestDelegationGrant_rejectsBadWindow(t *testing.T) {
	p := rootGrantParams()
	p.ExpiresAt = t0
	if _, err := artifact.BuildDelegationGrant(p); !errors.Is(err, validate.ErrInvalidInput) {
		t.Errorf("got %v, want ErrInvalidInput", err)
	}
}

func TestDelegationGrant_rootMustHaveNullChainHashes(t *testing.T) {
	p := rootGrantParams()
	h := hashOf("parent")
	p.ChainBinding.ParentGrantHash = &h
	if _, err := artifact.BuildDelegationGrant(p); !errors.Is(err, validate.ErrInvalidInput) {
		t.Errorf("got %v, want ErrInvalidInput", err)
	}
}

func TestDelegationGrant_revocationPairInvariant(t *testing.T) {
	g := buildGrant(t, rootGrantParams())
	g.Revocation.RevokedAt = str("2026-03-01T12:10:00.000Z")
	err := artifact.ValidateDelegationGrant(g)
	var fe *validate.FieldError
	if !errors.As(err, &fe) || fe.Field != "revocation" {
		t.Errorf("got %v, want revocation field error", err)
	}
}

func TestRevokeGrant(t *testing.T) {
	g := buildGrant(t, rootGrantParams())
	revoked, err := artifact.RevokeGrant(g, artifact.RevokeParams{RevokedAt: "2026-03-01T12:10:00Z", ReasonCode: "KEY_COMPROMISED"})
	if err != nil {
		t.Fatal(err)
	}
	if revoked.GrantHash == g.GrantHash {
		t.Error("revocation must re-derive the grant hash")
	}
	if err := artifact.ValidateDelegationGrant(revoked); err != nil {
		t.Errorf("Validate revoked: %v", err)
	}
	if g.Revocation.RevokedAt != nil {
		t.Error("RevokeGrant mutated its input")
	}

	_, err = artifact.RevokeGrant(revoked, artifact.RevokeParams{ReasonCode: "AGAIN"})
	if !bizerr.Is(err, bizerr.GrantAlreadyRevoked) {
		t.Errorf("got %v, want %s", err, bizerr.GrantAlreadyRevoked)
	}

	p := rootGrantParams()
	p.Revocable = false
	fixed := buildGrant(t, p)
	_, err = artifact.RevokeGrant(fixed, artifact.RevokeParams{ReasonCode: "OWNER_REQUEST"})
	if !bizerr.Is(err, bizerr.GrantNotRevocable) {
		t.Errorf("got %v, want %s", err, bizerr.GrantNotRevocable)
	}
}

func childGrantParams(parent *artifact.DelegationGrant) artifact.DelegationGrantParams {
	parentHash := parent.GrantHash
	return artifact.DelegationGrantParams{
		GrantID:          "dgr_child",
		TenantID:         "tenant_a",
		DelegatorAgentID: "agt_ops",
		DelegateeAgentID: "agt_worker",
		Scope: artifact.GrantScope{
			AllowedRiskClasses: []string{"read"},
			AllowedToolIDs:     []string{"tool_a"},
		},
		SpendLimit: artifact.SpendLimit{Currency: "USD", MaxPerCallCents: 500, MaxTotalCents: 2000},
		ChainBinding: artifact.ChainBinding{
			Depth:              1,
			MaxDelegationDepth: 2,
			ParentGrantHash:    &parentHash,
			RootGrantHash:      &parentHash,
		},
		IssuedAt:  t0,
		NotBefore: "2026-03-01T12:05:00Z",
		ExpiresAt: "2026-03-01T12:30:00Z",
		CreatedAt: t0,
	}
}

func TestValidateGrantChain(t *testing.T) {
	parent := buildGrant(t, rootGrantParams())
	child := buildGrant(t, childGrantParams(parent))
	if err := artifact.ValidateGrantChain(parent, child); err != nil {
		t.Fatalf("valid chain rejected: %v", err)
	}

	cases := []struct {
		name string
		mut  func(*artifact.DelegationGrantParams)
	}{
		{"widened risk", func(p *artifact.DelegationGrantParams) { p.Scope.AllowedRiskClasses = []string{"action"} }},
		{"widened spend", func(p *artifact.DelegationGrantParams) { p.SpendLimit.MaxTotalCents = 20000 }},
		{"dropped allowlist", func(p *artifact.DelegationGrantParams) { p.Scope.AllowedToolIDs = nil }},
		{"wrong delegator", func(p *artifact.DelegationGrantParams) { p.DelegatorAgentID = "agt_other" }},
		{"outlives parent", func(p *artifact.DelegationGrantParams) { p.ExpiresAt = "2026-03-01T14:00:00Z" }},
		{"wrong parent", func(p *artifact.DelegationGrantParams) {
			h := hashOf("stranger")
			p.ChainBinding.ParentGrantHash = &h
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := childGrantParams(parent)
			tc.mut(&p)
			c := buildGrant(t, p)
			if err := artifact.ValidateGrantChain(parent, c); !bizerr.Is(err, bizerr.GrantChainInvalid) {
				t.Errorf("got %v, want %s", err, bizerr.GrantChainInvalid)
			}
		})
	}
}

func delegation(t *testing.T, id, parent, child string) *artifact.AgreementDelegation {
	t.Helper()
	d, err := artifact.BuildAgreementDelegation(artifact.AgreementDelegationParams{
		DelegationID:        id,
		TenantID:            "tenant_a",
		ParentAgreementHash: hashOf(parent),
		ChildAgreementHash:  hashOf(child),
		DelegatorAgentID:    "agt_" + parent,
		DelegateeAgentID:    "agt_" + child,
		BudgetCapCents:      1000,
		Currency:            "USD",
		DelegationDepth:     1,
		MaxDelegationDepth:  4,
		CreatedAt:           t0,
	})
	if err != nil {
		t.Fatalf("BuildAgreementDelegation: %v", err)
	}
	return d
}

func TestAgreementDelegation_mutableFieldsExcluded(t *testing.T) {
	d := delegation(t, "adel_1", "root", "a")
	d.Status = artifact.DelegationSettled
	d.ResolvedAt = str("2026-03-02T00:00:00.000Z")
	d.Revision = 3
	d.Metadata = map[string]any{"note": "settled"}
	if err := artifact.ValidateAgreementDelegation(d); err != nil {
		t.Errorf("mutable field change broke the hash: %v", err)
	}
	d.BudgetCapCents = 5
	if err := artifact.ValidateAgreementDelegation(d); !errors.Is(err, artifact.ErrHashMismatch) {
		t.Errorf("got %v, want ErrHashMismatch", err)
	}
}

func TestAgreementDelegation_selfLinkRejected(t *testing.T) {
	_, err := artifact.BuildAgreementDelegation(artifact.AgreementDelegationParams{
		TenantID:            "tenant_a",
		ParentAgreementHash: hashOf("x"),
		ChildAgreementHash:  hashOf("x"),
		DelegatorAgentID:    "agt_a",
		DelegateeAgentID:    "agt_b",
		BudgetCapCents:      1,
		Currency:            "USD",
		DelegationDepth:     1,
		MaxDelegationDepth:  1,
		CreatedAt:           t0,
	})
	if !errors.Is(err, validate.ErrInvalidInput) {
		t.Errorf("got %v, want ErrInvalidInput", err)
	}
}

func TestCascadeSettlementCheck(t *testing.T) {
	ds := []*artifact.AgreementDelegation{
		delegation(t, "adel_1", "root", "a"),
		delegation(t, "adel_2", "a", "b"),
		delegation(t, "adel_3", "b", "c"),
	}
	plan, err := artifact.CascadeSettlementCheck(ds, hashOf("c"))
	if err != nil {
		t.Fatal(err)
	}
	wantIDs := []string{"adel_3", "adel_2", "adel_1"}
	if len(plan.Steps) != len(wantIDs) {
		t.Fatalf("steps: got %d, want %d", len(plan.Steps), len(wantIDs))
	}
	for i, id := range wantIDs {
		if plan.Steps[i].DelegationID != id {
			t.Errorf("step %d: got %s, want %s", i, plan.Steps[i].DelegationID, id)
		}
	}
	if plan.RootAgreementHash != hashOf("root") {
		t.Errorf("root: got %s, want hash of root", plan.RootAgreementHash)
	}
}

func TestCascadeSettlementCheck_cycle(t *testing.T) {
	ds := []*artifact.AgreementDelegation{
		delegation(t, "adel_1", "a", "b"),
		delegation(t, "adel_2", "b", "c"),
		delegation(t, "adel_3", "c", "a"),
	}
	_, err := artifact.CascadeSettlementCheck(ds, hashOf("c"))
	if !bizerr.Is(err, bizerr.DelegationCycleDetected) {
		t.Errorf("got %v, want %s", err, bizerr.DelegationCycleDetected)
	}
}

func TestCascadeSettlementCheck_multipleActiveParents(t *testing.T) {
	ds := []*artifact.AgreementDelegation{
		delegation(t, "adel_1", "p1", "c"),
		delegation(t, "adel_2", "p2", "c"),
	}
	_, err := artifact.CascadeSettlementCheck(ds, hashOf("c"))
	if !bizerr.Is(err, bizerr.DelegationMultipleParents) {
		t.Errorf("got %v, want %s", err, bizerr.DelegationMultipleParents)
	}

	ds[0].Status = artifact.DelegationRevoked
	if _, err := artifact.CascadeSettlementCheck(ds, hashOf("c")); err != nil {
		t.Errorf("revoked parent should not count: %v", err)
	}
}

func TestRefundUnwindCheck_breadthFirstDeterministic(t *testing.T) {
	ds := []*artifact.AgreementDelegation{
		delegation(t, "adel_a2", "a", "a2"),
		delegation(t, "adel_b", "root", "b"),
		delegation(t, "adel_a", "root", "a"),
		delegation(t, "adel_a1", "a", "a1"),
	}
	plan, err := artifact.RefundUnwindCheck(ds, hashOf("root"))
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Steps) != 4 {
		t.Fatalf("steps: got %d, want 4", len(plan.Steps))
	}
	// Depth one first, then depth two; siblings ordered by child hash.
	first := map[string]bool{plan.Steps[0].DelegationID: true, plan.Steps[1].DelegationID: true}
	if !first["adel_a"] || !first["adel_b"] {
		t.Errorf("first level: got %v", plan.Steps[:2])
	}
	if plan.UnwindOrder[0] != plan.Steps[3].DelegationID {
		t.Errorf("unwind order must be reverse breadth-first")
	}

	again, _ := artifact.RefundUnwindCheck([]*artifact.AgreementDelegation{ds[3], ds[2], ds[1], ds[0]}, hashOf("root"))
	for i := range plan.Steps {
		if plan.Steps[i].DelegationID != again.Steps[i].DelegationID {
			t.Fatalf("plan depends on input order at step %d", i)
		}
	}
}

func TestRefundUnwindCheck_cycle(t *testing.T) {
	ds := []*artifact.AgreementDelegation{
		delegation(t, "adel_1", "a", "b"),
		delegation(t, "adel_2", "b", "c"),
		delegation(t, "adel_3", "c", "a"),
	}
	_, err := artifact.RefundUnwindCheck(ds, hashOf("a"))
	if !bizerr.Is(err, bizerr.DelegationCycleDetected) {
		t.Errorf("got %v, want %s", err, bizerr.DelegationCycleDetected)
	}
}

func TestAgreementDelegation_metadataOutsideHash(t *testing.T) {
	d, err := artifact.BuildAgreementDelegation(artifact.AgreementDelegationParams{
		DelegationID:        "adel_meta",
		TenantID:            "tenant_a",
		ParentAgreementHash: hashOf("root"),
		ChildAgreementHash:  hashOf("a"),
		DelegatorAgentID:    "agt_root",
		DelegateeAgentID:    "agt_a",
		BudgetCapCents:      1000,
		Currency:            "USD",
		DelegationDepth:     1,
		MaxDelegationDepth:  4,
		Metadata:            map[string]any{"externalRef": int64(1) << 60},
		CreatedAt:           t0,
	})
	if err != nil {
		t.Fatalf("unsafe integer in metadata: %v", err)
	}
	if err := artifact.ValidateAgreementDelegation(d); err != nil {
		t.Errorf("validate: %v", err)
	}
	plain := delegation(t, "adel_meta", "root", "a")
	if d.DelegationHash != plain.DelegationHash {
		t.Errorf("metadata changed the hash: %s vs %s", d.DelegationHash, plain.DelegationHash)
	}
}
