package artifact_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jmerrifield20/nexus-settlement/internal/artifact"
	"github.com/jmerrifield20/nexus-settlement/internal/validate"
	"github.com/jmerrifield20/nexus-settlement/pkg/canonical"
	"github.com/jmerrifield20/nexus-settlement/pkg/signature"
)

var ctx = context.Background()

const t0 = "2026-03-01T12:00:00.000Z"

func hashOf(s string) string { return canonical.SHA256Hex([]byte(s)) }

func str(s string) *string { return &s }

func mustKeys(t *testing.T) (*signature.KeyPair, *signature.Keyring) {
	t.Helper()
	kp, err := signature.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	ring, err := signature.NewKeyring(kp.PublicKey())
	if err != nil {
		t.Fatal(err)
	}
	return kp, ring
}

func buildAgreement(t *testing.T, signer signature.Signer) *artifact.ToolCallAgreement {
	t.Helper()
	a, err := artifact.BuildToolCallAgreement(artifact.ToolCallAgreementParams{
		ToolID:             "tool_search",
		ManifestHash:       hashOf("manifest"),
		CallID:             "call_1",
		Input:              map[string]any{"q": "weather", "limit": 3},
		AcceptanceCriteria: map[string]any{"maxLatencyMs": 2000},
		SettlementTerms:    map[string]any{"amountCents": 500, "currency": "USD"},
		PayerAgentID:       str("agt_payer"),
		PayeeAgentID:       str("agt_payee"),
		CreatedAt:          t0,
		Signer:             signer,
		SignedAt:           t0,
	})
	if err != nil {
		t.Fatalf("BuildToolCallAgreement: %v", err)
	}
	return a
}

func TestToolCallAgreement_roundTrip(t *testing.T) {
	a := buildAgreement(t, nil)
	if err := artifact.ValidateToolCallAgreement(a); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if want, _ := canonical.HashHex(map[string]any{"limit": 3, "q": "weather"}); a.InputHash != want {
		t.Errorf("inputHash: got %s, want %s", a.InputHash, want)
	}
}

func TestToolCallAgreement_tamperDetected(t *testing.T) {
	a := buildAgreement(t, nil)
	a.CallID = "call_2"
	err := artifact.ValidateToolCallAgreement(a)
	if !errors.Is(err, artifact.ErrHashMismatch) {
		t.Errorf("got %v, want ErrHashMismatch", err)
	}
}

func TestToolCallAgreement_schemaVersionMismatch(t *testing.T) {
	a := buildAgreement(t, nil)
	a.SchemaVersion = "ToolCallAgreement.v2"
	if err := artifact.ValidateToolCallAgreement(a); !errors.Is(err, artifact.ErrSchemaVersion) {
		t.Errorf("got %v, want ErrSchemaVersion", err)
	}
}

func TestToolCallAgreement_invalidInputNamesField(t *testing.T) {
	_, err := artifact.BuildToolCallAgreement(artifact.ToolCallAgreementParams{
		ToolID:       "tool search",
		ManifestHash: hashOf("m"),
		CallID:       "call_1",
		CreatedAt:    t0,
	})
	var fe *validate.FieldError
	if !errors.As(err, &fe) || fe.Field != "toolId" {
		t.Errorf("got %v, want field error on toolId", err)
	}
}

func TestToolCallAgreement_signatureIsNotHashed(t *testing.T) {
	kp, ring := mustKeys(t)
	signed := buildAgreement(t, kp)
	unsigned := buildAgreement(t, nil)
	if signed.AgreementHash != unsigned.AgreementHash {
		t.Error("signature changed the agreement hash")
	}
	if err := artifact.VerifyToolCallAgreementSignature(ctx, signed, ring); err != nil {
		t.Errorf("VerifyToolCallAgreementSignature: %v", err)
	}
	if err := artifact.VerifyToolCallAgreementSignature(ctx, unsigned, ring); !errors.Is(err, artifact.ErrSignatureMissing) {
		t.Errorf("got %v, want ErrSignatureMissing", err)
	}
}

func TestVerifySignature_unknownKey(t *testing.T) {
	kp, _ := mustKeys(t)
	a := buildAgreement(t, kp)
	empty, _ := signature.NewKeyring()
	err := artifact.VerifyToolCallAgreementSignature(ctx, a, empty)
	if !errors.Is(err, signature.ErrUnknownKey) {
		t.Errorf("got %v, want ErrUnknownKey", err)
	}
	var ie *artifact.IntegrityError
	if !errors.As(err, &ie) {
		t.Errorf("expected *IntegrityError, got %T", err)
	}
}

func TestToolCallEvidence_bindsAgreement(t *testing.T) {
	a := buildAgreement(t, nil)
	e, err := artifact.BuildToolCallEvidence(artifact.ToolCallEvidenceParams{
		Agreement:   a,
		Output:      map[string]any{"temp": 21.5},
		Metrics:     map[string]any{"latencyMs": 120},
		StartedAt:   t0,
		CompletedAt: "2026-03-01T12:00:01Z",
		CreatedAt:   "2026-03-01T12:00:02Z",
	})
	if err != nil {
		t.Fatalf("BuildToolCallEvidence: %v", err)
	}
	if err := artifact.ValidateToolCallEvidence(e); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := artifact.CheckEvidenceBinding(a, e); err != nil {
		t.Errorf("CheckEvidenceBinding: %v", err)
	}
	other := buildAgreement(t, nil)
	other.AgreementHash = hashOf("other")
	if err := artifact.CheckEvidenceBinding(other, e); !errors.Is(err, artifact.ErrHashMismatch) {
		t.Errorf("got %v, want ErrHashMismatch", err)
	}
}

func TestToolCallEvidence_completedBeforeStarted(t *testing.T) {
	a := buildAgreement(t, nil)
	_, err := artifact.BuildToolCallEvidence(artifact.ToolCallEvidenceParams{
		Agreement:   a,
		Output:      "x",
		StartedAt:   "2026-03-01T12:00:01Z",
		CompletedAt: t0,
	})
	if !errors.Is(err, validate.ErrInvalidInput) {
		t.Errorf("got %v, want ErrInvalidInput", err)
	}
}

func decisionParams(version string) artifact.DecisionRecordParams {
	p := artifact.DecisionRecordParams{
		SchemaVersion:      version,
		DecisionID:         "dec_1",
		TenantID:           "tenant_a",
		RunID:              "run_1",
		SettlementID:       "stl_1",
		DecisionStatus:     artifact.DecisionAutoResolved,
		DecisionMode:       "automatic",
		VerificationStatus: "green",
		RunStatus:          "completed",
		ReleaseRatePct:     100,
		AmountCents:        10000,
		ReleaseAmountCents: 10000,
		RefundAmountCents:  0,
		Currency:           "USD",
		DecidedAt:          t0,
	}
	if version == artifact.SettlementDecisionRecordV2 {
		p.PolicyHashUsed = str(hashOf("policy"))
	}
	return p
}

func TestDecisionRecord_v2RoundTrip(t *testing.T) {
	r, err := artifact.BuildSettlementDecisionRecord(decisionParams(artifact.SettlementDecisionRecordV2))
	if err != nil {
		t.Fatal(err)
	}
	if r.PolicyNormalizationVersion == nil || *r.PolicyNormalizationVersion != artifact.PolicyNormalizationV1 {
		t.Errorf("policyNormalizationVersion not defaulted")
	}
	if err := artifact.ValidateSettlementDecisionRecordVersion(r, artifact.SettlementDecisionRecordV2); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	bound := r.WithArtifactHash(hashOf("storage"))
	if err := artifact.ValidateSettlementDecisionRecord(bound); err != nil {
		t.Errorf("artifactHash must not affect the decision hash: %v", err)
	}

	r.PolicyHashUsed = str(hashOf("other-policy"))
	if err := artifact.ValidateSettlementDecisionRecord(r); !errors.Is(err, artifact.ErrHashMismatch) {
		t.Errorf("got %v, want ErrHashMismatch", err)
	}
}

func TestDecisionRecord_versionShape(t *testing.T) {
	p := decisionParams(artifact.SettlementDecisionRecordV2)
	p.PolicyHashUsed = nil
	if _, err := artifact.BuildSettlementDecisionRecord(p); !errors.Is(err, artifact.ErrSchemaVersion) {
		t.Errorf("v2 without policyHashUsed: got %v, want ErrSchemaVersion", err)
	}

	p = decisionParams(artifact.SettlementDecisionRecordV1)
	p.PolicyHashUsed = str(hashOf("policy"))
	if _, err := artifact.BuildSettlementDecisionRecord(p); !errors.Is(err, artifact.ErrSchemaVersion) {
		t.Errorf("v1 with policyHashUsed: got %v, want ErrSchemaVersion", err)
	}

	v1, err := artifact.BuildSettlementDecisionRecord(decisionParams(artifact.SettlementDecisionRecordV1))
	if err != nil {
		t.Fatal(err)
	}
	v1.SchemaVersion = artifact.SettlementDecisionRecordV2
	if err := artifact.ValidateSettlementDecisionRecord(v1); !errors.Is(err, artifact.ErrSchemaVersion) {
		t.Errorf("relabelled v1: got %v, want ErrSchemaVersion", err)
	}
}

func TestSettlementReceipt_boundToDecision(t *testing.T) {
	kp, ring := mustKeys(t)
	d, err := artifact.BuildSettlementDecisionRecord(decisionParams(artifact.SettlementDecisionRecordV2))
	if err != nil {
		t.Fatal(err)
	}
	r, err := artifact.BuildSettlementReceipt(artifact.ReceiptParams{
		ReceiptID:           "rcpt_1",
		Decision:            d,
		ReleasedAmountCents: 10000,
		RefundedAmountCents: 0,
		SettledAt:           str("2026-03-01T12:00:05Z"),
		CreatedAt:           "2026-03-01T12:00:01Z",
		Signer:              kp,
	})
	if err != nil {
		t.Fatal(err)
	}
	if r.DecisionRef.DecisionHash != d.DecisionHash || r.DecisionRef.DecisionID != d.DecisionID {
		t.Error("receipt decisionRef does not match decision")
	}
	if r.Status != artifact.ReceiptReleased || r.FinalityState != artifact.FinalityFinal {
		t.Errorf("status/finality: got %s/%s", r.Status, r.FinalityState)
	}
	if err := artifact.VerifySettlementReceiptSignature(ctx, r, ring); err != nil {
		t.Errorf("VerifySettlementReceiptSignature: %v", err)
	}

	_, err = artifact.BuildSettlementReceipt(artifact.ReceiptParams{
		Decision:            d,
		ReleasedAmountCents: 9000,
		RefundedAmountCents: 0,
		CreatedAt:           t0,
	})
	if !errors.Is(err, validate.ErrInvalidInput) {
		t.Errorf("unbalanced receipt: got %v, want ErrInvalidInput", err)
	}
}

func TestListingBond_closeKeepsHash(t *testing.T) {
	b, err := artifact.BuildListingBond(artifact.ListingBondParams{
		BondID:          "bond_1",
		TenantID:        "tenant_a",
		AgentID:         "agt_payee",
		ListingID:       "lst_1",
		AmountCents:     2500,
		Currency:        "USD",
		HoldOperationID: "op_bond_1",
		CreatedAt:       t0,
	})
	if err != nil {
		t.Fatal(err)
	}
	closed, err := artifact.CloseBond(b, artifact.BondReleased, "2026-04-01T00:00:00Z")
	if err != nil {
		t.Fatal(err)
	}
	if closed.BondHash != b.BondHash {
		t.Error("closing a bond changed its hash")
	}
	if err := artifact.ValidateListingBond(closed); err != nil {
		t.Errorf("Validate closed bond: %v", err)
	}
	if _, err := artifact.CloseBond(closed, artifact.BondForfeited, ""); err == nil {
		t.Error("expected error closing an already released bond")
	}
}

func TestSessionTranscript_eventProof(t *testing.T) {
	events := []artifact.TranscriptEvent{
		{EventID: "ev_1", EventType: "message", AgentID: "agt_a", At: t0, PayloadHash: hashOf("1")},
		{EventID: "ev_2", EventType: "tool_call", AgentID: "agt_b", At: "2026-03-01T12:00:01Z", PayloadHash: hashOf("2")},
		{EventID: "ev_3", EventType: "message", AgentID: "agt_a", At: "2026-03-01T12:00:02Z", PayloadHash: hashOf("3")},
	}
	tr, err := artifact.BuildSessionTranscript(artifact.SessionTranscriptParams{
		SessionID:    "sess_1",
		TenantID:     "tenant_a",
		Participants: []string{"agt_b", "agt_a"},
		Events:       events,
		StartedAt:    t0,
		EndedAt:      "2026-03-01T12:00:03Z",
		CreatedAt:    "2026-03-01T12:00:03Z",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := artifact.ValidateSessionTranscript(tr); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	p, err := artifact.TranscriptEventProof(tr, 2)
	if err != nil {
		t.Fatal(err)
	}
	if !artifact.VerifyTranscriptEvent(tr.Events[2], p, tr.MerkleRoot) {
		t.Error("event proof rejected")
	}
	if artifact.VerifyTranscriptEvent(tr.Events[1], p, tr.MerkleRoot) {
		t.Error("proof accepted for a different event")
	}

	tr.Events[0].PayloadHash = hashOf("edited")
	if err := artifact.ValidateSessionTranscript(tr); !errors.Is(err, artifact.ErrHashMismatch) {
		t.Errorf("got %v, want ErrHashMismatch", err)
	}
}

func TestBatchCommitment_inclusion(t *testing.T) {
	hashes := []string{hashOf("a"), hashOf("b"), hashOf("c"), hashOf("d"), hashOf("e")}
	b, err := artifact.BuildBatchCommitment(artifact.BatchCommitmentParams{
		BatchID:        "batch_1",
		TenantID:       "tenant_a",
		ArtifactHashes: hashes,
		CreatedAt:      t0,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := artifact.ValidateBatchCommitment(b); err != nil {
		t.Fatal(err)
	}
	for i, h := range hashes {
		p, err := artifact.BatchInclusionProof(b, i)
		if err != nil {
			t.Fatal(err)
		}
		if !artifact.VerifyBatchInclusion(h, p, b.MerkleRoot) {
			t.Errorf("index %d: inclusion rejected", i)
		}
	}
	b.MerkleRoot = hashOf("forged")
	if err := artifact.ValidateBatchCommitment(b); !errors.Is(err, artifact.ErrHashMismatch) {
		t.Errorf("got %v, want ErrHashMismatch", err)
	}
}

func TestDisputeOpenEnvelope_signedByDeclaredKey(t *testing.T) {
	kp, ring := mustKeys(t)
	e, err := artifact.BuildDisputeOpenEnvelope(artifact.DisputeOpenParams{
		CaseID:          "case_1",
		TenantID:        "tenant_a",
		AgreementHash:   hashOf("agreement"),
		ReceiptHash:     hashOf("receipt"),
		HoldHash:        hashOf("hold"),
		OpenedByAgentID: "agt_payer",
		OpenedAt:        t0,
		ReasonCode:      "OUTPUT_MISMATCH",
		Signer:          kp,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(e.EnvelopeID, "dopen_") || e.ArtifactID != e.EnvelopeID {
		t.Errorf("envelope id: got %q / %q", e.EnvelopeID, e.ArtifactID)
	}
	if err := artifact.VerifyDisputeOpenEnvelope(ctx, e, ring); err != nil {
		t.Errorf("VerifyDisputeOpenEnvelope: %v", err)
	}

	if _, err := artifact.BuildDisputeOpenEnvelope(artifact.DisputeOpenParams{CaseID: "case_1"}); err == nil {
		t.Error("expected error without signer")
	}
}
