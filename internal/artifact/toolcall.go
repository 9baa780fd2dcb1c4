package artifact

import (
	"context"
	"fmt"

	"github.com/jmerrifield20/nexus-settlement/internal/validate"
	"github.com/jmerrifield20/nexus-settlement/pkg/canonical"
	"github.com/jmerrifield20/nexus-settlement/pkg/signature"
)

const (
	ToolCallAgreementV1 = "ToolCallAgreement.v1"
	ToolCallEvidenceV1  = "ToolCallEvidence.v1"
)

// ToolCallAgreement commits payer and payee to a single tool invocation with
// a known input, acceptance criteria and settlement terms.
type ToolCallAgreement struct {
	SchemaVersion      string         `json:"schemaVersion"`
	ToolID             string         `json:"toolId" validate:"required,artifactid"`
	ManifestHash       string         `json:"manifestHash" validate:"required,sha256hex"`
	CallID             string         `json:"callId" validate:"required,artifactid"`
	InputHash          string         `json:"inputHash" validate:"required,sha256hex"`
	AcceptanceCriteria map[string]any `json:"acceptanceCriteria"`
	SettlementTerms    map[string]any `json:"settlementTerms"`
	PayerAgentID       *string        `json:"payerAgentId" validate:"omitempty,artifactid"`
	PayeeAgentID       *string        `json:"payeeAgentId" validate:"omitempty,artifactid"`
	CreatedAt          string         `json:"createdAt" validate:"required,isodate"`
	AgreementHash      string         `json:"agreementHash" validate:"required,sha256hex"`
	Signature          *Signature     `json:"signature,omitempty"`
}

// ToolCallAgreementParams are the inputs to BuildToolCallAgreement. Input is
// hashed canonically and never stored.
type ToolCallAgreementParams struct {
	ToolID             string
	ManifestHash       string
	CallID             string
	Input              any
	AcceptanceCriteria map[string]any
	SettlementTerms    map[string]any
	PayerAgentID       *string
	PayeeAgentID       *string
	CreatedAt          string
	Signer             signature.Signer
	SignedAt           string
}

// ToolCallAgreementHash recomputes the agreement hash.
func ToolCallAgreementHash(a *ToolCallAgreement) (string, error) {
	return hashExcluding(a, "agreementHash", "signature")
}

// BuildToolCallAgreement validates p and returns a hashed, optionally signed
// agreement.
func BuildToolCallAgreement(p ToolCallAgreementParams) (*ToolCallAgreement, error) {
	inputHash, err := canonical.HashHex(p.Input)
	if err != nil {
		return nil, validate.Fieldf("input", "not canonicalizable: %v", err)
	}
	createdAt, err := stamp("createdAt", p.CreatedAt)
	if err != nil {
		return nil, err
	}
	a := &ToolCallAgreement{
		SchemaVersion:      ToolCallAgreementV1,
		ToolID:             p.ToolID,
		ManifestHash:       p.ManifestHash,
		CallID:             p.CallID,
		InputHash:          inputHash,
		AcceptanceCriteria: p.AcceptanceCriteria,
		SettlementTerms:    p.SettlementTerms,
		PayerAgentID:       p.PayerAgentID,
		PayeeAgentID:       p.PayeeAgentID,
		CreatedAt:          createdAt,
	}
	a.AgreementHash, err = ToolCallAgreementHash(a)
	if err != nil {
		return nil, validate.Fieldf("agreement", "not canonicalizable: %v", err)
	}
	if err := validate.Struct(a); err != nil {
		return nil, err
	}
	if a.Signature, err = sign(p.Signer, a.AgreementHash, p.SignedAt); err != nil {
		return nil, err
	}
	return a, nil
}

// ValidateToolCallAgreement checks fields, schema version and hash.
func ValidateToolCallAgreement(a *ToolCallAgreement) error {
	if err := checkSchema(ToolCallAgreementV1, a.SchemaVersion, ToolCallAgreementV1); err != nil {
		return err
	}
	if err := validate.Struct(a); err != nil {
		return err
	}
	if err := checkSignatureShape(a.Signature); err != nil {
		return err
	}
	h, err := ToolCallAgreementHash(a)
	if err != nil {
		return validate.Fieldf("agreement", "not canonicalizable: %v", err)
	}
	return checkHash(ToolCallAgreementV1, a.AgreementHash, h)
}

// VerifyToolCallAgreementSignature validates a and checks its signature.
func VerifyToolCallAgreementSignature(ctx context.Context, a *ToolCallAgreement, resolver signature.KeyResolver) error {
	if err := ValidateToolCallAgreement(a); err != nil {
		return err
	}
	return verifySignature(ctx, ToolCallAgreementV1, a.Signature, a.AgreementHash, resolver)
}

// ToolCallEvidence records what a tool call actually produced.
type ToolCallEvidence struct {
	SchemaVersion string         `json:"schemaVersion"`
	AgreementHash string         `json:"agreementHash" validate:"required,sha256hex"`
	CallID        string         `json:"callId" validate:"required,artifactid"`
	InputHash     string         `json:"inputHash" validate:"required,sha256hex"`
	OutputHash    string         `json:"outputHash" validate:"required,sha256hex"`
	OutputRef     *string        `json:"outputRef" validate:"omitempty,max=2000"`
	Metrics       map[string]any `json:"metrics"`
	StartedAt     string         `json:"startedAt" validate:"required,isodate"`
	CompletedAt   string         `json:"completedAt" validate:"required,isodate"`
	CreatedAt     string         `json:"createdAt" validate:"required,isodate"`
	EvidenceHash  string         `json:"evidenceHash" validate:"required,sha256hex"`
	Signature     *Signature     `json:"signature,omitempty"`
}

// ToolCallEvidenceParams are the inputs to BuildToolCallEvidence.
type ToolCallEvidenceParams struct {
	Agreement   *ToolCallAgreement
	Output      any
	OutputRef   *string
	Metrics     map[string]any
	StartedAt   string
	CompletedAt string
	CreatedAt   string
	Signer      signature.Signer
	SignedAt    string
}

// ToolCallEvidenceHash recomputes the evidence hash.
func ToolCallEvidenceHash(e *ToolCallEvidence) (string, error) {
	return hashExcluding(e, "evidenceHash", "signature")
}

// BuildToolCallEvidence binds a call's output to its agreement.
func BuildToolCallEvidence(p ToolCallEvidenceParams) (*ToolCallEvidence, error) {
	if p.Agreement == nil {
		return nil, validate.Fieldf("agreement", "is required")
	}
	if err := ValidateToolCallAgreement(p.Agreement); err != nil {
		return nil, fmt.Errorf("agreement: %w", err)
	}
	outputHash, err := canonical.HashHex(p.Output)
	if err != nil {
		return nil, validate.Fieldf("output", "not canonicalizable: %v", err)
	}
	startedAt, err := validate.NormalizeISODate("startedAt", p.StartedAt)
	if err != nil {
		return nil, err
	}
	completedAt, err := validate.NormalizeISODate("completedAt", p.CompletedAt)
	if err != nil {
		return nil, err
	}
	createdAt, err := stamp("createdAt", p.CreatedAt)
	if err != nil {
		return nil, err
	}
	e := &ToolCallEvidence{
		SchemaVersion: ToolCallEvidenceV1,
		AgreementHash: p.Agreement.AgreementHash,
		CallID:        p.Agreement.CallID,
		InputHash:     p.Agreement.InputHash,
		OutputHash:    outputHash,
		OutputRef:     p.OutputRef,
		Metrics:       p.Metrics,
		StartedAt:     startedAt,
		CompletedAt:   completedAt,
		CreatedAt:     createdAt,
	}
	if err := checkEvidenceTimes(e); err != nil {
		return nil, err
	}
	if e.EvidenceHash, err = ToolCallEvidenceHash(e); err != nil {
		return nil, validate.Fieldf("evidence", "not canonicalizable: %v", err)
	}
	if err := validate.Struct(e); err != nil {
		return nil, err
	}
	if e.Signature, err = sign(p.Signer, e.EvidenceHash, p.SignedAt); err != nil {
		return nil, err
	}
	return e, nil
}

func checkEvidenceTimes(e *ToolCallEvidence) error {
	if mustTime(e.CompletedAt).Before(mustTime(e.StartedAt)) {
		return validate.Fieldf("completedAt", "must not precede startedAt")
	}
	return nil
}

// ValidateToolCallEvidence checks fields, schema version and hash.
func ValidateToolCallEvidence(e *ToolCallEvidence) error {
	if err := checkSchema(ToolCallEvidenceV1, e.SchemaVersion, ToolCallEvidenceV1); err != nil {
		return err
	}
	if err := validate.Struct(e); err != nil {
		return err
	}
	if err := checkSignatureShape(e.Signature); err != nil {
		return err
	}
	if err := checkEvidenceTimes(e); err != nil {
		return err
	}
	h, err := ToolCallEvidenceHash(e)
	if err != nil {
		return validate.Fieldf("evidence", "not canonicalizable: %v", err)
	}
	return checkHash(ToolCallEvidenceV1, e.EvidenceHash, h)
}

// VerifyToolCallEvidenceSignature validates e and checks its signature.
func VerifyToolCallEvidenceSignature(ctx context.Context, e *ToolCallEvidence, resolver signature.KeyResolver) error {
	if err := ValidateToolCallEvidence(e); err != nil {
		return err
	}
	return verifySignature(ctx, ToolCallEvidenceV1, e.Signature, e.EvidenceHash, resolver)
}

// CheckEvidenceBinding requires e to reference a by hash, call id and input.
func CheckEvidenceBinding(a *ToolCallAgreement, e *ToolCallEvidence) error {
	switch {
	case e.AgreementHash != a.AgreementHash:
		return &IntegrityError{Artifact: ToolCallEvidenceV1, Err: ErrHashMismatch, Reason: "agreementHash does not match agreement"}
	case e.CallID != a.CallID:
		return validate.Fieldf("callId", "does not match agreement")
	case e.InputHash != a.InputHash:
		return &IntegrityError{Artifact: ToolCallEvidenceV1, Err: ErrHashMismatch, Reason: "inputHash does not match agreement"}
	}
	return nil
}
