package artifact

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"

	"github.com/jmerrifield20/nexus-settlement/internal/validate"
	"github.com/jmerrifield20/nexus-settlement/pkg/signature"
)

const DisputeOpenEnvelopeV1 = "DisputeOpenEnvelope.v1"

// DisputeOpenEnvelope is the signed request by which a party opens a dispute
// over a settled or held payment. It must always be signed.
type DisputeOpenEnvelope struct {
	ArtifactType    string     `json:"artifactType"`
	ArtifactID      string     `json:"artifactId" validate:"required,artifactid"`
	EnvelopeID      string     `json:"envelopeId" validate:"required,artifactid"`
	CaseID          string     `json:"caseId" validate:"required,artifactid"`
	TenantID        string     `json:"tenantId" validate:"required,artifactid"`
	AgreementHash   string     `json:"agreementHash" validate:"required,sha256hex"`
	ReceiptHash     string     `json:"receiptHash" validate:"required,sha256hex"`
	HoldHash        string     `json:"holdHash" validate:"required,sha256hex"`
	OpenedByAgentID string     `json:"openedByAgentId" validate:"required,artifactid"`
	OpenedAt        string     `json:"openedAt" validate:"required,isodate"`
	ReasonCode      string     `json:"reasonCode" validate:"required,reasoncode"`
	Nonce           string     `json:"nonce" validate:"required,artifactid"`
	SignerKeyID     string     `json:"signerKeyId" validate:"required,artifactid"`
	EnvelopeHash    string     `json:"envelopeHash" validate:"required,sha256hex"`
	Signature       *Signature `json:"signature,omitempty"`
}

// DisputeOpenParams are the inputs to BuildDisputeOpenEnvelope. Signer is
// required.
type DisputeOpenParams struct {
	EnvelopeID      string
	CaseID          string
	TenantID        string
	AgreementHash   string
	ReceiptHash     string
	HoldHash        string
	OpenedByAgentID string
	OpenedAt        string
	ReasonCode      string
	Nonce           string
	Signer          signature.Signer
}

// DisputeOpenEnvelopeHash recomputes the envelope hash.
func DisputeOpenEnvelopeHash(e *DisputeOpenEnvelope) (string, error) {
	return hashExcluding(e, "envelopeHash", "signature")
}

// BuildDisputeOpenEnvelope validates p and returns a signed envelope.
func BuildDisputeOpenEnvelope(p DisputeOpenParams) (*DisputeOpenEnvelope, error) {
	if p.Signer == nil {
		return nil, validate.Fieldf("signer", "is required")
	}
	id := p.EnvelopeID
	if id == "" {
		id = "dopen_" + uuid.NewString()
	}
	nonce := p.Nonce
	if nonce == "" {
		buf := make([]byte, 16)
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("generate nonce: %w", err)
		}
		nonce = hex.EncodeToString(buf)
	}
	openedAt, err := stamp("openedAt", p.OpenedAt)
	if err != nil {
		return nil, err
	}
	e := &DisputeOpenEnvelope{
		ArtifactType:    DisputeOpenEnvelopeV1,
		ArtifactID:      id,
		EnvelopeID:      id,
		CaseID:          p.CaseID,
		TenantID:        p.TenantID,
		AgreementHash:   p.AgreementHash,
		ReceiptHash:     p.ReceiptHash,
		HoldHash:        p.HoldHash,
		OpenedByAgentID: p.OpenedByAgentID,
		OpenedAt:        openedAt,
		ReasonCode:      p.ReasonCode,
		Nonce:           nonce,
		SignerKeyID:     p.Signer.KeyID(),
	}
	if e.EnvelopeHash, err = DisputeOpenEnvelopeHash(e); err != nil {
		return nil, validate.Fieldf("envelope", "not canonicalizable: %v", err)
	}
	if err := validate.Struct(e); err != nil {
		return nil, err
	}
	if e.Signature, err = sign(p.Signer, e.EnvelopeHash, openedAt); err != nil {
		return nil, err
	}
	return e, nil
}

// ValidateDisputeOpenEnvelope checks fields, type tag and hash.
func ValidateDisputeOpenEnvelope(e *DisputeOpenEnvelope) error {
	if err := checkSchema(DisputeOpenEnvelopeV1, e.ArtifactType, DisputeOpenEnvelopeV1); err != nil {
		return err
	}
	if err := validate.Struct(e); err != nil {
		return err
	}
	if e.ArtifactID != e.EnvelopeID {
		return validate.Fieldf("artifactId", "must equal envelopeId")
	}
	h, err := DisputeOpenEnvelopeHash(e)
	if err != nil {
		return validate.Fieldf("envelope", "not canonicalizable: %v", err)
	}
	return checkHash(DisputeOpenEnvelopeV1, e.EnvelopeHash, h)
}

// VerifyDisputeOpenEnvelope validates e and checks that it is signed by the
// key it declares.
func VerifyDisputeOpenEnvelope(ctx context.Context, e *DisputeOpenEnvelope, resolver signature.KeyResolver) error {
	if err := ValidateDisputeOpenEnvelope(e); err != nil {
		return err
	}
	if e.Signature != nil && e.Signature.SignerKeyID != e.SignerKeyID {
		return &IntegrityError{Artifact: DisputeOpenEnvelopeV1, Err: ErrSignatureInvalid,
			Reason: "signature key id differs from declared signerKeyId"}
	}
	return verifySignature(ctx, DisputeOpenEnvelopeV1, e.Signature, e.EnvelopeHash, resolver)
}
