package artifact

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/jmerrifield20/nexus-settlement/internal/validate"
	"github.com/jmerrifield20/nexus-settlement/pkg/signature"
)

const (
	SettlementDecisionRecordV1 = "SettlementDecisionRecord.v1"
	SettlementDecisionRecordV2 = "SettlementDecisionRecord.v2"
	SettlementReceiptV1        = "SettlementReceipt.v1"

	// PolicyNormalizationV1 names the policy normalization applied before
	// hashing a policy into policyHashUsed.
	PolicyNormalizationV1 = "v1"
)

// Decision statuses.
const (
	DecisionAutoResolved         = "auto_resolved"
	DecisionManualReviewRequired = "manual_review_required"
	DecisionManualResolved       = "manual_resolved"
)

// SettlementDecisionRecord records the policy decision taken for a run's
// settlement. Version 2 additionally binds the exact policy, profile and
// verification method that produced the decision.
type SettlementDecisionRecord struct {
	SchemaVersion      string   `json:"schemaVersion"`
	DecisionID         string   `json:"decisionId" validate:"required,artifactid"`
	TenantID           string   `json:"tenantId" validate:"required,artifactid"`
	RunID              string   `json:"runId" validate:"required,artifactid"`
	SettlementID       string   `json:"settlementId" validate:"required,artifactid"`
	AgreementHash      *string  `json:"agreementHash" validate:"omitempty,sha256hex"`
	EvidenceHash       *string  `json:"evidenceHash" validate:"omitempty,sha256hex"`
	DecisionStatus     string   `json:"decisionStatus" validate:"required,oneof=auto_resolved manual_review_required manual_resolved"`
	DecisionMode       string   `json:"decisionMode" validate:"required,oneof=automatic manual-review"`
	DecisionReason     *string  `json:"decisionReason" validate:"omitempty,max=500"`
	VerificationStatus string   `json:"verificationStatus" validate:"required,oneof=green amber red"`
	RunStatus          string   `json:"runStatus" validate:"required,oneof=completed failed"`
	ReleaseRatePct     int      `json:"releaseRatePct" validate:"gte=0,lte=100"`
	AmountCents        int64    `json:"amountCents" validate:"gte=0"`
	ReleaseAmountCents int64    `json:"releaseAmountCents" validate:"gte=0"`
	RefundAmountCents  int64    `json:"refundAmountCents" validate:"gte=0"`
	Currency           string   `json:"currency" validate:"required,currency"`
	ReasonCodes        []string `json:"reasonCodes" validate:"dive,reasoncode"`
	DecidedAt          string   `json:"decidedAt" validate:"required,isodate"`

	PolicyNormalizationVersion *string `json:"policyNormalizationVersion,omitempty"`
	PolicyHashUsed             *string `json:"policyHashUsed,omitempty"`
	ProfileHashUsed            *string `json:"profileHashUsed,omitempty"`
	VerificationMethodHashUsed *string `json:"verificationMethodHashUsed,omitempty"`

	DecisionHash string     `json:"decisionHash" validate:"required,sha256hex"`
	ArtifactHash *string    `json:"artifactHash,omitempty"`
	Signature    *Signature `json:"signature,omitempty"`
}

// DecisionRecordParams are the inputs to BuildSettlementDecisionRecord.
// SchemaVersion selects v1 or v2; the v2-only fields must be left nil for v1.
type DecisionRecordParams struct {
	SchemaVersion      string
	DecisionID         string
	TenantID           string
	RunID              string
	SettlementID       string
	AgreementHash      *string
	EvidenceHash       *string
	DecisionStatus     string
	DecisionMode       string
	DecisionReason     *string
	VerificationStatus string
	RunStatus          string
	ReleaseRatePct     int
	AmountCents        int64
	ReleaseAmountCents int64
	RefundAmountCents  int64
	Currency           string
	ReasonCodes        []string
	DecidedAt          string

	PolicyNormalizationVersion *string
	PolicyHashUsed             *string
	ProfileHashUsed            *string
	VerificationMethodHashUsed *string

	Signer   signature.Signer
	SignedAt string
}

// SettlementDecisionRecordHash recomputes the decision hash.
func SettlementDecisionRecordHash(r *SettlementDecisionRecord) (string, error) {
	return hashExcluding(r, "decisionHash", "signature", "artifactHash")
}

// BuildSettlementDecisionRecord validates p and returns a hashed record.
func BuildSettlementDecisionRecord(p DecisionRecordParams) (*SettlementDecisionRecord, error) {
	version := p.SchemaVersion
	if version == "" {
		version = SettlementDecisionRecordV2
	}
	decisionID := p.DecisionID
	if decisionID == "" {
		decisionID = "dec_" + uuid.NewString()
	}
	decidedAt, err := stamp("decidedAt", p.DecidedAt)
	if err != nil {
		return nil, err
	}
	reasons := p.ReasonCodes
	if reasons == nil {
		reasons = []string{}
	}
	r := &SettlementDecisionRecord{
		SchemaVersion:              version,
		DecisionID:                 decisionID,
		TenantID:                   p.TenantID,
		RunID:                      p.RunID,
		SettlementID:               p.SettlementID,
		AgreementHash:              p.AgreementHash,
		EvidenceHash:               p.EvidenceHash,
		DecisionStatus:             p.DecisionStatus,
		DecisionMode:               p.DecisionMode,
		DecisionReason:             p.DecisionReason,
		VerificationStatus:         p.VerificationStatus,
		RunStatus:                  p.RunStatus,
		ReleaseRatePct:             p.ReleaseRatePct,
		AmountCents:                p.AmountCents,
		ReleaseAmountCents:         p.ReleaseAmountCents,
		RefundAmountCents:          p.RefundAmountCents,
		Currency:                   p.Currency,
		ReasonCodes:                reasons,
		DecidedAt:                  decidedAt,
		PolicyNormalizationVersion: p.PolicyNormalizationVersion,
		PolicyHashUsed:             p.PolicyHashUsed,
		ProfileHashUsed:            p.ProfileHashUsed,
		VerificationMethodHashUsed: p.VerificationMethodHashUsed,
	}
	if version == SettlementDecisionRecordV2 && r.PolicyNormalizationVersion == nil {
		r.PolicyNormalizationVersion = strPtr(PolicyNormalizationV1)
	}
	if err := checkDecisionShape(r); err != nil {
		return nil, err
	}
	if r.DecisionHash, err = SettlementDecisionRecordHash(r); err != nil {
		return nil, validate.Fieldf("decisionRecord", "not canonicalizable: %v", err)
	}
	if err := validate.Struct(r); err != nil {
		return nil, err
	}
	if r.Signature, err = sign(p.Signer, r.DecisionHash, p.SignedAt); err != nil {
		return nil, err
	}
	return r, nil
}

// checkDecisionShape enforces the per-version field set and the amount split.
// A record never changes version implicitly.
func checkDecisionShape(r *SettlementDecisionRecord) error {
	switch r.SchemaVersion {
	case SettlementDecisionRecordV1:
		if r.PolicyNormalizationVersion != nil || r.PolicyHashUsed != nil ||
			r.ProfileHashUsed != nil || r.VerificationMethodHashUsed != nil {
			return &IntegrityError{Artifact: SettlementDecisionRecordV1, Err: ErrSchemaVersion,
				Reason: "v1 record carries v2 policy binding fields"}
		}
	case SettlementDecisionRecordV2:
		if r.PolicyHashUsed == nil || !validate.IsHash(*r.PolicyHashUsed) {
			return &IntegrityError{Artifact: SettlementDecisionRecordV2, Err: ErrSchemaVersion,
				Reason: "v2 record requires a sha256 policyHashUsed"}
		}
		if r.PolicyNormalizationVersion == nil || *r.PolicyNormalizationVersion == "" {
			return &IntegrityError{Artifact: SettlementDecisionRecordV2, Err: ErrSchemaVersion,
				Reason: "v2 record requires policyNormalizationVersion"}
		}
		if r.ProfileHashUsed != nil && !validate.IsHash(*r.ProfileHashUsed) {
			return validate.Fieldf("profileHashUsed", "must be a 64-character lowercase hex sha256")
		}
		if r.VerificationMethodHashUsed != nil && !validate.IsHash(*r.VerificationMethodHashUsed) {
			return validate.Fieldf("verificationMethodHashUsed", "must be a 64-character lowercase hex sha256")
		}
	default:
		return &IntegrityError{Artifact: "SettlementDecisionRecord", Err: ErrSchemaVersion,
			Reason: fmt.Sprintf("unknown schemaVersion %q", r.SchemaVersion)}
	}
	if r.ReleaseAmountCents+r.RefundAmountCents != r.AmountCents {
		return validate.Fieldf("refundAmountCents", "release and refund must sum to amountCents")
	}
	return nil
}

// ValidateSettlementDecisionRecord checks fields, version shape and hash.
// Both v1 and v2 records are accepted; each is held to its own shape.
func ValidateSettlementDecisionRecord(r *SettlementDecisionRecord) error {
	if err := checkDecisionShape(r); err != nil {
		return err
	}
	if err := validate.Struct(r); err != nil {
		return err
	}
	h, err := SettlementDecisionRecordHash(r)
	if err != nil {
		return validate.Fieldf("decisionRecord", "not canonicalizable: %v", err)
	}
	return checkHash(r.SchemaVersion, r.DecisionHash, h)
}

// ValidateSettlementDecisionRecordVersion additionally pins the version.
func ValidateSettlementDecisionRecordVersion(r *SettlementDecisionRecord, want string) error {
	if err := checkSchema("SettlementDecisionRecord", r.SchemaVersion, want); err != nil {
		return err
	}
	return ValidateSettlementDecisionRecord(r)
}

// VerifySettlementDecisionRecordSignature validates r and checks its signature.
func VerifySettlementDecisionRecordSignature(ctx context.Context, r *SettlementDecisionRecord, resolver signature.KeyResolver) error {
	if err := ValidateSettlementDecisionRecord(r); err != nil {
		return err
	}
	return verifySignature(ctx, r.SchemaVersion, r.Signature, r.DecisionHash, resolver)
}

// Receipt statuses and finality states.
const (
	ReceiptReleased = "released"
	ReceiptRefunded = "refunded"

	FinalityPending = "pending"
	FinalityFinal   = "final"
)

// DecisionRef binds a receipt to the decision record it executes.
type DecisionRef struct {
	DecisionID   string `json:"decisionId" validate:"required,artifactid"`
	DecisionHash string `json:"decisionHash" validate:"required,sha256hex"`
}

// SettlementReceipt records the financial execution of a decision.
type SettlementReceipt struct {
	SchemaVersion       string      `json:"schemaVersion"`
	ReceiptID           string      `json:"receiptId" validate:"required,artifactid"`
	TenantID            string      `json:"tenantId" validate:"required,artifactid"`
	RunID               string      `json:"runId" validate:"required,artifactid"`
	SettlementID        string      `json:"settlementId" validate:"required,artifactid"`
	DecisionRef         DecisionRef `json:"decisionRef"`
	Status              string      `json:"status" validate:"required,oneof=released refunded"`
	AmountCents         int64       `json:"amountCents" validate:"gte=0"`
	ReleasedAmountCents int64       `json:"releasedAmountCents" validate:"gte=0"`
	RefundedAmountCents int64       `json:"refundedAmountCents" validate:"gte=0"`
	ReleaseRatePct      int         `json:"releaseRatePct" validate:"gte=0,lte=100"`
	Currency            string      `json:"currency" validate:"required,currency"`
	LedgerOperationIDs  []string    `json:"ledgerOperationIds" validate:"dive,artifactid"`
	FinalityProvider    string      `json:"finalityProvider" validate:"required,artifactid"`
	FinalityState       string      `json:"finalityState" validate:"required,oneof=pending final"`
	SettledAt           *string     `json:"settledAt" validate:"omitempty,isodate"`
	CreatedAt           string      `json:"createdAt" validate:"required,isodate"`
	ReceiptHash         string      `json:"receiptHash" validate:"required,sha256hex"`
	ArtifactHash        *string     `json:"artifactHash,omitempty"`
	Signature           *Signature  `json:"signature,omitempty"`
}

// ReceiptParams are the inputs to BuildSettlementReceipt.
type ReceiptParams struct {
	ReceiptID           string
	Decision            *SettlementDecisionRecord
	ReleasedAmountCents int64
	RefundedAmountCents int64
	LedgerOperationIDs  []string
	FinalityProvider    string
	FinalityState       string
	SettledAt           *string
	CreatedAt           string
	Signer              signature.Signer
	SignedAt            string
}

// SettlementReceiptHash recomputes the receipt hash.
func SettlementReceiptHash(r *SettlementReceipt) (string, error) {
	return hashExcluding(r, "receiptHash", "signature", "artifactHash")
}

// BuildSettlementReceipt builds a receipt bound to p.Decision.
func BuildSettlementReceipt(p ReceiptParams) (*SettlementReceipt, error) {
	if p.Decision == nil {
		return nil, validate.Fieldf("decision", "is required")
	}
	if err := ValidateSettlementDecisionRecord(p.Decision); err != nil {
		return nil, fmt.Errorf("decision: %w", err)
	}
	receiptID := p.ReceiptID
	if receiptID == "" {
		receiptID = "rcpt_" + uuid.NewString()
	}
	createdAt, err := stamp("createdAt", p.CreatedAt)
	if err != nil {
		return nil, err
	}
	settledAt, err := optionalStamp("settledAt", p.SettledAt)
	if err != nil {
		return nil, err
	}
	provider := p.FinalityProvider
	if provider == "" {
		provider = "internal_ledger"
	}
	finality := p.FinalityState
	if finality == "" {
		finality = FinalityFinal
		if settledAt == nil {
			finality = FinalityPending
		}
	}
	opIDs := p.LedgerOperationIDs
	if opIDs == nil {
		opIDs = []string{}
	}
	status := ReceiptRefunded
	if p.ReleasedAmountCents > 0 {
		status = ReceiptReleased
	}
	r := &SettlementReceipt{
		SchemaVersion:       SettlementReceiptV1,
		ReceiptID:           receiptID,
		TenantID:            p.Decision.TenantID,
		RunID:               p.Decision.RunID,
		SettlementID:        p.Decision.SettlementID,
		DecisionRef:         DecisionRef{DecisionID: p.Decision.DecisionID, DecisionHash: p.Decision.DecisionHash},
		Status:              status,
		AmountCents:         p.Decision.AmountCents,
		ReleasedAmountCents: p.ReleasedAmountCents,
		RefundedAmountCents: p.RefundedAmountCents,
		ReleaseRatePct:      p.Decision.ReleaseRatePct,
		Currency:            p.Decision.Currency,
		LedgerOperationIDs:  opIDs,
		FinalityProvider:    provider,
		FinalityState:       finality,
		SettledAt:           settledAt,
		CreatedAt:           createdAt,
	}
	if err := checkReceiptAmounts(r); err != nil {
		return nil, err
	}
	if r.ReceiptHash, err = SettlementReceiptHash(r); err != nil {
		return nil, validate.Fieldf("receipt", "not canonicalizable: %v", err)
	}
	if err := validate.Struct(r); err != nil {
		return nil, err
	}
	if r.Signature, err = sign(p.Signer, r.ReceiptHash, p.SignedAt); err != nil {
		return nil, err
	}
	return r, nil
}

func checkReceiptAmounts(r *SettlementReceipt) error {
	if r.ReleasedAmountCents+r.RefundedAmountCents != r.AmountCents {
		return validate.Fieldf("refundedAmountCents", "released and refunded must sum to amountCents")
	}
	return nil
}

// ValidateSettlementReceipt checks fields, schema version and hash.
func ValidateSettlementReceipt(r *SettlementReceipt) error {
	if err := checkSchema(SettlementReceiptV1, r.SchemaVersion, SettlementReceiptV1); err != nil {
		return err
	}
	if err := validate.Struct(r); err != nil {
		return err
	}
	if err := checkReceiptAmounts(r); err != nil {
		return err
	}
	h, err := SettlementReceiptHash(r)
	if err != nil {
		return validate.Fieldf("receipt", "not canonicalizable: %v", err)
	}
	return checkHash(SettlementReceiptV1, r.ReceiptHash, h)
}

// VerifySettlementReceiptSignature validates r and checks its signature.
func VerifySettlementReceiptSignature(ctx context.Context, r *SettlementReceipt, resolver signature.KeyResolver) error {
	if err := ValidateSettlementReceipt(r); err != nil {
		return err
	}
	return verifySignature(ctx, SettlementReceiptV1, r.Signature, r.ReceiptHash, resolver)
}

// WithArtifactHash returns a copy of r carrying the storage-only artifact
// hash. The decision hash is unaffected.
func (r *SettlementDecisionRecord) WithArtifactHash(h string) *SettlementDecisionRecord {
	cp := *r
	cp.ArtifactHash = &h
	return &cp
}

// WithArtifactHash returns a copy of r carrying the storage-only artifact
// hash. The receipt hash is unaffected.
func (r *SettlementReceipt) WithArtifactHash(h string) *SettlementReceipt {
	cp := *r
	cp.ArtifactHash = &h
	return &cp
}
