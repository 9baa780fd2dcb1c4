// Package settlement turns a verification outcome into a release/refund
// decision and drives the run settlement through escrow, decision record,
// receipt and kernel verification.
package settlement

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/jmerrifield20/nexus-settlement/internal/validate"
	"github.com/jmerrifield20/nexus-settlement/pkg/canonical"
)

// Policy modes.
const (
	ModeAutomatic    = "automatic"
	ModeManualReview = "manual-review"
)

// Verification statuses and run outcomes.
const (
	StatusGreen = "green"
	StatusAmber = "amber"
	StatusRed   = "red"

	RunCompleted = "completed"
	RunFailed    = "failed"
)

// Verification method modes.
const (
	MethodDeterministic = "deterministic"
	MethodAttested      = "attested"
	MethodDiscretionary = "discretionary"
)

// Reason codes emitted by Evaluate.
const (
	ReasonManualReviewMode         = "POLICY_MANUAL_REVIEW_MODE"
	ReasonDeterministicRequired    = "DETERMINISTIC_VERIFICATION_REQUIRED"
	ReasonAutoReleaseCapExceeded   = "AMOUNT_EXCEEDS_AUTO_RELEASE_CAP"
	ReasonPricingMatrixMissing     = "PRICING_MATRIX_HASH_MISSING"
	ReasonPricingMatrixMismatch    = "PRICING_MATRIX_HASH_MISMATCH"
	ReasonMeteringReportMissing    = "METERING_REPORT_HASH_MISSING"
	ReasonMeteringReportMismatch   = "METERING_REPORT_HASH_MISMATCH"
	ReasonInvoiceClaimMissing      = "INVOICE_CLAIM_HASH_MISSING"
	ReasonInvoiceClaimMismatch     = "INVOICE_CLAIM_HASH_MISMATCH"
	ReasonAutoReleaseDisabledGreen = "AUTO_RELEASE_DISABLED_GREEN"
	ReasonAutoReleaseDisabledAmber = "AUTO_RELEASE_DISABLED_AMBER"
	ReasonAutoReleaseDisabledRed   = "AUTO_RELEASE_DISABLED_RED"
)

// EvidenceHashes binds metering and pricing evidence by hash. In a policy
// they are the expected values; in a verification method, the observed ones.
type EvidenceHashes struct {
	PricingMatrixHash  *string `json:"pricingMatrixHash,omitempty" validate:"omitempty,sha256hex"`
	MeteringReportHash *string `json:"meteringReportHash,omitempty" validate:"omitempty,sha256hex"`
	InvoiceClaimHash   *string `json:"invoiceClaimHash,omitempty" validate:"omitempty,sha256hex"`
}

// Rules are the per-status release settings of a policy.
type Rules struct {
	RequireDeterministicVerification bool    `json:"requireDeterministicVerification"`
	AutoReleaseOnGreen               bool    `json:"autoReleaseOnGreen"`
	AutoReleaseOnAmber               bool    `json:"autoReleaseOnAmber"`
	AutoReleaseOnRed                 bool    `json:"autoReleaseOnRed"`
	GreenReleaseRatePct              int     `json:"greenReleaseRatePct" validate:"gte=0,lte=100"`
	AmberReleaseRatePct              int     `json:"amberReleaseRatePct" validate:"gte=0,lte=100"`
	RedReleaseRatePct                int     `json:"redReleaseRatePct" validate:"gte=0,lte=100"`
	MaxAutoReleaseAmountCents        *int64  `json:"maxAutoReleaseAmountCents" validate:"omitempty,gte=0"`
	ManualReason                     *string `json:"manualReason" validate:"omitempty,max=500"`
}

// Policy is a settlement policy. It is a pure value.
type Policy struct {
	Mode             string         `json:"mode" validate:"required,oneof=automatic manual-review"`
	Rules            Rules          `json:"rules"`
	RequiredEvidence EvidenceHashes `json:"requiredEvidence"`
}

// VerificationMethod describes how a run's output was verified.
type VerificationMethod struct {
	Mode     string         `json:"mode" validate:"required,oneof=deterministic attested discretionary"`
	Source   *string        `json:"source,omitempty" validate:"omitempty,max=200"`
	Evidence EvidenceHashes `json:"evidence"`
}

// DefaultPolicy releases everything on green, half on amber and nothing on
// red, auto-resolving only green.
func DefaultPolicy() Policy {
	return Policy{
		Mode: ModeAutomatic,
		Rules: Rules{
			AutoReleaseOnGreen:  true,
			GreenReleaseRatePct: 100,
			AmberReleaseRatePct: 50,
			RedReleaseRatePct:   0,
		},
	}
}

// NormalizePolicy validates p and returns it with empty strings folded to
// nil so equal policies hash equally.
func NormalizePolicy(p Policy) (Policy, error) {
	p.Rules.ManualReason = nilIfEmpty(p.Rules.ManualReason)
	p.RequiredEvidence = normalizeEvidence(p.RequiredEvidence)
	if err := validate.Struct(p); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// NormalizeVerificationMethod is NormalizePolicy for methods.
func NormalizeVerificationMethod(m VerificationMethod) (VerificationMethod, error) {
	m.Source = nilIfEmpty(m.Source)
	m.Evidence = normalizeEvidence(m.Evidence)
	if err := validate.Struct(m); err != nil {
		return VerificationMethod{}, err
	}
	return m, nil
}

// ParsePolicy decodes JSON over DefaultPolicy, so absent keys keep their
// defaults, and rejects unknown fields.
func ParsePolicy(raw []byte) (Policy, error) {
	p := DefaultPolicy()
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return Policy{}, validate.Fieldf("policy", "%v", err)
	}
	return NormalizePolicy(p)
}

// PolicyHash is the canonical hash of the normalized policy.
func PolicyHash(p Policy) (string, error) {
	n, err := NormalizePolicy(p)
	if err != nil {
		return "", err
	}
	return canonical.HashHex(n)
}

// VerificationMethodHash is the canonical hash of the normalized method.
func VerificationMethodHash(m VerificationMethod) (string, error) {
	n, err := NormalizeVerificationMethod(m)
	if err != nil {
		return "", err
	}
	return canonical.HashHex(n)
}

func nilIfEmpty(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	return s
}

func normalizeEvidence(e EvidenceHashes) EvidenceHashes {
	return EvidenceHashes{
		PricingMatrixHash:  nilIfEmpty(e.PricingMatrixHash),
		MeteringReportHash: nilIfEmpty(e.MeteringReportHash),
		InvoiceClaimHash:   nilIfEmpty(e.InvoiceClaimHash),
	}
}

// Decision is the outcome of Evaluate.
type Decision struct {
	VerificationStatus     string   `json:"verificationStatus"`
	RunStatus              string   `json:"runStatus"`
	ReleaseRatePct         int      `json:"releaseRatePct"`
	AmountCents            int64    `json:"amountCents"`
	ReleaseAmountCents     int64    `json:"releaseAmountCents"`
	RefundAmountCents      int64    `json:"refundAmountCents"`
	ShouldAutoResolve      bool     `json:"shouldAutoResolve"`
	DecisionMode           string   `json:"decisionMode"`
	DecisionReason         *string  `json:"decisionReason"`
	ReasonCodes            []string `json:"reasonCodes"`
	PolicyHash             string   `json:"policyHash"`
	VerificationMethodHash string   `json:"verificationMethodHash"`
}

// Evaluate applies policy to a verification outcome. Every applicable reason
// code is collected; a failed run never releases funds; the release amount
// is floored so rounding never over-releases.
func Evaluate(policy Policy, method VerificationMethod, status, runStatus string, amountCents int64) (Decision, error) {
	p, err := NormalizePolicy(policy)
	if err != nil {
		return Decision{}, err
	}
	m, err := NormalizeVerificationMethod(method)
	if err != nil {
		return Decision{}, err
	}
	switch status {
	case StatusGreen, StatusAmber, StatusRed:
	default:
		return Decision{}, validate.Fieldf("verificationStatus", "must be one of green, amber, red")
	}
	switch runStatus {
	case RunCompleted, RunFailed:
	default:
		return Decision{}, validate.Fieldf("runStatus", "must be one of completed, failed")
	}
	if err := validate.Cents("amountCents", amountCents); err != nil {
		return Decision{}, err
	}

	var reasons reasonSet
	if p.Mode == ModeManualReview {
		reasons.add(ReasonManualReviewMode)
	}
	if p.Rules.RequireDeterministicVerification && m.Mode != MethodDeterministic {
		reasons.add(ReasonDeterministicRequired)
	}
	if limit := p.Rules.MaxAutoReleaseAmountCents; limit != nil && amountCents > *limit {
		reasons.add(ReasonAutoReleaseCapExceeded)
	}
	checkEvidence(&reasons, p.RequiredEvidence.PricingMatrixHash, m.Evidence.PricingMatrixHash,
		ReasonPricingMatrixMissing, ReasonPricingMatrixMismatch)
	checkEvidence(&reasons, p.RequiredEvidence.MeteringReportHash, m.Evidence.MeteringReportHash,
		ReasonMeteringReportMissing, ReasonMeteringReportMismatch)
	checkEvidence(&reasons, p.RequiredEvidence.InvoiceClaimHash, m.Evidence.InvoiceClaimHash,
		ReasonInvoiceClaimMissing, ReasonInvoiceClaimMismatch)

	var rate int
	switch status {
	case StatusGreen:
		rate = p.Rules.GreenReleaseRatePct
		if !p.Rules.AutoReleaseOnGreen {
			reasons.add(ReasonAutoReleaseDisabledGreen)
		}
	case StatusAmber:
		rate = p.Rules.AmberReleaseRatePct
		if !p.Rules.AutoReleaseOnAmber {
			reasons.add(ReasonAutoReleaseDisabledAmber)
		}
	case StatusRed:
		rate = p.Rules.RedReleaseRatePct
		if !p.Rules.AutoReleaseOnRed {
			reasons.add(ReasonAutoReleaseDisabledRed)
		}
	}
	if runStatus == RunFailed {
		rate = 0
	}

	release := amountCents * int64(rate) / 100
	auto := len(reasons.codes) == 0
	mode := ModeAutomatic
	if !auto {
		mode = ModeManualReview
	}

	policyHash, err := canonical.HashHex(p)
	if err != nil {
		return Decision{}, fmt.Errorf("hash policy: %w", err)
	}
	methodHash, err := canonical.HashHex(m)
	if err != nil {
		return Decision{}, fmt.Errorf("hash verification method: %w", err)
	}

	return Decision{
		VerificationStatus:     status,
		RunStatus:              runStatus,
		ReleaseRatePct:         rate,
		AmountCents:            amountCents,
		ReleaseAmountCents:     release,
		RefundAmountCents:      amountCents - release,
		ShouldAutoResolve:      auto,
		DecisionMode:           mode,
		DecisionReason:         p.Rules.ManualReason,
		ReasonCodes:            reasons.list(),
		PolicyHash:             policyHash,
		VerificationMethodHash: methodHash,
	}, nil
}

func checkEvidence(r *reasonSet, want, got *string, missing, mismatch string) {
	if want == nil {
		return
	}
	switch {
	case got == nil:
		r.add(missing)
	case *got != *want:
		r.add(mismatch)
	}
}

// reasonSet keeps first-seen order and drops duplicates.
type reasonSet struct {
	codes []string
	seen  map[string]bool
}

func (r *reasonSet) add(code string) {
	if r.seen == nil {
		r.seen = make(map[string]bool)
	}
	if r.seen[code] {
		return
	}
	r.seen[code] = true
	r.codes = append(r.codes, code)
}

func (r *reasonSet) list() []string {
	if r.codes == nil {
		return []string{}
	}
	return append([]string(nil), r.codes...)
}
