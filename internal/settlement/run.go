package settlement

import (
	"github.com/google/uuid"

	"github.com/jmerrifield20/nexus-settlement/internal/artifact"
	"github.com/jmerrifield20/nexus-settlement/internal/bizerr"
	"github.com/jmerrifield20/nexus-settlement/internal/kernel"
	"github.com/jmerrifield20/nexus-settlement/internal/validate"
)

// RunSettlementV1 is the schema tag of RunSettlement.
const RunSettlementV1 = "AgentRunSettlement.v1"

// Settlement statuses. locked is the only non-terminal one.
const (
	StatusLocked   = "locked"
	StatusReleased = "released"
	StatusRefunded = "refunded"
)

// Dispute sub-states.
const (
	DisputeNone   = "none"
	DisputeOpen   = "open"
	DisputeClosed = "closed"
)

// DecisionPending is the decision sub-state before any policy has run. The
// other states are the artifact.Decision* constants.
const DecisionPending = "pending"

// RunSettlement is the escrowed payment of one agent run. Every mutator
// returns an updated copy with Revision incremented; the receiver is never
// modified.
type RunSettlement struct {
	SchemaVersion       string  `json:"schemaVersion"`
	SettlementID        string  `json:"settlementId" validate:"required,artifactid"`
	TenantID            string  `json:"tenantId" validate:"required,artifactid"`
	RunID               string  `json:"runId" validate:"required,artifactid"`
	PayerWalletID       string  `json:"payerWalletId" validate:"required,artifactid"`
	PayeeWalletID       string  `json:"payeeWalletId" validate:"required,artifactid,nefield=PayerWalletID"`
	AgreementHash       *string `json:"agreementHash" validate:"omitempty,sha256hex"`
	AmountCents         int64   `json:"amountCents" validate:"gt=0,cents"`
	Currency            string  `json:"currency" validate:"required,currency"`
	Status              string  `json:"status"`
	ReleasedAmountCents int64   `json:"releasedAmountCents"`
	RefundedAmountCents int64   `json:"refundedAmountCents"`
	ReleaseRatePct      int     `json:"releaseRatePct"`

	DisputeStatus     string  `json:"disputeStatus"`
	DisputeID         *string `json:"disputeId"`
	DisputeOpenedAt   *string `json:"disputeOpenedAt"`
	DisputeClosedAt   *string `json:"disputeClosedAt"`
	DisputeResolution *string `json:"disputeResolution"`

	DecisionStatus string   `json:"decisionStatus"`
	DecisionMode   *string  `json:"decisionMode"`
	DecisionReason *string  `json:"decisionReason"`
	ReasonCodes    []string `json:"reasonCodes"`

	DecisionRecord    *artifact.SettlementDecisionRecord `json:"decisionRecord"`
	SettlementReceipt *artifact.SettlementReceipt        `json:"settlementReceipt"`

	LockedAt   string  `json:"lockedAt"`
	ResolvedAt *string `json:"resolvedAt"`
	UpdatedAt  string  `json:"updatedAt"`
	Revision   int64   `json:"revision"`
}

// NewRunSettlementParams are the inputs to NewRunSettlement.
type NewRunSettlementParams struct {
	SettlementID  string
	TenantID      string
	RunID         string
	PayerWalletID string
	PayeeWalletID string
	AgreementHash *string
	AmountCents   int64
	Currency      string
	LockedAt      string
}

// NewRunSettlement returns a locked settlement with no decision and no
// dispute.
func NewRunSettlement(p NewRunSettlementParams) (*RunSettlement, error) {
	id := p.SettlementID
	if id == "" {
		id = "stl_" + uuid.NewString()
	}
	lockedAt, err := at("lockedAt", p.LockedAt)
	if err != nil {
		return nil, err
	}
	s := &RunSettlement{
		SchemaVersion:  RunSettlementV1,
		SettlementID:   id,
		TenantID:       p.TenantID,
		RunID:          p.RunID,
		PayerWalletID:  p.PayerWalletID,
		PayeeWalletID:  p.PayeeWalletID,
		AgreementHash:  p.AgreementHash,
		AmountCents:    p.AmountCents,
		Currency:       p.Currency,
		Status:         StatusLocked,
		DisputeStatus:  DisputeNone,
		DecisionStatus: DecisionPending,
		ReasonCodes:    []string{},
		LockedAt:       lockedAt,
		UpdatedAt:      lockedAt,
	}
	if err := validate.Struct(s); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *RunSettlement) next(updatedAt string) *RunSettlement {
	cp := *s
	cp.ReasonCodes = append([]string(nil), s.ReasonCodes...)
	cp.Revision++
	cp.UpdatedAt = updatedAt
	return &cp
}

func (s *RunSettlement) requireLocked() error {
	if s.Status != StatusLocked {
		return bizerr.New(bizerr.SettlementAlreadyResolved, "settlement %s is %s", s.SettlementID, s.Status)
	}
	return nil
}

// requireResolvable refuses settlements that are resolved or under dispute.
func (s *RunSettlement) requireResolvable() error {
	if err := s.requireLocked(); err != nil {
		return err
	}
	if s.DisputeStatus == DisputeOpen {
		return bizerr.New(bizerr.SettlementDisputeOpen, "settlement %s has an open dispute", s.SettlementID)
	}
	return nil
}

// ResolveParams are the inputs to Resolve.
type ResolveParams struct {
	ReleasedAmountCents int64
	RefundedAmountCents int64
	ReleaseRatePct      int
	DecisionRecord      *artifact.SettlementDecisionRecord
	Receipt             *artifact.SettlementReceipt
	ResolvedAt          string
}

// Resolve moves a locked settlement to released (any amount released) or
// refunded. It is one-way and refused while a dispute is open.
func (s *RunSettlement) Resolve(p ResolveParams) (*RunSettlement, error) {
	if err := s.requireResolvable(); err != nil {
		return nil, err
	}
	if err := validate.Cents("releasedAmountCents", p.ReleasedAmountCents); err != nil {
		return nil, err
	}
	if err := validate.Cents("refundedAmountCents", p.RefundedAmountCents); err != nil {
		return nil, err
	}
	if err := validate.Percent("releaseRatePct", p.ReleaseRatePct); err != nil {
		return nil, err
	}
	if p.ReleasedAmountCents+p.RefundedAmountCents != s.AmountCents {
		return nil, bizerr.New(bizerr.SettlementAmountMismatch,
			"released %d + refunded %d != amount %d", p.ReleasedAmountCents, p.RefundedAmountCents, s.AmountCents)
	}
	resolvedAt, err := at("resolvedAt", p.ResolvedAt)
	if err != nil {
		return nil, err
	}
	out := s.next(resolvedAt)
	out.Status = StatusRefunded
	if p.ReleasedAmountCents > 0 {
		out.Status = StatusReleased
	}
	out.ReleasedAmountCents = p.ReleasedAmountCents
	out.RefundedAmountCents = p.RefundedAmountCents
	out.ReleaseRatePct = p.ReleaseRatePct
	out.ResolvedAt = &resolvedAt
	if p.DecisionRecord != nil {
		out.DecisionRecord = p.DecisionRecord
	}
	if p.Receipt != nil {
		out.SettlementReceipt = p.Receipt
	}
	return out, nil
}

// DecisionUpdate is the input to UpdateDecision.
type DecisionUpdate struct {
	Status         string
	Mode           string
	Reason         *string
	ReasonCodes    []string
	DecisionRecord *artifact.SettlementDecisionRecord
	At             string
}

var decisionTransitions = map[string][]string{
	DecisionPending:                       {artifact.DecisionAutoResolved, artifact.DecisionManualReviewRequired},
	artifact.DecisionManualReviewRequired: {artifact.DecisionManualResolved},
}

// UpdateDecision advances the decision sub-state of a locked settlement.
func (s *RunSettlement) UpdateDecision(u DecisionUpdate) (*RunSettlement, error) {
	if err := s.requireLocked(); err != nil {
		return nil, err
	}
	allowed := false
	for _, to := range decisionTransitions[s.DecisionStatus] {
		if to == u.Status {
			allowed = true
		}
	}
	if !allowed {
		return nil, bizerr.New(bizerr.DecisionTransitionInvalid,
			"decision cannot move from %s to %s", s.DecisionStatus, u.Status)
	}
	if u.Mode != ModeAutomatic && u.Mode != ModeManualReview {
		return nil, validate.Fieldf("decisionMode", "must be one of automatic, manual-review")
	}
	for _, c := range u.ReasonCodes {
		if !validate.IsReasonCode(c) {
			return nil, validate.Fieldf("reasonCodes", "invalid reason code %q", c)
		}
	}
	updatedAt, err := at("updatedAt", u.At)
	if err != nil {
		return nil, err
	}
	out := s.next(updatedAt)
	out.DecisionStatus = u.Status
	mode := u.Mode
	out.DecisionMode = &mode
	out.DecisionReason = u.Reason
	out.ReasonCodes = append([]string{}, u.ReasonCodes...)
	if u.DecisionRecord != nil {
		out.DecisionRecord = u.DecisionRecord
	}
	return out, nil
}

// OpenDispute opens the single dispute a locked settlement may carry.
func (s *RunSettlement) OpenDispute(disputeID, openedAt string) (*RunSettlement, error) {
	if err := s.requireLocked(); err != nil {
		return nil, err
	}
	if err := validate.ID("disputeId", disputeID); err != nil {
		return nil, err
	}
	if s.DisputeStatus != DisputeNone {
		return nil, bizerr.New(bizerr.DisputeAlreadyOpen, "settlement %s dispute is %s", s.SettlementID, s.DisputeStatus)
	}
	ts, err := at("openedAt", openedAt)
	if err != nil {
		return nil, err
	}
	out := s.next(ts)
	out.DisputeStatus = DisputeOpen
	out.DisputeID = &disputeID
	out.DisputeOpenedAt = &ts
	return out, nil
}

// CloseDispute closes the open dispute with a resolution note.
func (s *RunSettlement) CloseDispute(resolution, closedAt string) (*RunSettlement, error) {
	if err := s.requireLocked(); err != nil {
		return nil, err
	}
	if s.DisputeStatus != DisputeOpen {
		return nil, bizerr.New(bizerr.DisputeNotOpen, "settlement %s dispute is %s", s.SettlementID, s.DisputeStatus)
	}
	if resolution == "" || len(resolution) > 500 {
		return nil, validate.Fieldf("resolution", "must be 1 to 500 characters")
	}
	ts, err := at("closedAt", closedAt)
	if err != nil {
		return nil, err
	}
	out := s.next(ts)
	out.DisputeStatus = DisputeClosed
	out.DisputeResolution = &resolution
	out.DisputeClosedAt = &ts
	return out, nil
}

// KernelSubject is the view of s the kernel verifier checks.
func (s *RunSettlement) KernelSubject() kernel.Subject {
	sub := kernel.Subject{
		RunID:          s.RunID,
		SettlementID:   s.SettlementID,
		DecisionRecord: s.DecisionRecord,
		Receipt:        s.SettlementReceipt,
	}
	if s.Status != StatusLocked {
		sub.Totals = &kernel.Totals{
			AmountCents:         s.AmountCents,
			ReleasedAmountCents: s.ReleasedAmountCents,
			RefundedAmountCents: s.RefundedAmountCents,
			Currency:            s.Currency,
		}
	}
	return sub
}

func at(field, s string) (string, error) {
	if s == "" {
		return validate.FormatTime(now()), nil
	}
	return validate.NormalizeISODate(field, s)
}
