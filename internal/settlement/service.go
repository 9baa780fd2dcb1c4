package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/nexus-settlement/internal/artifact"
	"github.com/jmerrifield20/nexus-settlement/internal/auditchain"
	"github.com/jmerrifield20/nexus-settlement/internal/bizerr"
	"github.com/jmerrifield20/nexus-settlement/internal/escrow"
	"github.com/jmerrifield20/nexus-settlement/internal/kernel"
	"github.com/jmerrifield20/nexus-settlement/internal/store"
	"github.com/jmerrifield20/nexus-settlement/internal/validate"
	"github.com/jmerrifield20/nexus-settlement/pkg/signature"
)

// now is swapped in tests.
var now = time.Now

// ErrKernelRejected is returned when the assembled settlement fails kernel
// verification. No funds move and nothing is persisted.
var ErrKernelRejected = errors.New("settlement rejected by kernel verification")

const auditActor = "settlement-service"

// Service drives run settlements from lock to resolution.
type Service struct {
	repo      Repository
	escrow    *escrow.Service
	audit     auditchain.Log
	artifacts store.Store
	signer    signature.Signer
	resolver  signature.KeyResolver
	notifier  Notifier
	logger    *zap.Logger

	// inflight serializes the mutations of one settlement so a dispute cannot
	// open between the resolution checks and the escrow movements.
	inflight keyedMutex
}

// Notifier receives lifecycle events once the settlement row is committed.
type Notifier interface {
	Dispatch(ctx context.Context, tenantID, eventType string, payload map[string]string)
}

// Notifiers fans an event out to several notifiers in order.
type Notifiers []Notifier

// Dispatch implements Notifier.
func (ns Notifiers) Dispatch(ctx context.Context, tenantID, eventType string, payload map[string]string) {
	for _, n := range ns {
		n.Dispatch(ctx, tenantID, eventType, payload)
	}
}

// Config wires a Service. Audit, Artifacts, Signer, Resolver and Notifier
// are optional.
type Config struct {
	Repository Repository
	Escrow     *escrow.Service
	Audit      auditchain.Log
	Artifacts  store.Store
	Signer     signature.Signer
	Resolver   signature.KeyResolver
	Notifier   Notifier
}

// NewService creates a Service.
func NewService(cfg Config, logger *zap.Logger) *Service {
	return &Service{
		repo:      cfg.Repository,
		escrow:    cfg.Escrow,
		audit:     cfg.Audit,
		artifacts: cfg.Artifacts,
		signer:    cfg.Signer,
		resolver:  cfg.Resolver,
		notifier:  cfg.Notifier,
		logger:    logger,
	}
}

// Operation ids derived from the settlement id make every escrow movement
// replay-safe across retries.
func holdOpID(sid string) string    { return sid + ":hold" }
func releaseOpID(sid string) string { return sid + ":release" }
func refundOpID(sid string) string  { return sid + ":refund" }

func (s *Service) lockSettlement(tenantID, settlementID string) func() {
	return s.inflight.lock(tenantID + "\x00" + settlementID)
}

// Lock escrows the run amount from the payer and records a locked
// settlement.
func (s *Service) Lock(ctx context.Context, p NewRunSettlementParams) (*RunSettlement, error) {
	st, err := NewRunSettlement(p)
	if err != nil {
		return nil, err
	}
	if _, err := s.escrow.Apply(ctx, escrow.Operation{
		TenantID:      st.TenantID,
		OperationID:   holdOpID(st.SettlementID),
		Type:          escrow.OpHold,
		PayerWalletID: st.PayerWalletID,
		AmountCents:   st.AmountCents,
		Currency:      st.Currency,
		Memo:          "lock run " + st.RunID,
	}); err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, st); err != nil {
		return nil, err
	}
	s.record(ctx, st, "settlement.locked", map[string]any{
		"runId":       st.RunID,
		"amountCents": st.AmountCents,
		"currency":    st.Currency,
	})
	s.logger.Info("settlement locked",
		zap.String("tenant_id", st.TenantID),
		zap.String("settlement_id", st.SettlementID),
		zap.Int64("amount_cents", st.AmountCents),
	)
	return st, nil
}

// Get loads a settlement.
func (s *Service) Get(ctx context.Context, tenantID, settlementID string) (*RunSettlement, error) {
	return s.repo.Get(ctx, tenantID, settlementID)
}

// List returns a tenant's most recent settlements.
func (s *Service) List(ctx context.Context, tenantID string, limit int) ([]*RunSettlement, error) {
	return s.repo.List(ctx, tenantID, limit)
}

// SettleRequest carries the verification outcome of a run.
type SettleRequest struct {
	TenantID           string
	SettlementID       string
	Policy             Policy
	Method             VerificationMethod
	VerificationStatus string
	RunStatus          string
	EvidenceHash       *string
	ProfileHash        *string
}

// SettleResult is the outcome of Settle or ResolveManually.
type SettleResult struct {
	Settlement *RunSettlement `json:"settlement"`
	Decision   Decision       `json:"decision"`
	Report     *kernel.Report `json:"kernelReport,omitempty"`
}

// Settle evaluates the policy. An auto-resolvable decision is executed at
// once; otherwise the settlement stays locked in manual review with a
// decision record explaining why.
func (s *Service) Settle(ctx context.Context, req SettleRequest) (*SettleResult, error) {
	defer s.lockSettlement(req.TenantID, req.SettlementID)()

	st, err := s.repo.Get(ctx, req.TenantID, req.SettlementID)
	if err != nil {
		return nil, err
	}
	if err := st.requireResolvable(); err != nil {
		return nil, err
	}
	d, err := Evaluate(req.Policy, req.Method, req.VerificationStatus, req.RunStatus, st.AmountCents)
	if err != nil {
		return nil, err
	}
	binding := recordBinding{
		PolicyHash:   d.PolicyHash,
		MethodHash:   d.VerificationMethodHash,
		ProfileHash:  req.ProfileHash,
		EvidenceHash: req.EvidenceHash,
	}

	if !d.ShouldAutoResolve {
		rec, err := s.buildRecord(st, d, artifact.DecisionManualReviewRequired, binding)
		if err != nil {
			return nil, err
		}
		next, err := st.UpdateDecision(DecisionUpdate{
			Status:         artifact.DecisionManualReviewRequired,
			Mode:           d.DecisionMode,
			Reason:         d.DecisionReason,
			ReasonCodes:    d.ReasonCodes,
			DecisionRecord: rec,
			At:             rec.DecidedAt,
		})
		if err != nil {
			return nil, err
		}
		if err := s.repo.Update(ctx, next, st.Revision); err != nil {
			return nil, err
		}
		s.persist(ctx, st, rec.DecisionID, rec.SchemaVersion, "decision:"+rec.DecisionStatus, rec)
		s.record(ctx, next, "settlement.manual_review_required", map[string]any{
			"decisionHash": rec.DecisionHash,
			"reasonCodes":  d.ReasonCodes,
		})
		s.logger.Info("settlement needs manual review",
			zap.String("settlement_id", st.SettlementID),
			zap.Strings("reason_codes", d.ReasonCodes),
		)
		return &SettleResult{Settlement: next, Decision: d}, nil
	}

	return s.execute(ctx, st, d, artifact.DecisionAutoResolved, binding)
}

// ManualResolution is a reviewer's decision on a settlement in manual review.
type ManualResolution struct {
	TenantID       string
	SettlementID   string
	ReleaseRatePct int
	Reason         string
	ReasonCodes    []string
}

// ResolveManually executes a reviewer's release rate. The verification
// outcome and policy binding are carried over from the review record.
func (s *Service) ResolveManually(ctx context.Context, m ManualResolution) (*SettleResult, error) {
	defer s.lockSettlement(m.TenantID, m.SettlementID)()

	st, err := s.repo.Get(ctx, m.TenantID, m.SettlementID)
	if err != nil {
		return nil, err
	}
	if err := st.requireResolvable(); err != nil {
		return nil, err
	}
	if st.DecisionStatus != artifact.DecisionManualReviewRequired || st.DecisionRecord == nil {
		return nil, bizerr.New(bizerr.DecisionTransitionInvalid,
			"settlement %s decision is %s, not in manual review", st.SettlementID, st.DecisionStatus)
	}
	if err := validate.Percent("releaseRatePct", m.ReleaseRatePct); err != nil {
		return nil, err
	}
	prev := st.DecisionRecord
	if prev.RunStatus == RunFailed && m.ReleaseRatePct > 0 {
		return nil, validate.Fieldf("releaseRatePct", "must be 0 for a failed run")
	}
	if err := validate.Cents("amountCents", st.AmountCents); err != nil {
		return nil, err
	}
	release := st.AmountCents * int64(m.ReleaseRatePct) / 100
	reason := strings.TrimSpace(m.Reason)
	d := Decision{
		VerificationStatus: prev.VerificationStatus,
		RunStatus:          prev.RunStatus,
		ReleaseRatePct:     m.ReleaseRatePct,
		AmountCents:        st.AmountCents,
		ReleaseAmountCents: release,
		RefundAmountCents:  st.AmountCents - release,
		DecisionMode:       ModeManualReview,
		ReasonCodes:        append([]string{}, m.ReasonCodes...),
	}
	if reason != "" {
		d.DecisionReason = &reason
	}
	binding := recordBinding{
		ProfileHash:  prev.ProfileHashUsed,
		EvidenceHash: prev.EvidenceHash,
	}
	if prev.PolicyHashUsed != nil {
		binding.PolicyHash = *prev.PolicyHashUsed
		d.PolicyHash = *prev.PolicyHashUsed
	}
	if prev.VerificationMethodHashUsed != nil {
		binding.MethodHash = *prev.VerificationMethodHashUsed
		d.VerificationMethodHash = *prev.VerificationMethodHashUsed
	}
	return s.execute(ctx, st, d, artifact.DecisionManualResolved, binding)
}

type recordBinding struct {
	PolicyHash   string
	MethodHash   string
	ProfileHash  *string
	EvidenceHash *string
}

func (s *Service) buildRecord(st *RunSettlement, d Decision, status string, b recordBinding) (*artifact.SettlementDecisionRecord, error) {
	at := validate.FormatTime(now())
	p := artifact.DecisionRecordParams{
		SchemaVersion:      artifact.SettlementDecisionRecordV2,
		TenantID:           st.TenantID,
		RunID:              st.RunID,
		SettlementID:       st.SettlementID,
		AgreementHash:      st.AgreementHash,
		EvidenceHash:       b.EvidenceHash,
		DecisionStatus:     status,
		DecisionMode:       d.DecisionMode,
		DecisionReason:     d.DecisionReason,
		VerificationStatus: d.VerificationStatus,
		RunStatus:          d.RunStatus,
		ReleaseRatePct:     d.ReleaseRatePct,
		AmountCents:        d.AmountCents,
		ReleaseAmountCents: d.ReleaseAmountCents,
		RefundAmountCents:  d.RefundAmountCents,
		Currency:           st.Currency,
		ReasonCodes:        d.ReasonCodes,
		DecidedAt:          at,
		ProfileHashUsed:    b.ProfileHash,
		Signer:             s.signer,
		SignedAt:           at,
	}
	if b.PolicyHash != "" {
		p.PolicyHashUsed = &b.PolicyHash
	}
	if b.MethodHash != "" {
		p.VerificationMethodHashUsed = &b.MethodHash
	}
	rec, err := artifact.BuildSettlementDecisionRecord(p)
	if err != nil {
		return nil, fmt.Errorf("build decision record: %w", err)
	}
	return rec, nil
}

// execute builds the decision record and receipt, resolves the settlement
// and has the kernel verify the result. Funds move only after all of that
// succeeds, and the row is stored last.
func (s *Service) execute(ctx context.Context, st *RunSettlement, d Decision, status string, b recordBinding) (*SettleResult, error) {
	if err := st.requireResolvable(); err != nil {
		return nil, err
	}

	var ops []escrow.Operation
	if d.ReleaseAmountCents > 0 {
		ops = append(ops, escrow.Operation{
			TenantID:      st.TenantID,
			OperationID:   releaseOpID(st.SettlementID),
			Type:          escrow.OpRelease,
			PayerWalletID: st.PayerWalletID,
			PayeeWalletID: st.PayeeWalletID,
			AmountCents:   d.ReleaseAmountCents,
			Currency:      st.Currency,
		})
	}
	if d.RefundAmountCents > 0 {
		ops = append(ops, escrow.Operation{
			TenantID:      st.TenantID,
			OperationID:   refundOpID(st.SettlementID),
			Type:          escrow.OpForfeit,
			PayerWalletID: st.PayerWalletID,
			AmountCents:   d.RefundAmountCents,
			Currency:      st.Currency,
		})
	}
	opIDs := make([]string, len(ops))
	for i, op := range ops {
		opIDs[i] = op.OperationID
	}

	rec, err := s.buildRecord(st, d, status, b)
	if err != nil {
		return nil, err
	}
	settledAt := validate.FormatTime(now())
	rcpt, err := artifact.BuildSettlementReceipt(artifact.ReceiptParams{
		Decision:            rec,
		ReleasedAmountCents: d.ReleaseAmountCents,
		RefundedAmountCents: d.RefundAmountCents,
		LedgerOperationIDs:  opIDs,
		SettledAt:           &settledAt,
		CreatedAt:           settledAt,
		Signer:              s.signer,
		SignedAt:            settledAt,
	})
	if err != nil {
		return nil, fmt.Errorf("build settlement receipt: %w", err)
	}

	next, err := st.UpdateDecision(DecisionUpdate{
		Status:         status,
		Mode:           d.DecisionMode,
		Reason:         d.DecisionReason,
		ReasonCodes:    d.ReasonCodes,
		DecisionRecord: rec,
		At:             rec.DecidedAt,
	})
	if err != nil {
		return nil, err
	}
	next, err = next.Resolve(ResolveParams{
		ReleasedAmountCents: d.ReleaseAmountCents,
		RefundedAmountCents: d.RefundAmountCents,
		ReleaseRatePct:      d.ReleaseRatePct,
		Receipt:             rcpt,
		ResolvedAt:          settledAt,
	})
	if err != nil {
		return nil, err
	}
	// Each mutator bumps the revision; the stored row still holds st's.
	next.Revision = st.Revision + 1

	report := kernel.VerifySettlement(ctx, next.KernelSubject(), kernel.Options{
		Resolver:          s.resolver,
		RequireSignatures: s.signer != nil && s.resolver != nil,
	})
	if !report.Valid {
		s.logger.Error("kernel rejected settlement",
			zap.String("settlement_id", st.SettlementID),
			zap.Strings("errors", report.Errors),
		)
		return &SettleResult{Settlement: next, Decision: d, Report: &report},
			fmt.Errorf("%w: %s", ErrKernelRejected, strings.Join(report.Errors, "; "))
	}

	// A failure part way through leaves earlier operations applied; they are
	// keyed by settlement id and replay when the same outcome is retried.
	for _, op := range ops {
		if _, err := s.escrow.Apply(ctx, op); err != nil {
			return nil, err
		}
	}

	if err := s.repo.Update(ctx, next, st.Revision); err != nil {
		return nil, err
	}
	s.persist(ctx, st, rec.DecisionID, rec.SchemaVersion, "decision:"+rec.DecisionStatus, rec)
	s.persist(ctx, st, rcpt.ReceiptID, rcpt.SchemaVersion, "receipt", rcpt)
	s.record(ctx, next, "settlement."+next.Status, map[string]any{
		"decisionHash":       rec.DecisionHash,
		"receiptHash":        rcpt.ReceiptHash,
		"releaseAmountCents": d.ReleaseAmountCents,
		"refundAmountCents":  d.RefundAmountCents,
	})
	s.logger.Info("settlement resolved",
		zap.String("tenant_id", st.TenantID),
		zap.String("settlement_id", st.SettlementID),
		zap.String("status", next.Status),
		zap.Int64("released_cents", d.ReleaseAmountCents),
		zap.Int64("refunded_cents", d.RefundAmountCents),
	)
	return &SettleResult{Settlement: next, Decision: d, Report: &report}, nil
}

// OpenDispute opens a dispute on a locked settlement. When an envelope is
// given it must be valid and signed by a resolvable key.
func (s *Service) OpenDispute(ctx context.Context, tenantID, settlementID string, env *artifact.DisputeOpenEnvelope) (*RunSettlement, error) {
	defer s.lockSettlement(tenantID, settlementID)()

	st, err := s.repo.Get(ctx, tenantID, settlementID)
	if err != nil {
		return nil, err
	}
	disputeID := "dsp_" + settlementID
	if env != nil {
		if err := artifact.VerifyDisputeOpenEnvelope(ctx, env, s.resolver); err != nil {
			return nil, err
		}
		if env.TenantID != tenantID {
			return nil, validate.Fieldf("envelope.tenantId", "does not match settlement tenant")
		}
		disputeID = env.EnvelopeID
	}
	next, err := st.OpenDispute(disputeID, "")
	if err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, next, st.Revision); err != nil {
		return nil, err
	}
	s.record(ctx, next, "settlement.dispute_opened", map[string]any{"disputeId": disputeID})
	return next, nil
}

// CloseDispute closes the open dispute of a settlement.
func (s *Service) CloseDispute(ctx context.Context, tenantID, settlementID, resolution string) (*RunSettlement, error) {
	defer s.lockSettlement(tenantID, settlementID)()

	st, err := s.repo.Get(ctx, tenantID, settlementID)
	if err != nil {
		return nil, err
	}
	next, err := st.CloseDispute(resolution, "")
	if err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, next, st.Revision); err != nil {
		return nil, err
	}
	s.record(ctx, next, "settlement.dispute_closed", map[string]any{"resolution": resolution})
	return next, nil
}

// Verify runs the kernel verifier over a stored settlement.
func (s *Service) Verify(ctx context.Context, tenantID, settlementID string, strict bool) (*kernel.Report, error) {
	st, err := s.repo.Get(ctx, tenantID, settlementID)
	if err != nil {
		return nil, err
	}
	r := kernel.VerifySettlement(ctx, st.KernelSubject(), kernel.Options{Strict: strict, Resolver: s.resolver})
	return &r, nil
}

// persist stores an artifact scoped to the settlement's run. The settlement
// row is authoritative, so a storage failure is logged and not returned.
func (s *Service) persist(ctx context.Context, st *RunSettlement, id, typ, source string, artifact any) {
	if s.artifacts == nil {
		return
	}
	job := st.RunID
	rec, err := store.NewRecord(store.NewRecordParams{
		ArtifactID:    id,
		TenantID:      st.TenantID,
		JobID:         &job,
		ArtifactType:  typ,
		SourceEventID: st.SettlementID + ":" + source,
		Artifact:      artifact,
		CreatedAt:     now(),
	})
	if err == nil {
		_, err = s.artifacts.Put(ctx, rec)
	}
	if err != nil {
		s.logger.Error("artifact persist failed",
			zap.String("settlement_id", st.SettlementID),
			zap.String("artifact_id", id),
			zap.Error(err),
		)
	}
}

// record appends action to the audit chain and notifies subscribers.
func (s *Service) record(ctx context.Context, st *RunSettlement, action string, data map[string]any) {
	if s.notifier != nil {
		s.notifier.Dispatch(ctx, st.TenantID, action, map[string]string{
			"settlementId":  st.SettlementID,
			"runId":         st.RunID,
			"status":        st.Status,
			"disputeStatus": st.DisputeStatus,
		})
	}
	if s.audit == nil {
		return
	}
	if _, err := s.audit.Append(ctx, auditchain.Event{
		TenantID: st.TenantID,
		Subject:  st.SettlementID,
		Action:   action,
		Actor:    auditActor,
		Data:     data,
	}); err != nil {
		s.logger.Error("audit append failed",
			zap.String("settlement_id", st.SettlementID),
			zap.String("action", action),
			zap.Error(err),
		)
	}
}
