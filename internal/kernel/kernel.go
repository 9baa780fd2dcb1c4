// Package kernel cross-checks the artifacts that make up a settlement. Unlike
// the artifact validators it never stops at the first defect: every check
// runs and the outcome is an accumulating Report.
package kernel

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmerrifield20/nexus-settlement/internal/artifact"
	"github.com/jmerrifield20/nexus-settlement/internal/metrics"
	"github.com/jmerrifield20/nexus-settlement/internal/validate"
	"github.com/jmerrifield20/nexus-settlement/pkg/signature"
)

// Check is the outcome of one named verification step.
type Check struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// Report collects every check, warning and error of a verification run.
type Report struct {
	Valid    bool     `json:"valid"`
	Checks   []Check  `json:"checks"`
	Warnings []string `json:"warnings"`
	Errors   []string `json:"errors"`
}

// Options tune a verification run.
type Options struct {
	// Strict promotes every warning to an error.
	Strict bool
	// Resolver enables signature checks. Without it signatures are not
	// verified and a warning says so.
	Resolver signature.KeyResolver
	// RequireSignatures makes an unsigned artifact an error.
	RequireSignatures bool
}

// Totals are the settlement's own amounts, checked against the receipt when
// present.
type Totals struct {
	AmountCents         int64  `json:"amountCents"`
	ReleasedAmountCents int64  `json:"releasedAmountCents"`
	RefundedAmountCents int64  `json:"refundedAmountCents"`
	Currency            string `json:"currency"`
}

// Subject is a settlement with its embedded decision record and receipt.
type Subject struct {
	RunID          string                             `json:"runId"`
	SettlementID   string                             `json:"settlementId"`
	Totals         *Totals                            `json:"totals,omitempty"`
	DecisionRecord *artifact.SettlementDecisionRecord `json:"decisionRecord"`
	Receipt        *artifact.SettlementReceipt        `json:"settlementReceipt"`
}

type reporter struct {
	r      Report
	strict bool
}

func newReporter(strict bool) *reporter {
	return &reporter{r: Report{Checks: []Check{}, Warnings: []string{}, Errors: []string{}}, strict: strict}
}

func (p *reporter) pass(name string) {
	p.r.Checks = append(p.r.Checks, Check{Name: name, OK: true})
}

func (p *reporter) fail(name, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	p.r.Checks = append(p.r.Checks, Check{Name: name, OK: false, Detail: msg})
	p.r.Errors = append(p.r.Errors, name+": "+msg)
}

func (p *reporter) check(name string, ok bool, format string, args ...any) {
	if ok {
		p.pass(name)
		return
	}
	p.fail(name, format, args...)
}

func (p *reporter) warn(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if p.strict {
		p.r.Errors = append(p.r.Errors, "strict: "+msg)
		return
	}
	p.r.Warnings = append(p.r.Warnings, msg)
}

func (p *reporter) done() Report {
	p.r.Valid = len(p.r.Errors) == 0
	metrics.RecordKernelVerification(p.r.Valid)
	return p.r
}

// VerifySettlement re-derives both artifact hashes and checks every binding
// between the settlement, its decision record and its receipt.
func VerifySettlement(ctx context.Context, s Subject, opts Options) Report {
	p := newReporter(opts.Strict)
	rec, rcpt := s.DecisionRecord, s.Receipt

	p.check("decision_record_present", rec != nil, "settlement has no decision record")
	p.check("settlement_receipt_present", rcpt != nil, "settlement has no receipt")

	if rec != nil {
		err := artifact.ValidateSettlementDecisionRecord(rec)
		p.check("decision_record_hash_valid", err == nil, "%v", err)

		p.check("decision_record_run_binding", rec.RunID == s.RunID,
			"decision record runId %q, settlement runId %q", rec.RunID, s.RunID)
		p.check("decision_record_settlement_binding", rec.SettlementID == s.SettlementID,
			"decision record settlementId %q, settlement %q", rec.SettlementID, s.SettlementID)

		switch rec.SchemaVersion {
		case artifact.SettlementDecisionRecordV2:
			ok := rec.PolicyHashUsed != nil && validate.IsHash(*rec.PolicyHashUsed)
			p.check("decision_record_policy_hash", ok, "v2 decision record requires a valid policyHashUsed")
		case artifact.SettlementDecisionRecordV1:
			p.warn("decision record %s uses legacy schema %s without a policy binding", rec.DecisionID, rec.SchemaVersion)
		}
		checkSignature(ctx, p, opts, "decision_record_signature", rec.SchemaVersion, rec.DecisionHash, rec.Signature)
	}

	if rcpt != nil {
		verifyReceipt(ctx, p, rcpt, opts)

		p.check("settlement_receipt_run_binding", rcpt.RunID == s.RunID,
			"receipt runId %q, settlement runId %q", rcpt.RunID, s.RunID)
		p.check("settlement_receipt_settlement_binding", rcpt.SettlementID == s.SettlementID,
			"receipt settlementId %q, settlement %q", rcpt.SettlementID, s.SettlementID)

		if s.Totals != nil {
			t := s.Totals
			ok := rcpt.AmountCents == t.AmountCents && rcpt.ReleasedAmountCents == t.ReleasedAmountCents &&
				rcpt.RefundedAmountCents == t.RefundedAmountCents && rcpt.Currency == t.Currency
			p.check("settlement_receipt_totals", ok,
				"receipt %d/%d/%d %s, settlement %d/%d/%d %s",
				rcpt.AmountCents, rcpt.ReleasedAmountCents, rcpt.RefundedAmountCents, rcpt.Currency,
				t.AmountCents, t.ReleasedAmountCents, t.RefundedAmountCents, t.Currency)
		}
	}

	if rec != nil && rcpt != nil {
		p.check("receipt_decision_ref_id", rcpt.DecisionRef.DecisionID == rec.DecisionID,
			"receipt references decision %q, record is %q", rcpt.DecisionRef.DecisionID, rec.DecisionID)
		p.check("receipt_decision_ref_hash", rcpt.DecisionRef.DecisionHash == rec.DecisionHash,
			"receipt references hash %s, record hash is %s", rcpt.DecisionRef.DecisionHash, rec.DecisionHash)

		ok := rcpt.ReleasedAmountCents == rec.ReleaseAmountCents && rcpt.RefundedAmountCents == rec.RefundAmountCents &&
			rcpt.Currency == rec.Currency
		p.check("receipt_amounts_match_decision", ok,
			"receipt released/refunded %d/%d %s, decision %d/%d %s",
			rcpt.ReleasedAmountCents, rcpt.RefundedAmountCents, rcpt.Currency,
			rec.ReleaseAmountCents, rec.RefundAmountCents, rec.Currency)

		if decided, err := validate.ParseISODate(rec.DecidedAt); err == nil {
			if created, err := validate.ParseISODate(rcpt.CreatedAt); err == nil {
				p.check("receipt_created_after_decision", !created.Before(decided),
					"receipt createdAt %s precedes decidedAt %s", rcpt.CreatedAt, rec.DecidedAt)
			}
			if rcpt.SettledAt != nil {
				if settled, err := validate.ParseISODate(*rcpt.SettledAt); err == nil {
					p.check("receipt_settled_after_decision", !settled.Before(decided),
						"receipt settledAt %s precedes decidedAt %s", *rcpt.SettledAt, rec.DecidedAt)
				}
			}
		}
	}
	return p.done()
}

// VerifyReceipt checks a receipt on its own: hash, signature, timestamps
// and finality.
func VerifyReceipt(ctx context.Context, r *artifact.SettlementReceipt, opts Options) Report {
	p := newReporter(opts.Strict)
	if r == nil {
		p.fail("settlement_receipt_present", "receipt is required")
		return p.done()
	}
	p.pass("settlement_receipt_present")
	verifyReceipt(ctx, p, r, opts)
	return p.done()
}

func verifyReceipt(ctx context.Context, p *reporter, r *artifact.SettlementReceipt, opts Options) {
	err := artifact.ValidateSettlementReceipt(r)
	p.check("settlement_receipt_hash_valid", err == nil, "%v", err)

	if r.SettledAt != nil {
		created, cErr := validate.ParseISODate(r.CreatedAt)
		settled, sErr := validate.ParseISODate(*r.SettledAt)
		if cErr == nil && sErr == nil {
			p.check("receipt_settled_after_created", !settled.Before(created),
				"receipt settledAt %s precedes createdAt %s", *r.SettledAt, r.CreatedAt)
		}
	}
	if r.FinalityState != artifact.FinalityFinal {
		p.warn("receipt %s finality is %s", r.ReceiptID, r.FinalityState)
	}
	checkSignature(ctx, p, opts, "settlement_receipt_signature", r.SchemaVersion, r.ReceiptHash, r.Signature)
}

// checkSignature verifies sig over the stored hash. A stale hash is the
// hash check's failure, not this one's.
func checkSignature(ctx context.Context, p *reporter, opts Options, name, artifactType, hash string, sig *artifact.Signature) {
	if sig == nil {
		if opts.RequireSignatures {
			p.fail(name, "%s is unsigned", artifactType)
		} else {
			p.warn("%s is unsigned", artifactType)
		}
		return
	}
	if opts.Resolver == nil {
		if opts.RequireSignatures {
			p.fail(name, "%s signature by %s cannot be verified without a key resolver", artifactType, sig.SignerKeyID)
		} else {
			p.warn("%s signature by %s not verified: no key resolver", artifactType, sig.SignerKeyID)
		}
		return
	}
	err := signature.Verify(ctx, opts.Resolver, sig.SignerKeyID, hash, sig.SignatureBase64)
	switch {
	case err == nil:
		p.pass(name)
	case errors.Is(err, signature.ErrUnknownKey):
		p.fail(name, "%s signed by unknown key %s", artifactType, sig.SignerKeyID)
	default:
		p.fail(name, "%s: %v", artifactType, err)
	}
}
