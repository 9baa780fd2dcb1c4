// Package delegation decides whether a delegation grant authorizes an action
// at a given moment.
//
// Evaluation is a pure function of the grant and the request. The grant's
// timestamps and revocation fields drive a small state machine; the state
// then decides whether reads and writes are allowed. Reads that are not
// otherwise allowed may still succeed on the historical path, when the
// evidence being verified was produced while the grant was valid.
package delegation

import (
	"fmt"
	"time"

	"github.com/jmerrifield20/nexus-settlement/internal/artifact"
	"github.com/jmerrifield20/nexus-settlement/internal/validate"
)

// State is the trust state of a grant at evaluation time.
type State string

const (
	StateActive         State = "active"
	StateNotYetActive   State = "not_yet_active"
	StateExpired        State = "expired"
	StateRevoked        State = "revoked"
	StateRevokedPending State = "revoked_pending"
	StateAmbiguous      State = "ambiguous"
)

// Operation is the kind of access requested.
type Operation string

const (
	OpRead  Operation = "read"
	OpWrite Operation = "write"
)

// Reason codes attached to every decision.
const (
	ReasonActive           = "DELEGATION_ACTIVE"
	ReasonRevokedPending   = "DELEGATION_REVOCATION_PENDING"
	ReasonAmbiguous        = "DELEGATION_REVOCATION_AMBIGUOUS"
	ReasonRevoked          = "DELEGATION_REVOKED"
	ReasonNotYetActive     = "DELEGATION_NOT_YET_ACTIVE"
	ReasonExpired          = "DELEGATION_EXPIRED"
	ReasonHistoricalRead   = "DELEGATION_HISTORICAL_READ"
	ReasonEvidenceRequired = "DELEGATION_EVIDENCE_TIME_REQUIRED"
	ReasonOutsideWindow    = "DELEGATION_EVIDENCE_OUTSIDE_WINDOW"
	ReasonEvidenceInFuture = "DELEGATION_EVIDENCE_IN_FUTURE"
)

// Request is a single trust query.
type Request struct {
	At         time.Time
	Operation  Operation
	EvidenceAt *time.Time
}

// Decision is the outcome of Evaluate.
type Decision struct {
	State                      State  `json:"state"`
	Allowed                    bool   `json:"allowed"`
	HistoricalVerificationOnly bool   `json:"historicalVerificationOnly"`
	ReasonCode                 string `json:"reasonCode"`
}

type window struct {
	notBefore time.Time
	expiresAt time.Time
	revokedAt *time.Time
	reason    *string
}

func parseWindow(g *artifact.DelegationGrant) (*window, error) {
	nb, err := validate.ParseISODate(g.Validity.NotBefore)
	if err != nil {
		return nil, validate.Fieldf("validity.notBefore", "must be an ISO-8601 timestamp")
	}
	exp, err := validate.ParseISODate(g.Validity.ExpiresAt)
	if err != nil {
		return nil, validate.Fieldf("validity.expiresAt", "must be an ISO-8601 timestamp")
	}
	w := &window{notBefore: nb, expiresAt: exp, reason: g.Revocation.RevocationReasonCode}
	if g.Revocation.RevokedAt != nil {
		rv, err := validate.ParseISODate(*g.Revocation.RevokedAt)
		if err != nil {
			return nil, validate.Fieldf("revocation.revokedAt", "must be an ISO-8601 timestamp")
		}
		w.revokedAt = &rv
	}
	return w, nil
}

// stateAt applies the transition rules in priority order. A revocation pair
// with only one half set is ambiguous and denies everything.
func (w *window) stateAt(at time.Time) State {
	switch {
	case (w.revokedAt == nil) != (w.reason == nil):
		return StateAmbiguous
	case w.revokedAt != nil && !at.Before(*w.revokedAt):
		return StateRevoked
	case at.Before(w.notBefore):
		return StateNotYetActive
	case !at.Before(w.expiresAt):
		return StateExpired
	case w.revokedAt != nil:
		return StateRevokedPending
	default:
		return StateActive
	}
}

// validUntil is min(expiresAt, revokedAt).
func (w *window) validUntil() time.Time {
	if w.revokedAt != nil && w.revokedAt.Before(w.expiresAt) {
		return *w.revokedAt
	}
	return w.expiresAt
}

// StateAt returns the grant's trust state at the given time.
func StateAt(g *artifact.DelegationGrant, at time.Time) (State, error) {
	w, err := parseWindow(g)
	if err != nil {
		return "", err
	}
	return w.stateAt(at), nil
}

// Evaluate decides whether g authorizes req. The grant is not required to be
// hash-valid here; callers that need integrity validate it first. Malformed
// timestamps are input errors.
func Evaluate(g *artifact.DelegationGrant, req Request) (Decision, error) {
	if g == nil {
		return Decision{}, validate.Fieldf("grant", "is required")
	}
	if req.Operation != OpRead && req.Operation != OpWrite {
		return Decision{}, validate.Fieldf("operation", "must be read or write")
	}
	if req.At.IsZero() {
		return Decision{}, validate.Fieldf("at", "is required")
	}
	w, err := parseWindow(g)
	if err != nil {
		return Decision{}, err
	}
	state := w.stateAt(req.At)
	d := Decision{State: state, ReasonCode: stateReason(state)}

	if state == StateActive || state == StateRevokedPending {
		d.Allowed = true
		return d, nil
	}
	if state == StateAmbiguous {
		return d, nil
	}
	if req.Operation == OpWrite {
		return d, nil
	}

	// Historical read path.
	switch {
	case req.EvidenceAt == nil:
		d.ReasonCode = ReasonEvidenceRequired
	case req.EvidenceAt.After(req.At):
		d.ReasonCode = ReasonEvidenceInFuture
	case req.EvidenceAt.Before(w.notBefore) || !req.EvidenceAt.Before(w.validUntil()):
		d.ReasonCode = ReasonOutsideWindow
	default:
		d.Allowed = true
		d.HistoricalVerificationOnly = true
		d.ReasonCode = ReasonHistoricalRead
	}
	return d, nil
}

func stateReason(s State) string {
	switch s {
	case StateActive:
		return ReasonActive
	case StateRevokedPending:
		return ReasonRevokedPending
	case StateAmbiguous:
		return ReasonAmbiguous
	case StateRevoked:
		return ReasonRevoked
	case StateNotYetActive:
		return ReasonNotYetActive
	case StateExpired:
		return ReasonExpired
	default:
		panic(fmt.Sprintf("delegation: unknown state %q", s))
	}
}
