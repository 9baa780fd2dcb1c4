package delegation

import (
	"time"

	"github.com/jmerrifield20/nexus-settlement/internal/artifact"
	"github.com/jmerrifield20/nexus-settlement/internal/validate"
)

// Authorization reason codes.
const (
	ReasonAuthorized        = "DELEGATION_AUTHORIZED"
	ReasonRiskClassDenied   = "DELEGATION_RISK_CLASS_NOT_ALLOWED"
	ReasonSideEffectDenied  = "DELEGATION_SIDE_EFFECT_NOT_ALLOWED"
	ReasonProviderDenied    = "DELEGATION_PROVIDER_NOT_ALLOWED"
	ReasonToolDenied        = "DELEGATION_TOOL_NOT_ALLOWED"
	ReasonCurrencyMismatch  = "DELEGATION_CURRENCY_MISMATCH"
	ReasonPerCallLimit      = "DELEGATION_PER_CALL_LIMIT_EXCEEDED"
	ReasonTotalLimit        = "DELEGATION_TOTAL_LIMIT_EXCEEDED"
	ReasonDelegateeMismatch = "DELEGATION_ACTOR_NOT_DELEGATEE"
)

// Action is a concrete spend or invocation an agent wants to perform under a
// grant.
type Action struct {
	At            time.Time
	ActorAgentID  string
	RiskClass     string
	SideEffecting bool
	ProviderID    string
	ToolID        string
	AmountCents   int64
	Currency      string
	// SpentCents is what has already been spent under the grant.
	SpentCents int64
}

// AuthorizationResult lists every reason an action was refused.
type AuthorizationResult struct {
	Trust       Decision `json:"trust"`
	Allowed     bool     `json:"allowed"`
	ReasonCodes []string `json:"reasonCodes"`
}

// Authorize checks write trust and then the grant's scope and spend limits.
// All failing checks are reported, not just the first.
func Authorize(g *artifact.DelegationGrant, a Action) (AuthorizationResult, error) {
	if a.AmountCents < 0 || a.SpentCents < 0 {
		return AuthorizationResult{}, validate.Fieldf("amountCents", "must be a non-negative integer")
	}
	trust, err := Evaluate(g, Request{At: a.At, Operation: OpWrite})
	if err != nil {
		return AuthorizationResult{}, err
	}
	res := AuthorizationResult{Trust: trust, ReasonCodes: []string{}}
	if !trust.Allowed {
		res.ReasonCodes = append(res.ReasonCodes, trust.ReasonCode)
	}
	if a.ActorAgentID != g.DelegateeAgentID {
		res.ReasonCodes = append(res.ReasonCodes, ReasonDelegateeMismatch)
	}
	if !contains(g.Scope.AllowedRiskClasses, a.RiskClass) {
		res.ReasonCodes = append(res.ReasonCodes, ReasonRiskClassDenied)
	}
	if a.SideEffecting && !g.Scope.SideEffectingAllowed {
		res.ReasonCodes = append(res.ReasonCodes, ReasonSideEffectDenied)
	}
	if g.Scope.AllowedProviderIDs != nil && !contains(g.Scope.AllowedProviderIDs, a.ProviderID) {
		res.ReasonCodes = append(res.ReasonCodes, ReasonProviderDenied)
	}
	if g.Scope.AllowedToolIDs != nil && !contains(g.Scope.AllowedToolIDs, a.ToolID) {
		res.ReasonCodes = append(res.ReasonCodes, ReasonToolDenied)
	}
	if a.AmountCents > 0 {
		if a.Currency != g.SpendLimit.Currency {
			res.ReasonCodes = append(res.ReasonCodes, ReasonCurrencyMismatch)
		}
		if a.AmountCents > g.SpendLimit.MaxPerCallCents {
			res.ReasonCodes = append(res.ReasonCodes, ReasonPerCallLimit)
		}
		if a.SpentCents+a.AmountCents > g.SpendLimit.MaxTotalCents {
			res.ReasonCodes = append(res.ReasonCodes, ReasonTotalLimit)
		}
	}
	res.Allowed = len(res.ReasonCodes) == 0
	if res.Allowed {
		res.ReasonCodes = append(res.ReasonCodes, ReasonAuthorized)
	}
	return res, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
