package artifact

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/jmerrifield20/nexus-settlement/internal/bizerr"
	"github.com/jmerrifield20/nexus-settlement/internal/validate"
	"github.com/jmerrifield20/nexus-settlement/pkg/signature"
)

const DelegationGrantV1 = "DelegationGrant.v1"

// Risk classes a grant may authorize.
const (
	RiskRead      = "read"
	RiskCompute   = "compute"
	RiskAction    = "action"
	RiskFinancial = "financial"
)

// GrantScope limits what kind of work a grant authorizes.
type GrantScope struct {
	AllowedRiskClasses   []string `json:"allowedRiskClasses" validate:"required,min=1,dive,oneof=read compute action financial"`
	SideEffectingAllowed bool     `json:"sideEffectingAllowed"`
	AllowedProviderIDs   []string `json:"allowedProviderIds" validate:"omitempty,dive,artifactid"`
	AllowedToolIDs       []string `json:"allowedToolIds" validate:"omitempty,dive,artifactid"`
}

// SpendLimit bounds what the delegatee may spend.
type SpendLimit struct {
	Currency        string `json:"currency" validate:"required,currency"`
	MaxPerCallCents int64  `json:"maxPerCallCents" validate:"gte=0"`
	MaxTotalCents   int64  `json:"maxTotalCents" validate:"gte=0"`
}

// ChainBinding places a grant in its delegation chain. A root grant has
// depth 0 and null parent and root hashes.
type ChainBinding struct {
	RootGrantHash      *string `json:"rootGrantHash" validate:"omitempty,sha256hex"`
	ParentGrantHash    *string `json:"parentGrantHash" validate:"omitempty,sha256hex"`
	Depth              int     `json:"depth" validate:"gte=0"`
	MaxDelegationDepth int     `json:"maxDelegationDepth" validate:"gte=0,lte=16"`
}

// Validity is the window in which a grant may be exercised.
type Validity struct {
	IssuedAt  string `json:"issuedAt" validate:"required,isodate"`
	NotBefore string `json:"notBefore" validate:"required,isodate"`
	ExpiresAt string `json:"expiresAt" validate:"required,isodate"`
}

// Revocation carries the one-way revocation state. RevokedAt and
// RevocationReasonCode are both null or both set.
type Revocation struct {
	Revocable            bool    `json:"revocable"`
	RevokedAt            *string `json:"revokedAt" validate:"omitempty,isodate"`
	RevocationReasonCode *string `json:"revocationReasonCode" validate:"omitempty,reasoncode"`
}

// DelegationGrant authorizes a delegatee agent to act or spend for a
// delegator within a scope, spend limit and validity window.
type DelegationGrant struct {
	SchemaVersion    string       `json:"schemaVersion"`
	GrantID          string       `json:"grantId" validate:"required,artifactid"`
	TenantID         string       `json:"tenantId" validate:"required,artifactid"`
	DelegatorAgentID string       `json:"delegatorAgentId" validate:"required,artifactid"`
	DelegateeAgentID string       `json:"delegateeAgentId" validate:"required,artifactid"`
	Scope            GrantScope   `json:"scope"`
	SpendLimit       SpendLimit   `json:"spendLimit"`
	ChainBinding     ChainBinding `json:"chainBinding"`
	Validity         Validity     `json:"validity"`
	Revocation       Revocation   `json:"revocation"`
	CreatedAt        string       `json:"createdAt" validate:"required,isodate"`
	GrantHash        string       `json:"grantHash" validate:"required,sha256hex"`
	Signature        *Signature   `json:"signature,omitempty"`
}

// DelegationGrantParams are the inputs to BuildDelegationGrant.
type DelegationGrantParams struct {
	GrantID          string
	TenantID         string
	DelegatorAgentID string
	DelegateeAgentID string
	Scope            GrantScope
	SpendLimit       SpendLimit
	ChainBinding     ChainBinding
	IssuedAt         string
	NotBefore        string
	ExpiresAt        string
	Revocable        bool
	CreatedAt        string
	Signer           signature.Signer
	SignedAt         string
}

// DelegationGrantHash recomputes the grant hash.
func DelegationGrantHash(g *DelegationGrant) (string, error) {
	return hashExcluding(g, "grantHash", "signature")
}

// BuildDelegationGrant validates p and returns a hashed, unrevoked grant.
func BuildDelegationGrant(p DelegationGrantParams) (*DelegationGrant, error) {
	grantID := p.GrantID
	if grantID == "" {
		grantID = "dgr_" + uuid.NewString()
	}
	createdAt, err := stamp("createdAt", p.CreatedAt)
	if err != nil {
		return nil, err
	}
	issuedAt, err := stamp("validity.issuedAt", p.IssuedAt)
	if err != nil {
		return nil, err
	}
	notBefore := issuedAt
	if p.NotBefore != "" {
		if notBefore, err = validate.NormalizeISODate("validity.notBefore", p.NotBefore); err != nil {
			return nil, err
		}
	}
	expiresAt, err := validate.NormalizeISODate("validity.expiresAt", p.ExpiresAt)
	if err != nil {
		return nil, err
	}
	g := &DelegationGrant{
		SchemaVersion:    DelegationGrantV1,
		GrantID:          grantID,
		TenantID:         p.TenantID,
		DelegatorAgentID: p.DelegatorAgentID,
		DelegateeAgentID: p.DelegateeAgentID,
		Scope:            normalizeScope(p.Scope),
		SpendLimit:       p.SpendLimit,
		ChainBinding:     p.ChainBinding,
		Validity:         Validity{IssuedAt: issuedAt, NotBefore: notBefore, ExpiresAt: expiresAt},
		Revocation:       Revocation{Revocable: p.Revocable},
		CreatedAt:        createdAt,
	}
	if err := checkGrantRules(g); err != nil {
		return nil, err
	}
	if g.GrantHash, err = DelegationGrantHash(g); err != nil {
		return nil, validate.Fieldf("grant", "not canonicalizable: %v", err)
	}
	if err := validate.Struct(g); err != nil {
		return nil, err
	}
	if g.Signature, err = sign(p.Signer, g.GrantHash, p.SignedAt); err != nil {
		return nil, err
	}
	return g, nil
}

// normalizeScope sorts and de-duplicates the scope lists so equal scopes hash
// identically.
func normalizeScope(s GrantScope) GrantScope {
	return GrantScope{
		AllowedRiskClasses:   sortedUnique(s.AllowedRiskClasses),
		SideEffectingAllowed: s.SideEffectingAllowed,
		AllowedProviderIDs:   sortedUnique(s.AllowedProviderIDs),
		AllowedToolIDs:       sortedUnique(s.AllowedToolIDs),
	}
}

func sortedUnique(in []string) []string {
	if in == nil {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func checkGrantRules(g *DelegationGrant) error {
	if g.DelegatorAgentID == g.DelegateeAgentID {
		return validate.Fieldf("delegateeAgentId", "must differ from delegatorAgentId")
	}
	cb := g.ChainBinding
	if cb.Depth > cb.MaxDelegationDepth {
		return validate.Fieldf("chainBinding.depth", "must not exceed maxDelegationDepth")
	}
	if cb.Depth == 0 {
		if cb.ParentGrantHash != nil || cb.RootGrantHash != nil {
			return validate.Fieldf("chainBinding.parentGrantHash", "must be null for a root grant")
		}
	} else if cb.ParentGrantHash == nil || cb.RootGrantHash == nil {
		return validate.Fieldf("chainBinding.parentGrantHash", "parent and root grant hashes are required when depth > 0")
	}
	if g.SpendLimit.MaxPerCallCents > g.SpendLimit.MaxTotalCents {
		return validate.Fieldf("spendLimit.maxPerCallCents", "must not exceed maxTotalCents")
	}
	issued, errI := validate.ParseISODate(g.Validity.IssuedAt)
	notBefore, errN := validate.ParseISODate(g.Validity.NotBefore)
	expires, errE := validate.ParseISODate(g.Validity.ExpiresAt)
	if errI != nil || errN != nil || errE != nil {
		return validate.Fieldf("validity", "timestamps must be ISO-8601")
	}
	if notBefore.Before(issued) {
		return validate.Fieldf("validity.notBefore", "must not precede issuedAt")
	}
	if !expires.After(notBefore) {
		return validate.Fieldf("validity.expiresAt", "must be after notBefore")
	}
	rv := g.Revocation
	if (rv.RevokedAt == nil) != (rv.RevocationReasonCode == nil) {
		return validate.Fieldf("revocation", "revokedAt and revocationReasonCode must both be set or both be null")
	}
	if rv.RevokedAt != nil && !rv.Revocable {
		return validate.Fieldf("revocation.revokedAt", "grant is not revocable")
	}
	return nil
}

// ValidateDelegationGrant checks fields, grant rules, schema version and hash.
func ValidateDelegationGrant(g *DelegationGrant) error {
	if err := checkSchema(DelegationGrantV1, g.SchemaVersion, DelegationGrantV1); err != nil {
		return err
	}
	if err := validate.Struct(g); err != nil {
		return err
	}
	if err := checkGrantRules(g); err != nil {
		return err
	}
	h, err := DelegationGrantHash(g)
	if err != nil {
		return validate.Fieldf("grant", "not canonicalizable: %v", err)
	}
	return checkHash(DelegationGrantV1, g.GrantHash, h)
}

// VerifyDelegationGrantSignature validates g and checks its signature.
func VerifyDelegationGrantSignature(ctx context.Context, g *DelegationGrant, resolver signature.KeyResolver) error {
	if err := ValidateDelegationGrant(g); err != nil {
		return err
	}
	return verifySignature(ctx, DelegationGrantV1, g.Signature, g.GrantHash, resolver)
}

// RevokeParams are the inputs to RevokeGrant.
type RevokeParams struct {
	RevokedAt  string
	ReasonCode string
	Signer     signature.Signer
	SignedAt   string
}

// RevokeGrant returns a revoked copy of g with a re-derived hash. The
// transition is one-way. Without a signer the stale signature is dropped.
func RevokeGrant(g *DelegationGrant, p RevokeParams) (*DelegationGrant, error) {
	if err := ValidateDelegationGrant(g); err != nil {
		return nil, err
	}
	if !g.Revocation.Revocable {
		return nil, bizerr.New(bizerr.GrantNotRevocable, "grant %s is not revocable", g.GrantID)
	}
	if g.Revocation.RevokedAt != nil {
		return nil, bizerr.New(bizerr.GrantAlreadyRevoked, "grant %s was revoked at %s", g.GrantID, *g.Revocation.RevokedAt)
	}
	if !validate.IsReasonCode(p.ReasonCode) {
		return nil, validate.Fieldf("revocation.revocationReasonCode", "must match ^[A-Z0-9_]{2,64}$")
	}
	revokedAt, err := stamp("revocation.revokedAt", p.RevokedAt)
	if err != nil {
		return nil, err
	}
	if mustTime(revokedAt).Before(mustTime(g.Validity.IssuedAt)) {
		return nil, validate.Fieldf("revocation.revokedAt", "must not precede issuedAt")
	}
	out := *g
	out.Revocation = Revocation{
		Revocable:            true,
		RevokedAt:            &revokedAt,
		RevocationReasonCode: strPtr(p.ReasonCode),
	}
	out.Signature = nil
	if out.GrantHash, err = DelegationGrantHash(&out); err != nil {
		return nil, validate.Fieldf("grant", "not canonicalizable: %v", err)
	}
	if out.Signature, err = sign(p.Signer, out.GrantHash, p.SignedAt); err != nil {
		return nil, err
	}
	return &out, nil
}

// ValidateGrantChain checks that child is a valid sub-delegation of parent:
// it must sit one level deeper, reference parent and root by hash, be issued
// by parent's delegatee and only narrow scope, spend and validity.
func ValidateGrantChain(parent, child *DelegationGrant) error {
	if err := ValidateDelegationGrant(parent); err != nil {
		return err
	}
	if err := ValidateDelegationGrant(child); err != nil {
		return err
	}
	fail := func(format string, args ...any) error {
		return bizerr.New(bizerr.GrantChainInvalid, format, args...)
	}
	pc, cc := parent.ChainBinding, child.ChainBinding
	if child.TenantID != parent.TenantID {
		return fail("child tenant %s differs from parent tenant %s", child.TenantID, parent.TenantID)
	}
	if cc.Depth != pc.Depth+1 {
		return fail("child depth %d must be parent depth %d + 1", cc.Depth, pc.Depth)
	}
	if cc.Depth > pc.MaxDelegationDepth || cc.MaxDelegationDepth > pc.MaxDelegationDepth {
		return fail("child exceeds parent maxDelegationDepth %d", pc.MaxDelegationDepth)
	}
	if derefOr(cc.ParentGrantHash, "") != parent.GrantHash {
		return fail("child parentGrantHash does not reference parent")
	}
	wantRoot := parent.GrantHash
	if pc.RootGrantHash != nil {
		wantRoot = *pc.RootGrantHash
	}
	if derefOr(cc.RootGrantHash, "") != wantRoot {
		return fail("child rootGrantHash does not match chain root")
	}
	if child.DelegatorAgentID != parent.DelegateeAgentID {
		return fail("child delegator %s is not parent delegatee %s", child.DelegatorAgentID, parent.DelegateeAgentID)
	}
	if !subset(child.Scope.AllowedRiskClasses, parent.Scope.AllowedRiskClasses) {
		return fail("child risk classes widen parent scope")
	}
	if child.Scope.SideEffectingAllowed && !parent.Scope.SideEffectingAllowed {
		return fail("child allows side effects the parent does not")
	}
	if parent.Scope.AllowedProviderIDs != nil &&
		(child.Scope.AllowedProviderIDs == nil || !subset(child.Scope.AllowedProviderIDs, parent.Scope.AllowedProviderIDs)) {
		return fail("child provider allowlist widens parent scope")
	}
	if parent.Scope.AllowedToolIDs != nil &&
		(child.Scope.AllowedToolIDs == nil || !subset(child.Scope.AllowedToolIDs, parent.Scope.AllowedToolIDs)) {
		return fail("child tool allowlist widens parent scope")
	}
	if child.SpendLimit.Currency != parent.SpendLimit.Currency {
		return fail("child spend currency %s differs from parent %s", child.SpendLimit.Currency, parent.SpendLimit.Currency)
	}
	if child.SpendLimit.MaxPerCallCents > parent.SpendLimit.MaxPerCallCents ||
		child.SpendLimit.MaxTotalCents > parent.SpendLimit.MaxTotalCents {
		return fail("child spend limit exceeds parent")
	}
	if mustTime(child.Validity.NotBefore).Before(mustTime(parent.Validity.NotBefore)) ||
		mustTime(child.Validity.ExpiresAt).After(mustTime(parent.Validity.ExpiresAt)) {
		return fail("child validity window exceeds parent")
	}
	return nil
}

func subset(sub, super []string) bool {
	set := make(map[string]struct{}, len(super))
	for _, s := range super {
		set[s] = struct{}{}
	}
	for _, s := range sub {
		if _, ok := set[s]; !ok {
			return false
		}
	}
	return true
}
