// Package identity authenticates callers of the settlement API.
//
// It provides:
//   - APIKeys       bcrypt-hashed tenant API keys, exchanged for ops tokens
//   - TokenIssuer   issues and verifies EdDSA JWT ops tokens
//   - RequireToken  Gin middleware enforcing Bearer ops tokens
//   - RequireScope  Gin middleware enforcing a scope on the verified token
package identity

// Scopes carried by ops tokens.
const (
	ScopeSettlementWrite = "settlement:write"
	ScopeSettlementRead  = "settlement:read"
	ScopeEscrowWrite     = "escrow:write"
	ScopeRailWrite       = "rail:write"
	ScopeAuditRead       = "audit:read"
	ScopeAdmin           = "admin"
)

// AllScopes is every scope a tenant key may request.
var AllScopes = []string{
	ScopeSettlementWrite,
	ScopeSettlementRead,
	ScopeEscrowWrite,
	ScopeRailWrite,
	ScopeAuditRead,
	ScopeAdmin,
}
