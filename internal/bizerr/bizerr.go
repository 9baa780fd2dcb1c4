// Package bizerr carries business and state failures with a stable,
// machine-readable code so callers can branch on the outcome.
package bizerr

import (
	"errors"
	"fmt"
)

// Stable codes returned across the kernel.
const (
	EscrowOperationConflict      = "ESCROW_OPERATION_CONFLICT"
	InsufficientWalletAvailable  = "INSUFFICIENT_WALLET_AVAILABLE"
	InsufficientEscrowLocked     = "INSUFFICIENT_ESCROW_LOCKED"
	GrantNotRevocable            = "DELEGATION_GRANT_NOT_REVOCABLE"
	GrantAlreadyRevoked          = "DELEGATION_GRANT_ALREADY_REVOKED"
	GrantChainInvalid            = "DELEGATION_GRANT_CHAIN_INVALID"
	SettlementAlreadyResolved    = "SETTLEMENT_ALREADY_RESOLVED"
	SettlementAmountMismatch     = "SETTLEMENT_AMOUNT_MISMATCH"
	DisputeAlreadyOpen           = "DISPUTE_ALREADY_OPEN"
	DisputeNotOpen               = "DISPUTE_NOT_OPEN"
	SettlementDisputeOpen        = "SETTLEMENT_DISPUTE_OPEN"
	DecisionTransitionInvalid    = "SETTLEMENT_DECISION_TRANSITION_INVALID"
	DelegationCycleDetected      = "AGREEMENT_DELEGATION_CYCLE"
	DelegationMultipleParents    = "AGREEMENT_DELEGATION_MULTIPLE_PARENTS"
	RailTransitionInvalid        = "MONEY_RAIL_TRANSITION_INVALID"
	RailOperationNotFound        = "MONEY_RAIL_OPERATION_NOT_FOUND"
	RailOperationConflict        = "MONEY_RAIL_OPERATION_CONFLICT"
	ArtifactUniquenessViolation  = "ARTIFACT_UNIQUENESS_VIOLATION"
	ZKProtocolUnsupported        = "ZK_PROTOCOL_UNSUPPORTED"
	BondAlreadyReleased          = "LISTING_BOND_ALREADY_RELEASED"
)

// Error is a business failure with a stable code.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// New returns an *Error with a formatted message.
func New(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Is reports whether err carries code.
func Is(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}
