package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
)

// VerificationMethod describes how a run's output was verified.
type VerificationMethod struct {
	Mode     string            `json:"mode"`
	Source   *string           `json:"source,omitempty"`
	Evidence map[string]string `json:"evidence,omitempty"`
}

// Settlement is a run settlement as returned by the server. Decision
// records and receipts are kept as raw JSON.
type Settlement struct {
	SettlementID        string          `json:"settlementId"`
	TenantID            string          `json:"tenantId"`
	RunID               string          `json:"runId"`
	PayerWalletID       string          `json:"payerWalletId"`
	PayeeWalletID       string          `json:"payeeWalletId"`
	AmountCents         int64           `json:"amountCents"`
	Currency            string          `json:"currency"`
	Status              string          `json:"status"`
	ReleasedAmountCents int64           `json:"releasedAmountCents"`
	RefundedAmountCents int64           `json:"refundedAmountCents"`
	ReleaseRatePct      int             `json:"releaseRatePct"`
	DisputeStatus       string          `json:"disputeStatus"`
	DecisionStatus      string          `json:"decisionStatus"`
	ReasonCodes         []string        `json:"reasonCodes"`
	DecisionRecord      json.RawMessage `json:"decisionRecord"`
	SettlementReceipt   json.RawMessage `json:"settlementReceipt"`
	LockedAt            string          `json:"lockedAt"`
	ResolvedAt          *string         `json:"resolvedAt"`
	Revision            int64           `json:"revision"`
}

// Decision is a policy evaluation outcome.
type Decision struct {
	VerificationStatus string   `json:"verificationStatus"`
	RunStatus          string   `json:"runStatus"`
	ReleaseRatePct     int      `json:"releaseRatePct"`
	AmountCents        int64    `json:"amountCents"`
	ReleaseAmountCents int64    `json:"releaseAmountCents"`
	RefundAmountCents  int64    `json:"refundAmountCents"`
	ShouldAutoResolve  bool     `json:"shouldAutoResolve"`
	DecisionMode       string   `json:"decisionMode"`
	ReasonCodes        []string `json:"reasonCodes"`
	PolicyHash         string   `json:"policyHash"`
}

// Report is a kernel verification report.
type Report struct {
	Valid    bool     `json:"valid"`
	Warnings []string `json:"warnings"`
	Errors   []string `json:"errors"`
}

// SettleResult is returned by Settle and Resolve.
type SettleResult struct {
	Settlement Settlement `json:"settlement"`
	Decision   Decision   `json:"decision"`
	Report     *Report    `json:"kernelReport,omitempty"`
}

// LockRequest escrows a run's amount.
type LockRequest struct {
	SettlementID  string  `json:"settlementId,omitempty"`
	RunID         string  `json:"runId"`
	PayerWalletID string  `json:"payerWalletId"`
	PayeeWalletID string  `json:"payeeWalletId"`
	AgreementHash *string `json:"agreementHash,omitempty"`
	AmountCents   int64   `json:"amountCents"`
	Currency      string  `json:"currency"`
}

// SettleRequest carries a run's verification outcome. Policy, when set, is
// sent inline and takes precedence over PolicyPack.
type SettleRequest struct {
	Policy             json.RawMessage    `json:"policy,omitempty"`
	PolicyPack         string             `json:"policyPack,omitempty"`
	VerificationMethod VerificationMethod `json:"verificationMethod"`
	VerificationStatus string             `json:"verificationStatus"`
	RunStatus          string             `json:"runStatus"`
	EvidenceHash       *string            `json:"evidenceHash,omitempty"`
	ProfileHash        *string            `json:"profileHash,omitempty"`
}

// EscrowOperation moves funds between a tenant's wallets.
type EscrowOperation struct {
	OperationID   string `json:"operationId"`
	Type          string `json:"type"`
	PayerWalletID string `json:"payerWalletId"`
	PayeeWalletID string `json:"payeeWalletId,omitempty"`
	AmountCents   int64  `json:"amountCents"`
	Currency      string `json:"currency"`
	Memo          string `json:"memo,omitempty"`
}

// EscrowResult describes an applied or replayed escrow operation.
type EscrowResult struct {
	OperationID string `json:"operationId"`
	Type        string `json:"type"`
	EntryID     string `json:"entryId"`
	RequestHash string `json:"requestHash"`
	AppliedAt   string `json:"appliedAt"`
	Applied     bool   `json:"applied"`
}

// WalletBalance is a wallet's available and escrow-locked balance.
type WalletBalance struct {
	WalletID          string `json:"walletId"`
	Currency          string `json:"currency"`
	AvailableCents    int64  `json:"availableCents"`
	EscrowLockedCents int64  `json:"escrowLockedCents"`
}

// CanonicalHash returns the canonical JSON text of v and its SHA-256.
func (c *Client) CanonicalHash(ctx context.Context, v any) (canonical, hash string, err error) {
	var out struct {
		Canonical string `json:"canonical"`
		Hash      string `json:"hash"`
	}
	if err := c.call(ctx, http.MethodPost, "/v1/canonical/hash", "", v, &out); err != nil {
		return "", "", err
	}
	return out.Canonical, out.Hash, nil
}

// VerifyReceipt runs the kernel's receipt verifier over a raw receipt.
func (c *Client) VerifyReceipt(ctx context.Context, receipt json.RawMessage, strict bool) (*Report, error) {
	var out Report
	in := map[string]any{"receipt": receipt, "strict": strict}
	if err := c.call(ctx, http.MethodPost, "/v1/kernel/verify", "", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ApplyEscrow applies an escrow operation. Replays return Applied false.
func (c *Client) ApplyEscrow(ctx context.Context, op EscrowOperation) (*EscrowResult, error) {
	var out EscrowResult
	if err := c.authed(ctx, http.MethodPost, "/v1/escrow/operations", op, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WalletBalance returns a wallet's balances in currency.
func (c *Client) WalletBalance(ctx context.Context, walletID, currency string) (*WalletBalance, error) {
	var out WalletBalance
	path := "/v1/escrow/wallets/" + escape(walletID) + "?currency=" + url.QueryEscape(currency)
	if err := c.authed(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// LockSettlement escrows a run's amount and records a locked settlement.
func (c *Client) LockSettlement(ctx context.Context, req LockRequest) (*Settlement, error) {
	var out Settlement
	if err := c.authed(ctx, http.MethodPost, "/v1/settlements", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetSettlement fetches a settlement.
func (c *Client) GetSettlement(ctx context.Context, settlementID string) (*Settlement, error) {
	var out Settlement
	if err := c.authed(ctx, http.MethodGet, "/v1/settlements/"+escape(settlementID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListSettlements returns the tenant's most recent settlements.
func (c *Client) ListSettlements(ctx context.Context, limit int) ([]Settlement, error) {
	var out struct {
		Settlements []Settlement `json:"settlements"`
	}
	if err := c.authed(ctx, http.MethodGet, "/v1/settlements?limit="+itoa(limit), nil, &out); err != nil {
		return nil, err
	}
	return out.Settlements, nil
}

// Settle submits a run's verification outcome.
func (c *Client) Settle(ctx context.Context, settlementID string, req SettleRequest) (*SettleResult, error) {
	var out SettleResult
	if err := c.authed(ctx, http.MethodPost, "/v1/settlements/"+escape(settlementID)+"/settle", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Resolve applies a reviewer's release rate to a settlement in manual
// review.
func (c *Client) Resolve(ctx context.Context, settlementID string, releaseRatePct int, reason string) (*SettleResult, error) {
	var out SettleResult
	in := map[string]any{"releaseRatePct": releaseRatePct, "reason": reason}
	if err := c.authed(ctx, http.MethodPost, "/v1/settlements/"+escape(settlementID)+"/resolve", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// OpenDispute opens a dispute. envelope is an optional signed
// DisputeOpenEnvelope.
func (c *Client) OpenDispute(ctx context.Context, settlementID string, envelope json.RawMessage) (*Settlement, error) {
	var in any
	if len(envelope) > 0 {
		in = map[string]any{"envelope": envelope}
	}
	var out Settlement
	if err := c.authed(ctx, http.MethodPost, "/v1/settlements/"+escape(settlementID)+"/disputes", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CloseDispute closes the open dispute of a settlement.
func (c *Client) CloseDispute(ctx context.Context, settlementID, resolution string) (*Settlement, error) {
	var out Settlement
	in := map[string]any{"resolution": resolution}
	if err := c.authed(ctx, http.MethodPost, "/v1/settlements/"+escape(settlementID)+"/disputes/close", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// VerifySettlement runs the kernel verifier over a stored settlement.
func (c *Client) VerifySettlement(ctx context.Context, settlementID string, strict bool) (*Report, error) {
	var out Report
	path := "/v1/settlements/" + escape(settlementID) + "/verify"
	if strict {
		path += "?strict=true"
	}
	if err := c.authed(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AuditVerify walks the audit chain on the server. A broken chain returns
// false with the server's reason.
func (c *Client) AuditVerify(ctx context.Context) (bool, string, error) {
	var out struct {
		Valid bool   `json:"valid"`
		Error string `json:"error"`
	}
	if err := c.authed(ctx, http.MethodGet, "/v1/audit/verify", nil, &out); err != nil {
		return false, "", err
	}
	return out.Valid, out.Error, nil
}
