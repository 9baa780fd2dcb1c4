package mcpbridge

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmerrifield20/nexus-settlement/pkg/client"
)

// Backend is the slice of the settlement API the tools call. *client.Client
// satisfies it.
type Backend interface {
	CanonicalHash(ctx context.Context, v any) (canonical, hash string, err error)
	VerifyReceipt(ctx context.Context, receipt json.RawMessage, strict bool) (*client.Report, error)
	WalletBalance(ctx context.Context, walletID, currency string) (*client.WalletBalance, error)
	GetSettlement(ctx context.Context, settlementID string) (*client.Settlement, error)
	ListSettlements(ctx context.Context, limit int) ([]client.Settlement, error)
	VerifySettlement(ctx context.Context, settlementID string, strict bool) (*client.Report, error)
	OpenDispute(ctx context.Context, settlementID string, envelope json.RawMessage) (*client.Settlement, error)
	AuditVerify(ctx context.Context) (bool, string, error)
}

// ToolDefinition is the MCP tool descriptor sent in tools/list responses.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

func ok(text string) (string, bool)   { return text, false }
func fail(text string) (string, bool) { return text, true }
func failf(format string, a ...any) (string, bool) {
	return fmt.Sprintf(format, a...), true
}

func okJSON(v any) (string, bool) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return failf("encode result: %v", err)
	}
	return ok(string(out))
}

func object(props map[string]any, required ...string) map[string]any {
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func str(desc string) map[string]any { return map[string]any{"type": "string", "description": desc} }

type tool struct {
	def  ToolDefinition
	call func(ctx context.Context, args json.RawMessage) (string, bool)
}

// ToolRegistry holds the tool definitions and their handlers. Only
// opening a dispute changes state; the rest are reads.
type ToolRegistry struct {
	b     Backend
	tools []tool
}

// NewToolRegistry creates a ToolRegistry backed by b.
func NewToolRegistry(b Backend) *ToolRegistry {
	r := &ToolRegistry{b: b}
	r.tools = []tool{
		{ToolDefinition{
			Name: "canonical_hash",
			Description: "Canonicalize a JSON value and return its canonical text and SHA-256 hash. " +
				"Use this to check the hash of a policy, agreement or decision record.",
			InputSchema: object(map[string]any{
				"value": map[string]any{"description": "Any JSON value"},
			}, "value"),
		}, r.canonicalHash},
		{ToolDefinition{
			Name:        "verify_receipt",
			Description: "Run the kernel verifier over a settlement receipt and report errors and warnings.",
			InputSchema: object(map[string]any{
				"receipt": map[string]any{"type": "object", "description": "The SettlementReceipt JSON"},
				"strict":  map[string]any{"type": "boolean", "description": "Treat missing optional fields as errors"},
			}, "receipt"),
		}, r.verifyReceipt},
		{ToolDefinition{
			Name:        "wallet_balance",
			Description: "Return a wallet's available and escrow-locked balance in cents.",
			InputSchema: object(map[string]any{
				"wallet_id": str("Wallet identifier"),
				"currency":  str("ISO currency code. Defaults to USD."),
			}, "wallet_id"),
		}, r.walletBalance},
		{ToolDefinition{
			Name: "get_settlement",
			Description: "Fetch one settlement with its status, amounts, decision record and receipt. " +
				"Use this to explain why a run was released, refunded or sent to manual review.",
			InputSchema: object(map[string]any{
				"settlement_id": str("Settlement identifier"),
			}, "settlement_id"),
		}, r.getSettlement},
		{ToolDefinition{
			Name:        "list_settlements",
			Description: "List the tenant's most recent settlements, newest first.",
			InputSchema: object(map[string]any{
				"limit": map[string]any{"type": "integer", "description": "Maximum rows, 1 to 200. Defaults to 20."},
			}),
		}, r.listSettlements},
		{ToolDefinition{
			Name:        "verify_settlement",
			Description: "Re-verify a stored settlement's decision record and receipt with the kernel.",
			InputSchema: object(map[string]any{
				"settlement_id": str("Settlement identifier"),
				"strict":        map[string]any{"type": "boolean", "description": "Strict verification"},
			}, "settlement_id"),
		}, r.verifySettlement},
		{ToolDefinition{
			Name: "open_dispute",
			Description: "Open a dispute on a settlement that is still locked. " +
				"This blocks resolution until the dispute is closed.",
			InputSchema: object(map[string]any{
				"settlement_id": str("Settlement identifier"),
				"envelope":      map[string]any{"type": "object", "description": "Optional signed DisputeOpenEnvelope"},
			}, "settlement_id"),
		}, r.openDispute},
		{ToolDefinition{
			Name:        "audit_verify",
			Description: "Walk the hash-chained audit log on the server and report whether it is intact.",
			InputSchema: object(map[string]any{}),
		}, r.auditVerify},
	}
	return r
}

// Definitions returns the tool definitions for tools/list responses.
func (r *ToolRegistry) Definitions() []ToolDefinition {
	defs := make([]ToolDefinition, len(r.tools))
	for i, t := range r.tools {
		defs[i] = t.def
	}
	return defs
}

// Call dispatches a tool call by name and returns (output text, isError).
func (r *ToolRegistry) Call(ctx context.Context, name string, args json.RawMessage) (string, bool) {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	for _, t := range r.tools {
		if t.def.Name == name {
			return t.call(ctx, args)
		}
	}
	return failf("unknown tool: %q", name)
}

// ── tool handlers ────────────────────────────────────────────────────────────

func (r *ToolRegistry) canonicalHash(ctx context.Context, args json.RawMessage) (string, bool) {
	var in struct {
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(args, &in); err != nil || len(in.Value) == 0 {
		return fail("value is required")
	}
	canonical, hash, err := r.b.CanonicalHash(ctx, in.Value)
	if err != nil {
		return failf("canonical hash failed: %v", err)
	}
	return okJSON(map[string]string{"canonical": canonical, "hash": hash})
}

func (r *ToolRegistry) verifyReceipt(ctx context.Context, args json.RawMessage) (string, bool) {
	var in struct {
		Receipt json.RawMessage `json:"receipt"`
		Strict  bool            `json:"strict"`
	}
	if err := json.Unmarshal(args, &in); err != nil || len(in.Receipt) == 0 {
		return fail("receipt is required")
	}
	report, err := r.b.VerifyReceipt(ctx, in.Receipt, in.Strict)
	if err != nil {
		return failf("verify receipt failed: %v", err)
	}
	return okJSON(report)
}

func (r *ToolRegistry) walletBalance(ctx context.Context, args json.RawMessage) (string, bool) {
	var in struct {
		WalletID string `json:"wallet_id"`
		Currency string `json:"currency"`
	}
	if err := json.Unmarshal(args, &in); err != nil || in.WalletID == "" {
		return fail("wallet_id is required")
	}
	if in.Currency == "" {
		in.Currency = "USD"
	}
	bal, err := r.b.WalletBalance(ctx, in.WalletID, in.Currency)
	if err != nil {
		return failf("wallet balance failed: %v", err)
	}
	return okJSON(bal)
}

func (r *ToolRegistry) getSettlement(ctx context.Context, args json.RawMessage) (string, bool) {
	var in struct {
		SettlementID string `json:"settlement_id"`
	}
	if err := json.Unmarshal(args, &in); err != nil || in.SettlementID == "" {
		return fail("settlement_id is required")
	}
	st, err := r.b.GetSettlement(ctx, in.SettlementID)
	if err != nil {
		return failf("get settlement failed: %v", err)
	}
	return okJSON(st)
}

func (r *ToolRegistry) listSettlements(ctx context.Context, args json.RawMessage) (string, bool) {
	var in struct {
		Limit int `json:"limit"`
	}
	_ = json.Unmarshal(args, &in)
	if in.Limit <= 0 {
		in.Limit = 20
	}
	if in.Limit > 200 {
		in.Limit = 200
	}
	list, err := r.b.ListSettlements(ctx, in.Limit)
	if err != nil {
		return failf("list settlements failed: %v", err)
	}
	if len(list) == 0 {
		return ok("No settlements found.")
	}
	return okJSON(list)
}

func (r *ToolRegistry) verifySettlement(ctx context.Context, args json.RawMessage) (string, bool) {
	var in struct {
		SettlementID string `json:"settlement_id"`
		Strict       bool   `json:"strict"`
	}
	if err := json.Unmarshal(args, &in); err != nil || in.SettlementID == "" {
		return fail("settlement_id is required")
	}
	report, err := r.b.VerifySettlement(ctx, in.SettlementID, in.Strict)
	if err != nil {
		return failf("verify settlement failed: %v", err)
	}
	return okJSON(report)
}

func (r *ToolRegistry) openDispute(ctx context.Context, args json.RawMessage) (string, bool) {
	var in struct {
		SettlementID string          `json:"settlement_id"`
		Envelope     json.RawMessage `json:"envelope"`
	}
	if err := json.Unmarshal(args, &in); err != nil || in.SettlementID == "" {
		return fail("settlement_id is required")
	}
	if string(in.Envelope) == "null" {
		in.Envelope = nil
	}
	st, err := r.b.OpenDispute(ctx, in.SettlementID, in.Envelope)
	if err != nil {
		return failf("open dispute failed: %v", err)
	}
	return okJSON(st)
}

func (r *ToolRegistry) auditVerify(ctx context.Context, _ json.RawMessage) (string, bool) {
	valid, reason, err := r.b.AuditVerify(ctx)
	if err != nil {
		return failf("audit verify failed: %v", err)
	}
	if !valid {
		return failf("audit chain broken: %s", reason)
	}
	return ok("Audit chain intact.")
}
