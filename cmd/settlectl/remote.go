package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmerrifield20/nexus-settlement/pkg/client"
)

func init() {
	rootCmd.AddCommand(escrowCmd, settlementCmd, auditCmd)
}

func remoteContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

// ── escrow ───────────────────────────────────────────────────────────────────

var escrowCmd = &cobra.Command{
	Use:   "escrow",
	Short: "Apply escrow operations and read wallet balances",
}

var escrowOp client.EscrowOperation

var escrowApplyCmd = &cobra.Command{
	Use:   "apply <fund|hold|release|forfeit|refund>",
	Short: "Apply an idempotent escrow operation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := remoteContext()
		defer cancel()

		op := escrowOp
		op.Type = args[0]
		res, err := c.ApplyEscrow(ctx, op)
		if err != nil {
			return fmt.Errorf("apply escrow: %w", err)
		}
		if !res.Applied {
			fmt.Fprintln(os.Stderr, "operation already applied; returning the original result")
		}
		return printJSON(res)
	},
}

var balanceCurrency string

var escrowBalanceCmd = &cobra.Command{
	Use:   "balance <wallet>",
	Short: "Show a wallet's available and escrow-locked balance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := remoteContext()
		defer cancel()

		b, err := c.WalletBalance(ctx, args[0], balanceCurrency)
		if err != nil {
			return fmt.Errorf("wallet balance: %w", err)
		}
		fmt.Printf("Wallet:     %s\n", b.WalletID)
		fmt.Printf("Currency:   %s\n", b.Currency)
		fmt.Printf("Available:  %d\n", b.AvailableCents)
		fmt.Printf("In escrow:  %d\n", b.EscrowLockedCents)
		return nil
	},
}

func init() {
	f := escrowApplyCmd.Flags()
	f.StringVar(&escrowOp.OperationID, "id", "", "Operation id (the idempotency key)")
	f.StringVar(&escrowOp.PayerWalletID, "payer", "", "Payer wallet id")
	f.StringVar(&escrowOp.PayeeWalletID, "payee", "", "Payee wallet id (release only)")
	f.Int64Var(&escrowOp.AmountCents, "amount", 0, "Amount in cents")
	f.StringVar(&escrowOp.Currency, "currency", "USD", "Currency code")
	f.StringVar(&escrowOp.Memo, "memo", "", "Free-form memo")
	_ = escrowApplyCmd.MarkFlagRequired("id")
	_ = escrowApplyCmd.MarkFlagRequired("payer")
	_ = escrowApplyCmd.MarkFlagRequired("amount")

	escrowBalanceCmd.Flags().StringVar(&balanceCurrency, "currency", "USD", "Currency code")
	escrowCmd.AddCommand(escrowApplyCmd, escrowBalanceCmd)
}

// ── settlements ──────────────────────────────────────────────────────────────

var settlementCmd = &cobra.Command{
	Use:     "settlement",
	Aliases: []string{"st"},
	Short:   "Lock, settle, resolve and dispute run settlements",
}

var lockReq client.LockRequest

var settlementLockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Escrow a run's amount and record a locked settlement",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := remoteContext()
		defer cancel()

		st, err := c.LockSettlement(ctx, lockReq)
		if err != nil {
			return fmt.Errorf("lock settlement: %w", err)
		}
		return printJSON(st)
	},
}

var settlementGetCmd = &cobra.Command{
	Use:   "get <settlement-id>",
	Short: "Show a settlement",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := remoteContext()
		defer cancel()

		st, err := c.GetSettlement(ctx, args[0])
		if err != nil {
			return fmt.Errorf("get settlement: %w", err)
		}
		return printJSON(st)
	},
}

var listLimit int

var settlementListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the tenant's most recent settlements",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := remoteContext()
		defer cancel()

		list, err := c.ListSettlements(ctx, listLimit)
		if err != nil {
			return fmt.Errorf("list settlements: %w", err)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SETTLEMENT\tRUN\tSTATUS\tAMOUNT\tRELEASED\tREFUNDED\tDISPUTE")
		for _, s := range list {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d %s\t%d\t%d\t%s\n",
				s.SettlementID, s.RunID, s.Status, s.AmountCents, s.Currency,
				s.ReleasedAmountCents, s.RefundedAmountCents, s.DisputeStatus)
		}
		return w.Flush()
	},
}

var (
	settleReq        client.SettleRequest
	settlePolicyFile string
)

var settlementSettleCmd = &cobra.Command{
	Use:   "settle <settlement-id>",
	Short: "Submit a run's verification outcome",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		req := settleReq
		if settlePolicyFile != "" {
			raw, err := os.ReadFile(settlePolicyFile)
			if err != nil {
				return fmt.Errorf("read policy: %w", err)
			}
			req.Policy = json.RawMessage(raw)
		}
		ctx, cancel := remoteContext()
		defer cancel()

		res, err := c.Settle(ctx, args[0], req)
		if err != nil {
			return fmt.Errorf("settle: %w", err)
		}
		return printJSON(res)
	},
}

var (
	resolveRate   int
	resolveReason string
)

var settlementResolveCmd = &cobra.Command{
	Use:   "resolve <settlement-id>",
	Short: "Resolve a settlement held for manual review",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := remoteContext()
		defer cancel()

		res, err := c.Resolve(ctx, args[0], resolveRate, resolveReason)
		if err != nil {
			return fmt.Errorf("resolve: %w", err)
		}
		return printJSON(res)
	},
}

var disputeEnvelopeFile string

var settlementDisputeCmd = &cobra.Command{
	Use:   "dispute <settlement-id>",
	Short: "Open a dispute on a locked settlement",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		var envelope json.RawMessage
		if disputeEnvelopeFile != "" {
			if envelope, err = os.ReadFile(disputeEnvelopeFile); err != nil {
				return fmt.Errorf("read envelope: %w", err)
			}
		}
		ctx, cancel := remoteContext()
		defer cancel()

		st, err := c.OpenDispute(ctx, args[0], envelope)
		if err != nil {
			return fmt.Errorf("open dispute: %w", err)
		}
		return printJSON(st)
	},
}

var closeResolution string

var settlementCloseDisputeCmd = &cobra.Command{
	Use:   "close-dispute <settlement-id>",
	Short: "Close a settlement's open dispute",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := remoteContext()
		defer cancel()

		st, err := c.CloseDispute(ctx, args[0], closeResolution)
		if err != nil {
			return fmt.Errorf("close dispute: %w", err)
		}
		return printJSON(st)
	},
}

var verifyStrict bool

var settlementVerifyCmd = &cobra.Command{
	Use:   "verify <settlement-id>",
	Short: "Run the kernel verifier over a stored settlement",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := remoteContext()
		defer cancel()

		rep, err := c.VerifySettlement(ctx, args[0], verifyStrict)
		if err != nil {
			return fmt.Errorf("verify settlement: %w", err)
		}
		if err := printJSON(rep); err != nil {
			return err
		}
		if !rep.Valid {
			return fmt.Errorf("settlement failed verification")
		}
		return nil
	},
}

func init() {
	lf := settlementLockCmd.Flags()
	lf.StringVar(&lockReq.SettlementID, "id", "", "Settlement id (generated when empty)")
	lf.StringVar(&lockReq.RunID, "run", "", "Run id")
	lf.StringVar(&lockReq.PayerWalletID, "payer", "", "Payer wallet id")
	lf.StringVar(&lockReq.PayeeWalletID, "payee", "", "Payee wallet id")
	lf.Int64Var(&lockReq.AmountCents, "amount", 0, "Amount in cents")
	lf.StringVar(&lockReq.Currency, "currency", "USD", "Currency code")
	_ = settlementLockCmd.MarkFlagRequired("run")
	_ = settlementLockCmd.MarkFlagRequired("payer")
	_ = settlementLockCmd.MarkFlagRequired("payee")

	settlementListCmd.Flags().IntVar(&listLimit, "limit", 50, "Maximum settlements to list (1-500)")

	sf := settlementSettleCmd.Flags()
	sf.StringVar(&settlePolicyFile, "policy", "", "Inline policy JSON file")
	sf.StringVar(&settleReq.PolicyPack, "policy-pack", "", "Catalog policy pack id")
	sf.StringVar(&settleReq.VerificationMethod.Mode, "mode", "deterministic", "Verification mode")
	sf.StringVar(&settleReq.VerificationStatus, "status", "", "Verification status: green, amber or red")
	sf.StringVar(&settleReq.RunStatus, "run-status", "completed", "Run status: completed or failed")
	_ = settlementSettleCmd.MarkFlagRequired("status")

	settlementResolveCmd.Flags().IntVar(&resolveRate, "rate", 0, "Release rate percent (0-100)")
	settlementResolveCmd.Flags().StringVar(&resolveReason, "reason", "", "Reviewer's reason")
	_ = settlementResolveCmd.MarkFlagRequired("rate")

	settlementDisputeCmd.Flags().StringVar(&disputeEnvelopeFile, "envelope", "", "Signed dispute-open envelope JSON")
	settlementCloseDisputeCmd.Flags().StringVar(&closeResolution, "resolution", "", "Dispute resolution")
	_ = settlementCloseDisputeCmd.MarkFlagRequired("resolution")

	settlementVerifyCmd.Flags().BoolVar(&verifyStrict, "strict", false, "Treat warnings as errors")

	settlementCmd.AddCommand(settlementLockCmd, settlementGetCmd, settlementListCmd,
		settlementSettleCmd, settlementResolveCmd, settlementDisputeCmd,
		settlementCloseDisputeCmd, settlementVerifyCmd)
}

// ── audit ────────────────────────────────────────────────────────────────────

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit chain tools",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Walk the server's audit chain and report the first broken link",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := remoteContext()
		defer cancel()

		ok, reason, err := c.AuditVerify(ctx)
		if err != nil {
			return fmt.Errorf("audit verify: %w", err)
		}
		if !ok {
			return fmt.Errorf("audit chain broken: %s", reason)
		}
		fmt.Println("✓ audit chain intact")
		return nil
	},
}

func init() {
	auditCmd.AddCommand(auditVerifyCmd)
}
