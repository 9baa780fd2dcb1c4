// cmd/seed populates a running settled with demo wallets and settlements
// for development.
//
// Running twice is safe: escrow operations and settlement ids are fixed, so
// replays are absorbed by idempotency and already-settled runs are skipped.
//
// Usage:
//
//	SETTLE_API_KEY=... go run ./cmd/seed --tenant tenant_demo
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jmerrifield20/nexus-settlement/pkg/client"
)

const currency = "USD"

type walletSeed struct {
	id          string
	creditCents int64
}

var wallets = []walletSeed{
	{"wallet_acme_buyer", 250_000},
	{"wallet_globex_buyer", 120_000},
	{"wallet_agent_summarizer", 0},
	{"wallet_agent_researcher", 0},
}

type runSeed struct {
	settlementID string
	runID        string
	payer, payee string
	amountCents  int64
	// settle, when set, submits this outcome after locking.
	settle *client.SettleRequest
}

var runs = []runSeed{
	{
		settlementID: "setl_demo_green", runID: "run_demo_green",
		payer: "wallet_acme_buyer", payee: "wallet_agent_summarizer", amountCents: 12_500,
		settle: &client.SettleRequest{
			PolicyPack:         "default",
			VerificationMethod: client.VerificationMethod{Mode: "deterministic"},
			VerificationStatus: "green",
			RunStatus:          "completed",
		},
	},
	{
		settlementID: "setl_demo_amber", runID: "run_demo_amber",
		payer: "wallet_acme_buyer", payee: "wallet_agent_researcher", amountCents: 40_000,
		settle: &client.SettleRequest{
			PolicyPack:         "graduated",
			VerificationMethod: client.VerificationMethod{Mode: "attested"},
			VerificationStatus: "amber",
			RunStatus:          "completed",
		},
	},
	{
		settlementID: "setl_demo_failed", runID: "run_demo_failed",
		payer: "wallet_globex_buyer", payee: "wallet_agent_summarizer", amountCents: 8_000,
		settle: &client.SettleRequest{
			PolicyPack:         "default",
			VerificationMethod: client.VerificationMethod{Mode: "deterministic"},
			VerificationStatus: "red",
			RunStatus:          "failed",
		},
	},
	{
		settlementID: "setl_demo_review", runID: "run_demo_review",
		payer: "wallet_globex_buyer", payee: "wallet_agent_researcher", amountCents: 25_000,
		settle: &client.SettleRequest{
			PolicyPack:         "manual",
			VerificationMethod: client.VerificationMethod{Mode: "discretionary"},
			VerificationStatus: "green",
			RunStatus:          "completed",
		},
	},
	{
		settlementID: "setl_demo_locked", runID: "run_demo_locked",
		payer: "wallet_acme_buyer", payee: "wallet_agent_researcher", amountCents: 5_000,
	},
}

func main() {
	logger, _ := zap.NewDevelopment()
	defer logger.Sync() //nolint:errcheck

	server := flag.String("server", "http://localhost:8080", "settled base URL")
	tenant := flag.String("tenant", "tenant_demo", "tenant id")
	apiKey := flag.String("api-key", os.Getenv("SETTLE_API_KEY"), "tenant API key")
	flag.Parse()

	if err := run(logger, *server, *tenant, *apiKey); err != nil {
		logger.Fatal("seed failed", zap.Error(err))
	}
}

func run(logger *zap.Logger, server, tenant, apiKey string) error {
	if apiKey == "" {
		return errors.New("an API key is required (--api-key or SETTLE_API_KEY)")
	}
	c, err := client.New(server, client.WithAPIKey(tenant, apiKey))
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := seedWallets(ctx, c, logger); err != nil {
		return fmt.Errorf("seed wallets: %w", err)
	}
	for _, r := range runs {
		if err := seedRun(ctx, c, r, logger); err != nil {
			return fmt.Errorf("seed %s: %w", r.settlementID, err)
		}
	}

	list, err := c.ListSettlements(ctx, 50)
	if err != nil {
		return fmt.Errorf("list settlements: %w", err)
	}
	logger.Info("seed complete", zap.String("tenant_id", tenant), zap.Int("settlements", len(list)))
	return nil
}

// seedWallets credits the payer wallets concurrently. Operation ids are
// fixed so a second run replays instead of crediting twice.
func seedWallets(ctx context.Context, c *client.Client, logger *zap.Logger) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range wallets {
		if w.creditCents == 0 {
			continue
		}
		g.Go(func() error {
			res, err := c.ApplyEscrow(ctx, client.EscrowOperation{
				OperationID:   "seed_credit_" + w.id,
				Type:          "credit",
				PayerWalletID: w.id,
				AmountCents:   w.creditCents,
				Currency:      currency,
				Memo:          "demo funding",
			})
			if err != nil {
				return fmt.Errorf("credit %s: %w", w.id, err)
			}
			logger.Info("wallet funded",
				zap.String("wallet_id", w.id),
				zap.Int64("amount_cents", w.creditCents),
				zap.Bool("applied", res.Applied),
			)
			return nil
		})
	}
	return g.Wait()
}

func seedRun(ctx context.Context, c *client.Client, r runSeed, logger *zap.Logger) error {
	st, err := c.GetSettlement(ctx, r.settlementID)
	var apiErr *client.APIError
	switch {
	case errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound:
		st, err = c.LockSettlement(ctx, client.LockRequest{
			SettlementID:  r.settlementID,
			RunID:         r.runID,
			PayerWalletID: r.payer,
			PayeeWalletID: r.payee,
			AmountCents:   r.amountCents,
			Currency:      currency,
		})
		if err != nil {
			return fmt.Errorf("lock: %w", err)
		}
		logger.Info("settlement locked", zap.String("settlement_id", st.SettlementID))
	case err != nil:
		return fmt.Errorf("get: %w", err)
	}

	if r.settle == nil || st.Status != "locked" || st.DecisionStatus != "pending" {
		return nil
	}
	res, err := c.Settle(ctx, r.settlementID, *r.settle)
	if err != nil {
		return fmt.Errorf("settle: %w", err)
	}
	logger.Info("settlement decided",
		zap.String("settlement_id", r.settlementID),
		zap.String("status", res.Settlement.Status),
		zap.Int("release_rate_pct", res.Decision.ReleaseRatePct),
		zap.String("decision_mode", res.Decision.DecisionMode),
	)
	return nil
}
