// settle-mcp-bridge exposes the settlement API as MCP tools, so an AI host
// can look up settlements, balances and receipts for a tenant.
//
// Register it with an MCP host:
//
//	{
//	  "mcpServers": {
//	    "settlement": {
//	      "command": "/path/to/settle-mcp-bridge",
//	      "args": ["--server", "https://settle.example.com", "--tenant", "tenant_a"],
//	      "env": {"SETTLE_API_KEY": "..."}
//	    }
//	  }
//	}
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jmerrifield20/nexus-settlement/internal/identity"
	"github.com/jmerrifield20/nexus-settlement/internal/mcpbridge"
	"github.com/jmerrifield20/nexus-settlement/pkg/client"
)

var (
	serverURL string
	tenantID  string
	apiKey    string
	token     string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "settle-mcp-bridge",
	Short: "MCP bridge for the settlement API",
	Long: `settle-mcp-bridge is a stdio MCP server exposing settlement tools to any
MCP-compatible AI host:

  canonical_hash     canonicalize and hash a JSON value
  verify_receipt     run the kernel verifier over a receipt
  wallet_balance     available and escrow-locked balance of a wallet
  get_settlement     one settlement with its decision record and receipt
  list_settlements   recent settlements of the tenant
  verify_settlement  re-verify a stored settlement
  open_dispute       open a dispute on a locked settlement
  audit_verify       check the audit chain

The API key may also be given in SETTLE_API_KEY. All logging goes to
stderr so it does not interfere with the protocol.`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "settled base URL")
	rootCmd.Flags().StringVar(&tenantID, "tenant", "", "tenant id for API key authentication")
	rootCmd.Flags().StringVar(&apiKey, "api-key", "", "tenant API key (default $SETTLE_API_KEY)")
	rootCmd.Flags().StringVar(&token, "token", "", "bearer token; overrides --api-key")
}

func run(cmd *cobra.Command, _ []string) error {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	logger, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if apiKey == "" {
		apiKey = os.Getenv("SETTLE_API_KEY")
	}

	var opts []client.Option
	switch {
	case token != "":
		opts = append(opts, client.WithBearerToken(token))
	case apiKey != "":
		// Read scopes plus dispute writes; escrow and rail stay out of reach.
		opts = append(opts, client.WithAPIKey(tenantID, apiKey,
			identity.ScopeSettlementRead, identity.ScopeSettlementWrite))
	default:
		logger.Warn("no credentials; only canonical_hash and verify_receipt will work")
	}

	c, err := client.New(serverURL, opts...)
	if err != nil {
		return fmt.Errorf("create settlement client: %w", err)
	}

	tools := mcpbridge.NewToolRegistry(c)
	server := mcpbridge.NewServer(os.Stdout, tools, logger)

	names := make([]string, 0, len(tools.Definitions()))
	for _, d := range tools.Definitions() {
		names = append(names, d.Name)
	}
	logger.Info("settlement MCP bridge ready",
		zap.String("server", serverURL),
		zap.String("tenant_id", tenantID),
		zap.String("tools", strings.Join(names, ",")),
	)

	return server.Serve(cmd.Context(), os.Stdin)
}
