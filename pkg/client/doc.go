// Package client is the Go SDK for the settlement HTTP API.
//
// # Authenticating
//
// Tenants exchange an API key for a short-lived ops token. The client does
// the exchange on first use and again shortly before the token expires:
//
//	c, err := client.New("https://settle.example.com",
//	    client.WithAPIKey("tenant_a", os.Getenv("SETTLE_API_KEY")),
//	)
//
// A token minted elsewhere (for example by 'settlectl token') can be passed
// with WithBearerToken instead; it is never refreshed.
//
// # Settling a run
//
//	st, _ := c.LockSettlement(ctx, client.LockRequest{
//	    RunID:         "run_42",
//	    PayerWalletID: "wallet_buyer",
//	    PayeeWalletID: "wallet_agent",
//	    AmountCents:   2500,
//	    Currency:      "USD",
//	})
//	res, _ := c.Settle(ctx, st.SettlementID, client.SettleRequest{
//	    PolicyPack:         "default",
//	    VerificationMethod: client.VerificationMethod{Mode: "deterministic"},
//	    VerificationStatus: "green",
//	    RunStatus:          "completed",
//	})
//
// Failures carry the server's stable code in *APIError:
//
//	var apiErr *client.APIError
//	if errors.As(err, &apiErr) && apiErr.Code == "SETTLEMENT_ALREADY_RESOLVED" { ... }
package client
