package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/jmerrifield20/nexus-settlement/pkg/client"
)

var ctx = context.Background()

type stub struct {
	tokens   atomic.Int32
	lastAuth atomic.Value
}

func (s *stub) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/auth/token", func(w http.ResponseWriter, r *http.Request) {
		var in map[string]any
		json.NewDecoder(r.Body).Decode(&in)
		if in["apiKey"] != "nsk_good" {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]any{"error": "invalid credentials"})
			return
		}
		s.tokens.Add(1)
		json.NewEncoder(w).Encode(map[string]any{"token": "tok_1", "expiresIn": 900})
	})

	mux.HandleFunc("POST /v1/settlements", func(w http.ResponseWriter, r *http.Request) {
		s.lastAuth.Store(r.Header.Get("Authorization"))
		var in map[string]any
		json.NewDecoder(r.Body).Decode(&in)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"settlementId": "stl_1", "runId": in["runId"], "status": "locked",
			"amountCents": in["amountCents"], "currency": in["currency"],
		})
	})

	mux.HandleFunc("POST /v1/settlements/stl_1/settle", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]any{
			"error": "settlement stl_1 is already resolved", "code": "SETTLEMENT_ALREADY_RESOLVED",
		})
	})

	mux.HandleFunc("POST /v1/canonical/hash", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			t.Error("public route received a bearer token")
		}
		json.NewEncoder(w).Encode(map[string]any{"canonical": `{"a":1}`, "hash": "abc"})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_exchangesAPIKeyOnce(t *testing.T) {
	s := &stub{}
	srv := s.server(t)
	c := client.MustNew(srv.URL, client.WithAPIKey("tenant_a", "nsk_good"))

	for i := 0; i < 3; i++ {
		st, err := c.LockSettlement(ctx, client.LockRequest{
			RunID: "run_1", PayerWalletID: "w_payer", PayeeWalletID: "w_payee", AmountCents: 2500, Currency: "USD",
		})
		if err != nil {
			t.Fatalf("LockSettlement: %v", err)
		}
		if st.SettlementID != "stl_1" || st.Status != "locked" || st.AmountCents != 2500 {
			t.Errorf("settlement = %+v", st)
		}
	}
	if got := s.tokens.Load(); got != 1 {
		t.Errorf("token exchanges = %d, want 1", got)
	}
	if got := s.lastAuth.Load(); got != "Bearer tok_1" {
		t.Errorf("Authorization = %v, want Bearer tok_1", got)
	}
}

func TestClient_apiError(t *testing.T) {
	srv := (&stub{}).server(t)
	c := client.MustNew(srv.URL, client.WithBearerToken("manual"))

	_, err := c.Settle(ctx, "stl_1", client.SettleRequest{VerificationStatus: "green", RunStatus: "completed"})
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusConflict || apiErr.Code != "SETTLEMENT_ALREADY_RESOLVED" {
		t.Errorf("APIError = %+v", apiErr)
	}
}

func TestClient_badAPIKey(t *testing.T) {
	srv := (&stub{}).server(t)
	c := client.MustNew(srv.URL, client.WithAPIKey("tenant_a", "nsk_bad"))

	_, err := c.GetSettlement(ctx, "stl_1")
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("got %v, want 401 APIError", err)
	}
}

func TestClient_noCredentials(t *testing.T) {
	srv := (&stub{}).server(t)
	c := client.MustNew(srv.URL)

	if _, err := c.GetSettlement(ctx, "stl_1"); !errors.Is(err, client.ErrNoCredentials) {
		t.Errorf("got %v, want ErrNoCredentials", err)
	}
	canon, hash, err := c.CanonicalHash(ctx, map[string]int{"a": 1})
	if err != nil {
		t.Fatalf("CanonicalHash: %v", err)
	}
	if canon != `{"a":1}` || hash != "abc" {
		t.Errorf("got %q %q", canon, hash)
	}
}

func TestNew_rejectsEmptyAPIKey(t *testing.T) {
	if _, err := client.New("http://localhost", client.WithAPIKey("tenant_a", "")); err == nil {
		t.Error("expected error for empty api key")
	}
}
