package moneyrail_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/nexus-settlement/internal/bizerr"
	"github.com/jmerrifield20/nexus-settlement/internal/moneyrail"
)

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatal(err)
	}
	return ts
}

type fakeCircle struct {
	mu        sync.Mutex
	status    string
	fail      bool
	requests  []map[string]any
	authSeen  []string
	transfers int
}

func (f *fakeCircle) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/transfers", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.authSeen = append(f.authSeen, r.Header.Get("Authorization"))
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		f.requests = append(f.requests, body)
		if f.fail {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"code":2,"message":"insufficient funds"}`))
			return
		}
		f.transfers++
		_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"id": "xfer_1", "status": f.status}})
	})
	mux.HandleFunc("GET /v1/transfers/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"id": r.PathValue("id"), "status": f.status}})
	})
	return mux
}

func newCircle(t *testing.T, f *fakeCircle) *moneyrail.CircleAdapter {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	return moneyrail.NewCircleAdapter(moneyrail.CircleConfig{
		BaseURL:  srv.URL,
		APIKey:   "test-key",
		WalletID: "1000001",
		Timeout:  2 * time.Second,
		RPS:      1000,
	}, moneyrail.NewMemoryStore(), zap.NewNop())
}

func TestCircleAdapter_createAndRefresh(t *testing.T) {
	f := &fakeCircle{status: "pending"}
	a := newCircle(t, f)

	op, err := a.Create(ctx, payout("op_1"))
	if err != nil {
		t.Fatal(err)
	}
	if op.State != moneyrail.StateSubmitted || op.ProviderRef == nil || *op.ProviderRef != "xfer_1" {
		t.Errorf("got state=%s ref=%v", op.State, op.ProviderRef)
	}
	req := f.requests[0]
	amount := req["amount"].(map[string]any)
	if amount["amount"] != "25.00" || amount["currency"] != "USD" {
		t.Errorf("amount = %v", amount)
	}
	if src := req["source"].(map[string]any); src["id"] != "1000001" {
		t.Errorf("source = %v", src)
	}
	if f.authSeen[0] != "Bearer test-key" {
		t.Errorf("Authorization = %q", f.authSeen[0])
	}

	f.mu.Lock()
	f.status = "complete"
	f.mu.Unlock()
	op, err = a.Status(ctx, "tenant_a", "op_1")
	if err != nil {
		t.Fatal(err)
	}
	if op.State != moneyrail.StateConfirmed {
		t.Errorf("after refresh state = %s", op.State)
	}

	if _, err := a.Create(ctx, payout("op_1")); err != nil {
		t.Fatal(err)
	}
	if f.transfers != 1 {
		t.Errorf("transfers = %d, replay must not resubmit", f.transfers)
	}
	if _, err := a.Cancel(ctx, "tenant_a", "op_1"); !bizerr.Is(err, bizerr.RailTransitionInvalid) {
		t.Errorf("cancel after submit: got %v", err)
	}
}

func TestCircleAdapter_providerErrorLeavesOperationInitiated(t *testing.T) {
	f := &fakeCircle{status: "pending", fail: true}
	a := newCircle(t, f)

	_, err := a.Create(ctx, payout("op_1"))
	var perr *moneyrail.ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("got %v, want *ProviderError", err)
	}
	if perr.StatusCode != http.StatusBadRequest || perr.Code != 2 || perr.Message != "insufficient funds" {
		t.Errorf("got %+v", perr)
	}
	if len(f.requests) != 1 {
		t.Errorf("requests = %d, the adapter must not retry", len(f.requests))
	}
	op, err := a.Status(ctx, "tenant_a", "op_1")
	if err != nil || op.State != moneyrail.StateInitiated {
		t.Fatalf("Status = %+v, %v", op, err)
	}

	f.mu.Lock()
	f.fail = false
	f.mu.Unlock()
	op, err = a.Create(ctx, payout("op_1"))
	if err != nil {
		t.Fatal(err)
	}
	if op.State != moneyrail.StateSubmitted {
		t.Errorf("resubmitted state = %s", op.State)
	}
	if f.requests[0]["idempotencyKey"] != f.requests[1]["idempotencyKey"] {
		t.Error("resubmission used a new idempotency key")
	}
}

func TestCircleAdapter_finalStatusOnCreate(t *testing.T) {
	a := newCircle(t, &fakeCircle{status: "failed"})
	op, err := a.Create(ctx, payout("op_1"))
	if err != nil {
		t.Fatal(err)
	}
	if op.State != moneyrail.StateFailed {
		t.Errorf("state = %s", op.State)
	}
}

func TestCentsConversion(t *testing.T) {
	if got := moneyrail.CentsToAmount(123456); got != "1234.56" {
		t.Errorf("CentsToAmount = %s", got)
	}
	if got := moneyrail.CentsToAmount(5); got != "0.05" {
		t.Errorf("CentsToAmount = %s", got)
	}
	c, err := moneyrail.AmountToCents("19.9")
	if err != nil || c != 1990 {
		t.Errorf("AmountToCents = %d, %v", c, err)
	}
	if _, err := moneyrail.AmountToCents("0.001"); err == nil {
		t.Error("expected error for sub-cent amount")
	}
}
