package webhooks_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/nexus-settlement/internal/identity"
	"github.com/jmerrifield20/nexus-settlement/internal/webhooks"
)

func newRouter(t *testing.T) (*gin.Engine, *identity.TokenIssuer) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tokens := identity.NewTokenIssuer(priv, "https://settlement.example.test", time.Hour)

	r := gin.New()
	authed := r.Group("/v1", identity.RequireToken(tokens))
	webhooks.NewHandler(newService(webhooks.NewMemoryStore()), zap.NewNop()).Register(
		authed,
		identity.RequireScope(identity.ScopeSettlementRead),
		identity.RequireScope(identity.ScopeSettlementWrite),
	)
	return r, tokens
}

func do(t *testing.T, r http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_lifecycle(t *testing.T) {
	r, tokens := newRouter(t)
	tokenA, _ := tokens.Issue("tenant_a", "ops", []string{identity.ScopeSettlementRead, identity.ScopeSettlementWrite})
	tokenB, _ := tokens.Issue("tenant_b", "ops", []string{identity.ScopeSettlementRead, identity.ScopeSettlementWrite})

	w := do(t, r, http.MethodPost, "/v1/webhooks", tokenA,
		`{"url":"https://example.test/hook","events":["settlement.released"]}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: got %d %s", w.Code, w.Body)
	}
	var created struct {
		Subscription webhooks.Subscription `json:"subscription"`
		Secret       string                `json:"secret"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	if created.Secret == "" || created.Subscription.ID == "" {
		t.Fatalf("create body: %s", w.Body)
	}

	w = do(t, r, http.MethodGet, "/v1/webhooks", tokenA, "")
	if w.Code != http.StatusOK || strings.Contains(w.Body.String(), created.Secret) {
		t.Fatalf("list: got %d %s", w.Code, w.Body)
	}
	if !strings.Contains(w.Body.String(), `"count":1`) {
		t.Errorf("list body: %s", w.Body)
	}

	w = do(t, r, http.MethodGet, "/v1/webhooks/"+created.Subscription.ID+"/deliveries", tokenB, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("other tenant deliveries: got %d, want 404", w.Code)
	}
	w = do(t, r, http.MethodDelete, "/v1/webhooks/"+created.Subscription.ID, tokenB, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("other tenant delete: got %d, want 404", w.Code)
	}

	w = do(t, r, http.MethodDelete, "/v1/webhooks/"+created.Subscription.ID, tokenA, "")
	if w.Code != http.StatusNoContent {
		t.Errorf("delete: got %d, want 204", w.Code)
	}
}

func TestHandler_rejects(t *testing.T) {
	r, tokens := newRouter(t)
	readOnly, _ := tokens.Issue("tenant_a", "ops", []string{identity.ScopeSettlementRead})
	writer, _ := tokens.Issue("tenant_a", "ops", []string{identity.ScopeSettlementWrite})

	tests := []struct {
		name  string
		token string
		body  string
		want  int
	}{
		{"no token", "", `{"url":"https://example.test/hook","events":["*"]}`, http.StatusUnauthorized},
		{"read scope only", readOnly, `{"url":"https://example.test/hook","events":["*"]}`, http.StatusForbidden},
		{"missing events", writer, `{"url":"https://example.test/hook"}`, http.StatusBadRequest},
		{"unknown event", writer, `{"url":"https://example.test/hook","events":["nope"]}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, r, http.MethodPost, "/v1/webhooks", tt.token, tt.body)
			if w.Code != tt.want {
				t.Errorf("got %d, want %d (%s)", w.Code, tt.want, w.Body)
			}
		})
	}
}
