package moneyrail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/jmerrifield20/nexus-settlement/internal/bizerr"
)

// ProviderError is a non-2xx answer from a provider API.
type ProviderError struct {
	Provider   string
	StatusCode int
	Code       int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: status %d code %d: %s", e.Provider, e.StatusCode, e.Code, e.Message)
}

// CircleConfig configures the Circle adapter.
type CircleConfig struct {
	BaseURL string
	APIKey  string
	// WalletID is the tenant-side Circle wallet funds move out of (payouts)
	// or into (collections).
	WalletID string
	Timeout  time.Duration
	RPS      float64
}

// CircleAdapter submits operations as Circle transfers. Requests carry a
// bearer API key, are rate limited client-side and are never retried here.
type CircleAdapter struct {
	cfg     CircleConfig
	http    *http.Client
	limiter *rate.Limiter
	store   Store
	now     func() time.Time
	logger  *zap.Logger
}

// NewCircleAdapter creates a CircleAdapter. Timeout defaults to 10s and RPS
// to 5.
func NewCircleAdapter(cfg CircleConfig, store Store, logger *zap.Logger) *CircleAdapter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RPS <= 0 {
		cfg.RPS = 5
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	client := oauth2.NewClient(context.Background(), oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: cfg.APIKey,
		TokenType:   "Bearer",
	}))
	client.Timeout = cfg.Timeout
	return &CircleAdapter{
		cfg:     cfg,
		http:    client,
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), 1),
		store:   store,
		now:     time.Now,
		logger:  logger,
	}
}

// Provider implements Adapter.
func (a *CircleAdapter) Provider() string { return "circle" }

type circleEndpoint struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type circleMoney struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

type circleTransferRequest struct {
	IdempotencyKey string         `json:"idempotencyKey"`
	Source         circleEndpoint `json:"source"`
	Destination    circleEndpoint `json:"destination"`
	Amount         circleMoney    `json:"amount"`
}

type circleTransfer struct {
	ID     string      `json:"id"`
	Status string      `json:"status"`
	Amount circleMoney `json:"amount"`
}

type circleEnvelope struct {
	Data circleTransfer `json:"data"`
}

// circleState maps a Circle transfer status to a rail state.
func circleState(status string) (State, bool) {
	switch status {
	case "pending":
		return StateSubmitted, true
	case "complete":
		return StateConfirmed, true
	case "failed":
		return StateFailed, true
	}
	return "", false
}

// CentsToAmount formats integer cents as a provider decimal string.
func CentsToAmount(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}

// AmountToCents parses a provider decimal string into integer cents. Amounts
// with sub-cent precision are rejected.
func AmountToCents(amount string) (int64, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	c := d.Shift(2)
	if !c.IsInteger() {
		return 0, fmt.Errorf("amount %q has sub-cent precision", amount)
	}
	return c.IntPart(), nil
}

// circleIdempotencyKey derives the UUID Circle requires from the tenant's
// idempotency key, so a retried Create reuses it.
func circleIdempotencyKey(tenantID, key string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("nexus-settlement:"+tenantID+":"+key)).String()
}

// Create implements Adapter. The operation is stored as initiated before the
// provider call; when the call fails it stays initiated and a repeated
// Create resubmits with the same idempotency key.
func (a *CircleAdapter) Create(ctx context.Context, req CreateRequest) (*Operation, error) {
	req, err := req.normalize()
	if err != nil {
		return nil, err
	}
	op, created, err := a.store.Create(ctx, req, a.now())
	if err != nil {
		return nil, err
	}
	if !created && op.State != StateInitiated {
		return op, nil
	}

	wallet := circleEndpoint{Type: "wallet", ID: a.cfg.WalletID}
	other := circleEndpoint{Type: "wallet", ID: req.CounterpartyRef}
	body := circleTransferRequest{
		IdempotencyKey: circleIdempotencyKey(req.TenantID, req.IdempotencyKey),
		Source:         wallet,
		Destination:    other,
		Amount:         circleMoney{Amount: CentsToAmount(req.AmountCents), Currency: req.Currency},
	}
	if req.Direction == DirectionCollection {
		body.Source, body.Destination = other, wallet
	}

	var env circleEnvelope
	if err := a.do(ctx, http.MethodPost, "/v1/transfers", body, &env); err != nil {
		a.logger.Error("circle transfer failed",
			zap.String("operation_id", req.OperationID),
			zap.Error(err),
		)
		return nil, err
	}
	return a.apply(ctx, req.TenantID, req.OperationID, env.Data)
}

// Status implements Adapter. Operations already at the provider are
// refreshed from it.
func (a *CircleAdapter) Status(ctx context.Context, tenantID, operationID string) (*Operation, error) {
	op, err := a.store.Get(ctx, tenantID, operationID)
	if err != nil {
		return nil, err
	}
	if op.ProviderRef == nil || op.State.Terminal() {
		return op, nil
	}
	var env circleEnvelope
	if err := a.do(ctx, http.MethodGet, "/v1/transfers/"+url.PathEscape(*op.ProviderRef), nil, &env); err != nil {
		return nil, err
	}
	return a.apply(ctx, tenantID, operationID, env.Data)
}

// Cancel implements Adapter. Circle transfers cannot be recalled, so only
// operations that never reached the provider can be cancelled.
func (a *CircleAdapter) Cancel(ctx context.Context, tenantID, operationID string) (*Operation, error) {
	op, err := a.store.Get(ctx, tenantID, operationID)
	if err != nil {
		return nil, err
	}
	if op.ProviderRef != nil && op.State != StateCancelled {
		return nil, bizerr.New(bizerr.RailTransitionInvalid,
			"operation %s was submitted to circle and cannot be cancelled", operationID)
	}
	return cancel(ctx, a.store, tenantID, operationID, a.now())
}

func (a *CircleAdapter) apply(ctx context.Context, tenantID, operationID string, t circleTransfer) (*Operation, error) {
	to, ok := circleState(t.Status)
	if !ok {
		return nil, fmt.Errorf("circle transfer %s has unknown status %q", t.ID, t.Status)
	}
	op, _, err := a.store.Mutate(ctx, tenantID, operationID, nil, func(cur *Operation) (*Operation, error) {
		next := cur
		if cur.State == StateInitiated && to != StateSubmitted {
			// Circle may answer a create with a final status.
			var err error
			if next, _, err = next.transition(StateSubmitted, a.now()); err != nil {
				return nil, err
			}
		}
		next, _, err := next.transition(to, a.now())
		if err != nil {
			return nil, err
		}
		if next.ProviderRef == nil && t.ID != "" {
			ref := t.ID
			next.ProviderRef = &ref
		}
		return next, nil
	})
	return op, err
}

func (a *CircleAdapter) do(ctx context.Context, method, path string, in, out any) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("circle rate limiter: %w", err)
	}
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode circle request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.cfg.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("build circle request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("circle %s %s: %w", method, path, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read circle response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		perr := &ProviderError{Provider: a.Provider(), StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var e struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(raw, &e) == nil && e.Message != "" {
			perr.Code, perr.Message = e.Code, e.Message
		}
		return perr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode circle response: %w", err)
	}
	return nil
}
