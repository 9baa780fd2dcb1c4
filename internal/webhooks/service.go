// Package webhooks notifies tenants of settlement lifecycle events by
// POSTing HMAC-signed JSON to the URLs they subscribe.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/nexus-settlement/internal/validate"
)

// Headers set on every delivery.
const (
	SignatureHeader = "X-Settle-Signature"
	EventHeader     = "X-Settle-Event"
)

// MetricsRecorder is an optional callback for recording delivery outcomes.
type MetricsRecorder func(success bool)

// Config tunes delivery. Backoff holds the waits before each retry, so a
// delivery makes len(Backoff)+1 attempts.
type Config struct {
	Timeout time.Duration
	Backoff []time.Duration
}

// Service manages subscriptions and dispatches events.
type Service struct {
	store      Store
	httpClient *http.Client
	backoff    []time.Duration
	onMetrics  MetricsRecorder
	inflight   sync.WaitGroup
	now        func() time.Time
	logger     *zap.Logger
}

// NewService creates a Service. Zero Config fields default to a 10s timeout
// and retries after 1s and 5s.
func NewService(store Store, cfg Config, logger *zap.Logger) *Service {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Backoff == nil {
		cfg.Backoff = []time.Duration{time.Second, 5 * time.Second}
	}
	return &Service{
		store:      store,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		backoff:    cfg.Backoff,
		now:        time.Now,
		logger:     logger,
	}
}

// SetMetricsRecorder configures the metrics callback.
func (s *Service) SetMetricsRecorder(fn MetricsRecorder) {
	s.onMetrics = fn
}

// Subscribe creates a subscription with a generated HMAC secret. The secret
// is only ever returned here.
func (s *Service) Subscribe(ctx context.Context, tenantID string, req *CreateSubscriptionRequest) (*Subscription, error) {
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return nil, validate.Fieldf("url", "must be an absolute http(s) URL")
	}
	if len(req.Events) == 0 {
		return nil, validate.Fieldf("events", "at least one event is required")
	}
	for i, e := range req.Events {
		if e != EventAll && !slices.Contains(KnownEvents, e) {
			return nil, validate.Fieldf(fmt.Sprintf("events[%d]", i), "unknown event %q", e)
		}
	}

	secret, err := generateSecret()
	if err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	sub := &Subscription{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		URL:       req.URL,
		Events:    req.Events,
		Secret:    secret,
		Active:    true,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.Create(ctx, sub); err != nil {
		return nil, fmt.Errorf("create subscription: %w", err)
	}
	return sub, nil
}

// Unsubscribe deletes one of the tenant's subscriptions.
func (s *Service) Unsubscribe(ctx context.Context, tenantID, id string) error {
	return s.store.Delete(ctx, tenantID, id)
}

// List returns the tenant's subscriptions.
func (s *Service) List(ctx context.Context, tenantID string) ([]*Subscription, error) {
	return s.store.ListByTenant(ctx, tenantID)
}

// Deliveries returns the delivery attempts of one subscription.
func (s *Service) Deliveries(ctx context.Context, tenantID, id string) ([]*Delivery, error) {
	return s.store.Deliveries(ctx, tenantID, id)
}

// Dispatch fans an event out to the tenant's matching subscriptions.
// Deliveries run in the background and outlive the caller's request.
func (s *Service) Dispatch(ctx context.Context, tenantID, eventType string, payload map[string]string) {
	subs, err := s.store.ListByEvent(ctx, tenantID, eventType)
	if err != nil {
		s.logger.Error("webhook: list subscribers", zap.String("event", eventType), zap.Error(err))
		return
	}
	if len(subs) == 0 {
		return
	}

	event := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		TenantID:  tenantID,
		Timestamp: s.now().UTC(),
		Payload:   payload,
	}
	body, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("webhook: marshal event", zap.Error(err))
		return
	}

	bg := context.WithoutCancel(ctx)
	for _, sub := range subs {
		s.inflight.Add(1)
		go func(sub *Subscription) {
			defer s.inflight.Done()
			s.deliver(bg, sub, event, body)
		}(sub)
	}
}

// Wait blocks until every in-flight delivery has finished.
func (s *Service) Wait() {
	s.inflight.Wait()
}

// deliver sends the event to one subscription, retrying after each backoff.
func (s *Service) deliver(ctx context.Context, sub *Subscription, event Event, body []byte) {
	signature := SignPayload(body, sub.Secret)

	for attempt := 1; attempt <= len(s.backoff)+1; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(s.backoff[attempt-2]):
			case <-ctx.Done():
				return
			}
		}

		success, statusCode, errMsg := s.doDelivery(ctx, sub.URL, event.Type, body, signature)

		delivery := &Delivery{
			ID:             uuid.NewString(),
			SubscriptionID: sub.ID,
			EventID:        event.ID,
			EventType:      event.Type,
			StatusCode:     statusCode,
			Attempt:        attempt,
			Success:        success,
			ErrorMessage:   errMsg,
			DeliveredAt:    s.now().UTC(),
		}
		if err := s.store.RecordDelivery(ctx, delivery); err != nil {
			s.logger.Warn("webhook: record delivery", zap.Error(err))
		}
		if s.onMetrics != nil {
			s.onMetrics(success)
		}
		if success {
			return
		}

		s.logger.Warn("webhook: delivery failed",
			zap.String("subscription_id", sub.ID),
			zap.String("event", event.Type),
			zap.Int("attempt", attempt),
			zap.String("error", errMsg),
		)
	}
}

// doDelivery performs a single HTTP POST delivery.
func (s *Service) doDelivery(ctx context.Context, target, eventType string, body []byte, signature string) (bool, int, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return false, 0, err.Error()
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, signature)
	req.Header.Set(EventHeader, eventType)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false, 0, err.Error()
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024)) //nolint:errcheck

	success := resp.StatusCode >= 200 && resp.StatusCode < 300
	errMsg := ""
	if !success {
		errMsg = fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return success, resp.StatusCode, errMsg
}

// SignPayload computes the "sha256=<hex>" HMAC of body under secret.
// Receivers recompute it to authenticate a delivery.
func SignPayload(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// generateSecret creates a random 32-byte hex-encoded secret.
func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
