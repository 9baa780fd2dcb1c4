package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"
)

// ErrNoCredentials is returned by authenticated calls when the client has
// neither an API key nor a bearer token.
var ErrNoCredentials = errors.New("client has no credentials")

// APIError is a non-2xx response. Code is the stable business code when the
// server sent one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Field      string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("settlement api %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("settlement api %d: %s", e.StatusCode, e.Message)
}

// Client talks to one settlement server.
type Client struct {
	base       string
	httpClient *http.Client

	tenantID string
	apiKey   string
	scopes   []string

	// token state, guarded by mu
	mu          sync.Mutex
	bearerToken string
	tokenExpiry time.Time // zero = set manually, never refreshed
}

// Option configures a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithBearerToken attaches a pre-obtained ops token to every request. It is
// never refreshed.
func WithBearerToken(token string) Option {
	return func(c *Client) error {
		c.bearerToken = token
		c.tokenExpiry = time.Time{}
		return nil
	}
}

// WithAPIKey makes the client exchange a tenant API key for ops tokens.
// Without scopes the server grants every non-admin scope.
func WithAPIKey(tenantID, key string, scopes ...string) Option {
	return func(c *Client) error {
		if tenantID == "" || key == "" {
			return fmt.Errorf("tenant id and api key are required")
		}
		c.tenantID, c.apiKey, c.scopes = tenantID, key, scopes
		return nil
	}
}

// New creates a Client for the server at base.
func New(base string, opts ...Option) (*Client, error) {
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	c := &Client{
		base:       base,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error.
func MustNew(base string, opts ...Option) *Client {
	c, err := New(base, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// FetchToken exchanges the API key for a fresh ops token and caches it.
func (c *Client) FetchToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetchTokenLocked(ctx)
}

func (c *Client) fetchTokenLocked(ctx context.Context) (string, error) {
	if c.apiKey == "" {
		return "", ErrNoCredentials
	}
	var out struct {
		Token     string `json:"token"`
		ExpiresIn int    `json:"expiresIn"`
	}
	in := map[string]any{"tenantId": c.tenantID, "apiKey": c.apiKey, "scopes": c.scopes}
	if err := c.call(ctx, http.MethodPost, "/v1/auth/token", "", in, &out); err != nil {
		return "", fmt.Errorf("fetch token: %w", err)
	}
	// Refresh 30 s early to absorb clock skew.
	c.bearerToken = out.Token
	c.tokenExpiry = time.Now().Add(time.Duration(out.ExpiresIn)*time.Second - 30*time.Second)
	return out.Token, nil
}

// ensureToken returns a usable bearer token, fetching one when the cached
// token is missing or close to expiry.
func (c *Client) ensureToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bearerToken != "" && (c.tokenExpiry.IsZero() || time.Now().Before(c.tokenExpiry)) {
		return c.bearerToken, nil
	}
	return c.fetchTokenLocked(ctx)
}

// authed performs an authenticated JSON call.
func (c *Client) authed(ctx context.Context, method, path string, in, out any) error {
	token, err := c.ensureToken(ctx)
	if err != nil {
		return err
	}
	return c.call(ctx, method, path, token, in, out)
}

// call performs one JSON request. A nil in sends no body; a nil out
// discards the response.
func (c *Client) call(ctx context.Context, method, path, token string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
			Code  string `json:"code"`
			Field string `json:"field"`
		}
		if json.Unmarshal(raw, &e) != nil || e.Error == "" {
			e.Error = string(raw)
		}
		return &APIError{StatusCode: resp.StatusCode, Code: e.Code, Message: e.Error, Field: e.Field}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func escape(s string) string { return url.PathEscape(s) }

func itoa(n int) string { return strconv.Itoa(n) }
