// Package api is the HTTP client for the chat backend's request/response
// endpoints: authentication, profile, roster, history and sending. All calls
// carry the session cookie set by login or signup.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/time/rate"

	"github.com/quictalk/chat-client/internal/metrics"
)

// maxErrorBody caps how much of an error response is read.
const maxErrorBody = 64 << 10

// Config holds HTTP client settings.
type Config struct {
	BaseURL string        // API root including the /api prefix
	Timeout time.Duration // per-request timeout
	Rate    float64       // sustained requests per second (<= 0 disables throttling)
	Burst   int           // burst size for the throttle
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:5001/api",
		Timeout: 15 * time.Second,
		Rate:    10,
		Burst:   20,
	}
}

// Client calls the chat backend's HTTP API.
type Client struct {
	base    string
	http    *http.Client
	jar     http.CookieJar
	limiter *rate.Limiter
	logger  *slog.Logger
}

// New creates a Client with its own cookie jar.
func New(config Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := url.ParseRequestURI(config.BaseURL); err != nil {
		return nil, fmt.Errorf("api: invalid base url %q: %w", config.BaseURL, err)
	}
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("api: cookie jar: %w", err)
	}

	limit := rate.Inf
	if config.Rate > 0 {
		limit = rate.Limit(config.Rate)
	}
	burst := config.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Client{
		base:    strings.TrimRight(config.BaseURL, "/"),
		http:    &http.Client{Timeout: config.Timeout, Jar: jar},
		jar:     jar,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger.With("component", "api"),
	}, nil
}

// CookieHeader returns a Cookie header carrying the jar's cookies for
// rawURL. ws:// and wss:// URLs are looked up as http:// and https://.
func (c *Client) CookieHeader(rawURL string) http.Header {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	cookies := c.jar.Cookies(u)
	if len(cookies) == 0 {
		return nil
	}
	parts := make([]string, 0, len(cookies))
	for _, ck := range cookies {
		parts = append(parts, ck.Name+"="+ck.Value)
	}
	return http.Header{"Cookie": []string{strings.Join(parts, "; ")}}
}

// do performs one JSON request. A nil out discards the response body.
func (c *Client) do(ctx context.Context, op, method, path string, in, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("api: %s: %w", op, err)
	}

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("api: %s: marshal request: %w", op, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("api: %s: build request: %w", op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	requestID := uuid.New().String()
	req.Header.Set("X-Request-ID", requestID)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.APIRequestDuration.WithLabelValues(op, metrics.StatusClass(0)).Observe(time.Since(start).Seconds())
		c.logger.Warn("no response received", "op", op, "request_id", requestID, "error", err)
		return fmt.Errorf("api: %s: %w", op, err)
	}
	defer resp.Body.Close()
	metrics.APIRequestDuration.WithLabelValues(op, metrics.StatusClass(resp.StatusCode)).Observe(time.Since(start).Seconds())

	if resp.StatusCode >= http.StatusBadRequest {
		reqErr := &RequestError{Op: op, Status: resp.StatusCode, Message: errorMessage(resp.Body)}
		switch resp.StatusCode {
		case http.StatusUnauthorized:
			c.logger.Debug("not authenticated", "op", op, "request_id", requestID)
		case http.StatusForbidden:
			c.logger.Warn("forbidden", "op", op, "request_id", requestID, "message", reqErr.Message)
		default:
			c.logger.Warn("request failed", "op", op, "request_id", requestID,
				"status", resp.StatusCode, "message", reqErr.Message)
		}
		return reqErr
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("api: %s: decode response: %w", op, err)
	}
	return nil
}

// errorMessage extracts "message" or "error" from a JSON error body.
func errorMessage(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, maxErrorBody))
	if err != nil || len(raw) == 0 {
		return ""
	}
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return ""
	}
	if body.Message != "" {
		return body.Message
	}
	return body.Error
}
