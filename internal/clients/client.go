// Package clients calls the other services of the platform over HTTP.
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"droneFoodDelivery/internal/apperr"
)

const maxResponseBytes = 1 << 20

// TokenSource supplies the bearer token presented to peer services.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Options configures a service client.
type Options struct {
	BaseURL      string
	Timeout      time.Duration // per attempt
	RetryMax     int
	RetryBackoff time.Duration
	Tokens       TokenSource
	HTTPClient   *http.Client
	Logger       *zap.Logger
}

// base executes JSON requests against one peer. Failures are returned as *apperr.Error:
// the peer's envelope is decoded back into its code, and transport failures, timeouts and
// 5xx responses become upstream_unavailable.
type base struct {
	baseURL  string
	http     *http.Client
	retryMax int
	backoff  time.Duration
	tokens   TokenSource
	logger   *zap.Logger
}

func newBase(opts Options) (*base, error) {
	u := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if u == "" {
		return nil, errors.New("clients: base URL is required")
	}
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	backoff := opts.RetryBackoff
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	retryMax := opts.RetryMax
	if retryMax < 0 {
		retryMax = 0
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &base{baseURL: u, http: hc, retryMax: retryMax, backoff: backoff, tokens: opts.Tokens, logger: logger}, nil
}

// do sends the request, retrying with exponential backoff when retry is set and the failure
// is retryable. Only endpoints that are idempotent on the server are called with retry.
func (c *base) do(ctx context.Context, method, path string, body, target any, retry bool) error {
	attempts := 1
	if retry {
		attempts += c.retryMax
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			wait := c.backoff * time.Duration(1<<uint(attempt-1))
			select {
			case <-ctx.Done():
				return apperr.Wrap(apperr.CodeUpstreamUnavailable, ctx.Err(), "%s %s cancelled", method, path)
			case <-time.After(wait):
			}
		}
		err := c.once(ctx, method, path, body, target)
		if err == nil {
			return nil
		}
		lastErr = err
		if !apperr.Retryable(err) {
			return err
		}
		c.logger.Warn("peer request failed",
			zap.String("method", method), zap.String("path", path),
			zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return lastErr
}

func (c *base) once(ctx context.Context, method, path string, body, target any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return apperr.Internal(err, "encode request")
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return apperr.Internal(err, "build request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		tok, err := c.tokens.Token(ctx)
		if err != nil {
			return apperr.Internal(err, "service token")
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.CodeUpstreamUnavailable, err, "%s %s", method, path)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return apperr.Wrap(apperr.CodeUpstreamUnavailable, err, "read %s %s response", method, path)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp.StatusCode, raw)
	}
	if target != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, target); err != nil {
			return apperr.Internal(err, "decode %s %s response", method, path)
		}
	}
	return nil
}

// decodeError rebuilds the peer's error envelope, keeping its correlation details.
func decodeError(status int, raw []byte) error {
	if status == http.StatusTooManyRequests {
		return apperr.New(apperr.CodeUpstreamUnavailable, "peer is throttling requests")
	}
	var env map[string]any
	if err := json.Unmarshal(raw, &env); err != nil {
		return apperr.FromHTTP(status, "", strings.TrimSpace(string(raw)))
	}
	code, _ := env["error"].(string)
	msg, _ := env["message"].(string)
	e := apperr.FromHTTP(status, code, msg)
	for k, v := range env {
		switch k {
		case "error", "message", "status", "request_id":
			continue
		}
		e = e.WithDetail(k, v)
	}
	return e
}

func pathf(format string, ids ...string) string {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = url.PathEscape(strings.TrimSpace(id))
	}
	return fmt.Sprintf(format, args...)
}
