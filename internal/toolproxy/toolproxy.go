// Package toolproxy forwards tool calls issued by the live model to the
// application's tool endpoint over HTTP.
//
// Each call is a POST with a JSON body {"name": ..., "args": {...}}. A 2xx
// response body is returned to the model verbatim as the tool result.
package toolproxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/questwhisper/questwhisper/internal/observe"
	"github.com/questwhisper/questwhisper/internal/resilience"
	"github.com/questwhisper/questwhisper/pkg/provider/live"
)

const (
	// DefaultTimeout bounds a single tool call.
	DefaultTimeout = 10 * time.Second

	// maxResultBytes caps how much of a response body is returned to the model.
	maxResultBytes = 64 << 10
)

// ErrEmptyName is returned when a call names no tool.
var ErrEmptyName = errors.New("toolproxy: empty tool name")

// StatusError reports a non-2xx response from the tool endpoint.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("toolproxy: endpoint returned %d: %s", e.Code, e.Body)
}

// Option configures a [Client].
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithTimeout sets the per-call timeout. Non-positive values are ignored.
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) {
		if d > 0 {
			cl.timeout = d
		}
	}
}

// WithHeader adds a header sent with every call.
func WithHeader(key, value string) Option {
	return func(cl *Client) { cl.header.Set(key, value) }
}

// WithMetrics records tool-call latency and outcome on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(cl *Client) { cl.metrics = m }
}

// WithBreaker guards the endpoint with b. Transport errors and 5xx responses
// count as failures; 4xx responses do not.
func WithBreaker(b *resilience.Breaker) Option {
	return func(cl *Client) { cl.breaker = b }
}

// Client posts tool calls to a single endpoint. It is safe for concurrent use.
type Client struct {
	url     string
	http    *http.Client
	timeout time.Duration
	header  http.Header
	metrics *observe.Metrics
	breaker *resilience.Breaker
}

type request struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// New returns a Client posting to url.
func New(url string, opts ...Option) *Client {
	c := &Client{
		url:     url,
		http:    http.DefaultClient,
		timeout: DefaultTimeout,
		header:  make(http.Header),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Call invokes tool name with args, a JSON object. Empty args are sent as {}.
func (c *Client) Call(ctx context.Context, name, args string) (string, error) {
	if name == "" {
		return "", ErrEmptyName
	}
	start := time.Now()
	out, err := c.guarded(ctx, name, args)
	status := "ok"
	switch {
	case errors.Is(err, resilience.ErrOpen):
		status = "rejected"
	case err != nil:
		status = "error"
	}
	c.metrics.RecordToolCall(ctx, name, status, time.Since(start))
	return out, err
}

func (c *Client) guarded(ctx context.Context, name, args string) (string, error) {
	if c.breaker == nil {
		return c.call(ctx, name, args)
	}
	var (
		out     string
		callErr error
	)
	err := c.breaker.Do(ctx, func(ctx context.Context) error {
		out, callErr = c.call(ctx, name, args)
		var se *StatusError
		if errors.As(callErr, &se) && se.Code < 500 {
			return nil
		}
		return callErr
	})
	if errors.Is(err, resilience.ErrOpen) {
		return "", fmt.Errorf("toolproxy: %s: %w", name, err)
	}
	return out, callErr
}

func (c *Client) call(ctx context.Context, name, args string) (string, error) {
	raw := json.RawMessage(args)
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage("{}")
	}
	if !json.Valid(raw) {
		return "", fmt.Errorf("toolproxy: %s: args are not valid JSON", name)
	}
	body, err := json.Marshal(request{Name: name, Args: raw})
	if err != nil {
		return "", fmt.Errorf("toolproxy: %s: encode: %w", name, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("toolproxy: %s: %w", name, err)
	}
	for k, v := range c.header {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("toolproxy: %s: %w", name, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResultBytes))
	if err != nil {
		return "", fmt.Errorf("toolproxy: %s: read: %w", name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(data))}
	}
	return string(data), nil
}

// Handler adapts c to a [live.ToolCallHandler]. ctx bounds every call the
// handler makes; it is usually the owning session's context.
func (c *Client) Handler(ctx context.Context) live.ToolCallHandler {
	return func(name, args string) (string, error) {
		out, err := c.Call(ctx, name, args)
		if err != nil {
			observe.Logger(ctx).Warn("tool call failed", "tool", name, "err", err)
			return "", err
		}
		observe.Logger(ctx).Debug("tool call completed", "tool", name, "bytes", len(out))
		return out, nil
	}
}
