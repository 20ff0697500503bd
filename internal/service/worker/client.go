package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/hololee/Lyra/internal/apperr"
	"github.com/hololee/Lyra/internal/domain"
)

// HealthPath is the worker endpoint probed by health checks.
const HealthPath = "/api/worker/health"

// maxResponseBytes bounds how much of a worker response is read.
const maxResponseBytes = 8 << 20

// HealthResult is the classified outcome of a health probe.
type HealthResult struct {
	Status    domain.WorkerHealthStatus
	Message   string
	Latency   time.Duration
	CheckedAt time.Time
}

// Healthy reports whether the worker answered as expected.
func (r HealthResult) Healthy() bool { return r.Status == domain.WorkerHealthy }

// Client talks to the worker-facing API of remote nodes.
type Client struct {
	httpClient *http.Client
	now        func() time.Time
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// NewClient constructs a worker client whose requests time out after timeout.
func NewClient(timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: timeout},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CheckHealth probes the worker and classifies the outcome. Transient transport
// failures are retried once.
func (c *Client) CheckHealth(ctx context.Context, baseURL, token string) HealthResult {
	started := c.now()
	result := c.checkHealth(ctx, baseURL, token)
	result.CheckedAt = c.now().UTC()
	result.Latency = c.now().Sub(started)
	return result
}

func (c *Client) checkHealth(ctx context.Context, baseURL, token string) HealthResult {
	if strings.TrimSpace(baseURL) == "" || strings.TrimSpace(token) == "" {
		return HealthResult{Status: domain.WorkerMisconfigured, Message: "worker base URL or API token is not configured"}
	}
	resp, err := c.send(ctx, http.MethodGet, baseURL+HealthPath, token, nil)
	if err != nil && transientTransportError(ctx, err) {
		resp, err = c.send(ctx, http.MethodGet, baseURL+HealthPath, token, nil)
	}
	if err != nil {
		if transientTransportError(ctx, err) {
			return HealthResult{Status: domain.WorkerUnreachable, Message: fmt.Sprintf("worker unreachable: %v", err)}
		}
		return HealthResult{Status: domain.WorkerRequestFailed, Message: fmt.Sprintf("health request failed: %v", err)}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return HealthResult{Status: domain.WorkerAuthFailed, Message: fmt.Sprintf("worker rejected API token (status %d)", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		return HealthResult{Status: domain.WorkerRequestFailed, Message: fmt.Sprintf("worker responded with status %d", resp.StatusCode)}
	}
	var payload struct {
		Status string `json:"status"`
		Role   string `json:"role"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.Status != "ok" || payload.Role != "worker" {
		return HealthResult{Status: domain.WorkerAPIMismatch, Message: "worker health response did not match the expected API"}
	}
	return HealthResult{Status: domain.WorkerHealthy}
}

// Do issues an authenticated request and normalizes the response into a JSON object.
func (c *Client) Do(ctx context.Context, baseURL, token, method, path string, payload any) (map[string]any, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, apperr.Internal("worker_request_failed", "could not encode worker request").Wrap(err)
		}
		body = bytes.NewReader(raw)
	}
	resp, err := c.send(ctx, method, baseURL+path, token, body)
	if err != nil {
		if transientTransportError(ctx, err) {
			return nil, apperr.Unavailable("worker_unreachable", fmt.Sprintf("worker unreachable: %v", err)).Wrap(err)
		}
		return nil, apperr.BadGateway("worker_request_failed", fmt.Sprintf("worker request failed: %v", err)).Wrap(err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, apperr.BadGateway("worker_request_failed", "could not read worker response").Wrap(err)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, apperr.BadGateway("worker_auth_failed", "worker rejected the API token")
	}
	if resp.StatusCode >= http.StatusBadRequest {
		code, msg := extractError(raw, resp.StatusCode)
		return nil, apperr.BadGateway(code, msg).WithStatus(resp.StatusCode)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return map[string]any{}, nil
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, apperr.BadGateway("worker_api_mismatch", "worker returned a non-JSON response")
	}
	switch v := decoded.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return v, nil
	default:
		return nil, apperr.BadGateway("worker_api_mismatch", "worker returned an unexpected response shape")
	}
}

func (c *Client) send(ctx context.Context, method, endpoint, token string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	return c.httpClient.Do(req)
}

// extractError pulls {detail:{code,message}}, {detail|message|error} and a top-level
// code out of an error body.
func extractError(raw []byte, status int) (string, string) {
	code := "worker_request_failed"
	msg := fmt.Sprintf("Worker responded with status %d", status)
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return code, msg
	}
	if detail, ok := body["detail"].(map[string]any); ok {
		if c, ok := detail["code"].(string); ok && c != "" {
			code = c
		}
		if m, ok := detail["message"].(string); ok && m != "" {
			msg = m
		} else if m, ok := detail["detail"].(string); ok && m != "" {
			msg = m
		}
	} else {
		for _, key := range []string{"detail", "message", "error"} {
			if m, ok := body[key].(string); ok && m != "" {
				msg = m
				break
			}
		}
	}
	if c, ok := body["code"].(string); ok && c != "" {
		code = c
	}
	return code, msg
}

func transientTransportError(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() != nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET)
}

// IsRemoteNotFound reports whether err means the worker no longer has the resource.
func IsRemoteNotFound(err error) bool {
	e, ok := apperr.As(err)
	if !ok {
		return false
	}
	if e.Status == http.StatusNotFound {
		return true
	}
	switch e.Code {
	case "environment_not_found", "worker_environment_not_found":
		return true
	case "worker_request_failed":
		return strings.Contains(strings.ToLower(e.Message), "not found")
	}
	return false
}
