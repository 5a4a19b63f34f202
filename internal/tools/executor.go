package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/apibridge/internal/auth"
	"github.com/haasonsaas/apibridge/internal/backoff"
	"github.com/haasonsaas/apibridge/pkg/models"
)

// maxResponseBytes bounds how much of a tool response body is read.
const maxResponseBytes = 10 << 20

// ExecutorConfig configures the tool executor.
type ExecutorConfig struct {
	// BaseURL is the root of the target API.
	BaseURL string

	// Timeout is the per-request deadline.
	// Default: 30s
	Timeout time.Duration

	// MaxRetries bounds retries for retryable transport failures.
	// Default: 2
	MaxRetries int

	// MaxConcurrency limits parallel executions within one assistant turn.
	// Default: 5
	MaxConcurrency int

	// Backoff controls the retry delay schedule.
	Backoff backoff.Policy
}

// DefaultExecutorConfig returns the default executor configuration.
func DefaultExecutorConfig() *ExecutorConfig {
	return &ExecutorConfig{
		Timeout:        30 * time.Second,
		MaxRetries:     2,
		MaxConcurrency: 5,
		Backoff: backoff.Policy{
			Initial: 200 * time.Millisecond,
			Max:     5 * time.Second,
			Factor:  2,
			Jitter:  0.2,
		},
	}
}

// Executor runs tool calls as HTTP requests. It is stateless with respect to
// sessions: credentials are passed per call.
type Executor struct {
	registry *Registry
	client   *http.Client
	config   *ExecutorConfig
	logger   *slog.Logger
	sem      chan struct{}
}

// NewExecutor creates a tool executor sharing the given HTTP client across
// sessions. Redirect following is disabled for non-safe methods.
func NewExecutor(registry *Registry, client *http.Client, config *ExecutorConfig, logger *slog.Logger) *Executor {
	if config == nil {
		config = DefaultExecutorConfig()
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 5
	}
	if client == nil {
		client = &http.Client{}
	}
	wrapped := *client
	wrapped.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) > 0 {
			switch via[0].Method {
			case http.MethodGet, http.MethodHead:
				if len(via) >= 10 {
					return errors.New("stopped after 10 redirects")
				}
				return nil
			}
		}
		return http.ErrUseLastResponse
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		registry: registry,
		client:   &wrapped,
		config:   config,
		logger:   logger,
		sem:      make(chan struct{}, config.MaxConcurrency),
	}
}

// ExecuteAll runs the calls concurrently up to the per-turn concurrency limit
// and returns results in the same order as the input calls regardless of
// completion order.
func (e *Executor) ExecuteAll(ctx context.Context, calls []models.ToolCall, creds *auth.Store) []models.ToolResult {
	if len(calls) == 0 {
		return nil
	}
	results := make([]models.ToolResult, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(idx int, tc models.ToolCall) {
			defer wg.Done()
			select {
			case e.sem <- struct{}{}:
				defer func() { <-e.sem }()
			case <-ctx.Done():
				results[idx] = errorResult(tc, "cancelled: "+ctx.Err().Error())
				return
			}
			results[idx] = e.Execute(ctx, tc, creds)
		}(i, call)
	}
	wg.Wait()
	return results
}

// Execute runs a single tool call. Failures are reported as error results so
// the model can react; they are never fatal to the turn.
func (e *Executor) Execute(ctx context.Context, call models.ToolCall, creds *auth.Store) models.ToolResult {
	desc := e.registry.Get(call.Name)
	if desc == nil {
		return errorResult(call, "unknown tool: "+call.Name)
	}

	args := map[string]any{}
	if len(call.Input) > 0 {
		if err := json.Unmarshal(call.Input, &args); err != nil {
			return errorResult(call, fmt.Sprintf("invalid arguments: %v", err))
		}
	}
	if err := desc.ValidateInput(args); err != nil {
		return errorResult(call, err.Error())
	}

	content, isError, err := e.doRequest(ctx, desc, args, creds)
	if err != nil {
		return errorResult(call, err.Error())
	}
	return models.ToolResult{
		ToolCallID: call.ID,
		Name:       call.Name,
		Content:    content,
		IsError:    isError,
	}
}

// doRequest builds and issues the HTTP request with retry and the one-shot
// OAuth2 refresh on 401.
func (e *Executor) doRequest(ctx context.Context, desc *Descriptor, args map[string]any, creds *auth.Store) (string, bool, error) {
	refreshed := false
	var lastErr error

	for attempt := 0; attempt <= e.config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", false, err
		}

		attemptCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
		req, err := e.buildRequest(attemptCtx, desc, args, creds)
		if err != nil {
			cancel()
			return "", false, err
		}

		resp, err := e.client.Do(req)
		if err != nil {
			cancel()
			lastErr = err
			if !retryableTransport(err) || attempt >= e.config.MaxRetries {
				return "", false, fmt.Errorf("request failed: %w", err)
			}
			e.logger.Warn("tool request failed, retrying",
				"tool", desc.Name, "attempt", attempt+1, "error", err)
			if err := backoff.Sleep(ctx, e.config.Backoff, attempt+1); err != nil {
				return "", false, err
			}
			continue
		}

		body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		resp.Body.Close()
		cancel()
		if readErr != nil {
			return "", false, fmt.Errorf("failed to read response: %w", readErr)
		}

		if resp.StatusCode == http.StatusUnauthorized && creds != nil && creds.Type() == auth.TypeOAuth2ClientCredentials && !refreshed {
			// The cached token may have been revoked upstream; refresh once
			// without consuming a retry attempt.
			refreshed = true
			creds.InvalidateToken()
			e.logger.Debug("401 on oauth2 credential, refreshing token", "tool", desc.Name)
			attempt--
			continue
		}

		if retryableStatus(resp.StatusCode) && attempt < e.config.MaxRetries {
			lastErr = fmt.Errorf("HTTP %d", resp.StatusCode)
			e.logger.Warn("tool request got retryable status",
				"tool", desc.Name, "status", resp.StatusCode, "attempt", attempt+1)
			if err := backoff.Sleep(ctx, e.config.Backoff, attempt+1); err != nil {
				return "", false, err
			}
			continue
		}

		return decodeResponse(resp.StatusCode, body)
	}

	return "", false, fmt.Errorf("request failed after %d attempts: %w", e.config.MaxRetries+1, lastErr)
}

// buildRequest routes arguments into path, query, and body per the descriptor.
func (e *Executor) buildRequest(ctx context.Context, desc *Descriptor, args map[string]any, creds *auth.Store) (*http.Request, error) {
	path := desc.Path
	query := url.Values{}
	body := map[string]any{}

	routing := map[string]string{}
	for _, p := range desc.Params {
		routing[p.Name] = p.In
	}
	methodHasBody := desc.Method == http.MethodPost || desc.Method == http.MethodPut || desc.Method == http.MethodPatch

	for name, value := range args {
		placeholder := "{" + name + "}"
		switch {
		case routing[name] == InPath || strings.Contains(path, placeholder):
			path = strings.ReplaceAll(path, placeholder, url.PathEscape(fmt.Sprint(value)))
		case routing[name] == InBody || (routing[name] == "" && methodHasBody):
			body[name] = value
		default:
			query.Set(name, fmt.Sprint(value))
		}
	}

	if strings.Contains(path, "{") {
		return nil, fmt.Errorf("missing path parameters for %s: %s", desc.Name, path)
	}

	fullURL := strings.TrimRight(e.config.BaseURL, "/") + path
	if encoded := query.Encode(); encoded != "" {
		fullURL += "?" + encoded
	}

	var reader io.Reader
	if methodHasBody && len(body) > 0 {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, desc.Method, fullURL, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "apibridge/internal")

	if creds != nil {
		if err := creds.Apply(ctx, req.Header, desc.Auth); err != nil {
			return nil, fmt.Errorf("authentication failed: %w", err)
		}
	}

	return req, nil
}

// decodeResponse renders the response as tool-result content. JSON bodies are
// re-serialized compactly; non-2xx statuses are embedded in the content and
// flagged as errors.
func decodeResponse(status int, body []byte) (string, bool, error) {
	content := string(body)
	if json.Valid(body) {
		var buf bytes.Buffer
		if err := json.Compact(&buf, body); err == nil {
			content = buf.String()
		}
	}
	if status < 200 || status >= 300 {
		return fmt.Sprintf("HTTP %d: %s", status, content), true, nil
	}
	return content, false, nil
}

func errorResult(call models.ToolCall, msg string) models.ToolResult {
	return models.ToolResult{
		ToolCallID: call.ID,
		Name:       call.Name,
		Content:    msg,
		IsError:    true,
	}
}

// retryableStatus reports whether an HTTP status warrants a retry.
func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// retryableTransport classifies transport errors. Timeouts and connection
// resets are retried; DNS and TLS failures are not.
func retryableTransport(err error) bool {
	if err == nil {
		return false
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return false
	}
	if strings.Contains(err.Error(), "tls:") || strings.Contains(err.Error(), "x509:") {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "unexpected EOF") ||
		strings.Contains(msg, "broken pipe")
}
