// Package questionapi is the HTTP client of the remote question service.
package questionapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/clinique-saint-luc/patientbff/internal/config"
	"github.com/clinique-saint-luc/patientbff/internal/observability"
	"github.com/clinique-saint-luc/patientbff/model"
)

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 1 << 20

// APIError is a non-2xx answer from the question service. Its Error is the
// service-provided message, or a generic one naming the status code.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return e.Message
}

// Client calls the question service with retries, a circuit breaker, and
// trace propagation. It is safe for concurrent use.
type Client struct {
	baseURL string
	ops     *Operations
	retry   config.RetryConfig
	http    *http.Client
	breaker *CircuitBreaker
	tokens  TokenSource
	metrics *observability.Metrics
	logger  *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithMetrics records backend request metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithLogger sets the client logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New creates a question service client. ops may be nil to use the built-in
// routes. When cfg.BaseURL is empty the document's server URL is used.
func New(cfg config.QuestionAPIConfig, ops *Operations, tokens TokenSource, opts ...Option) (*Client, error) {
	if ops == nil {
		ops = DefaultOperations()
	}
	if tokens == nil {
		tokens = ForwardToken{}
	}
	base := cfg.BaseURL
	if base == "" {
		base = ops.ServerURL()
	}
	if base == "" {
		return nil, errors.New("questionapi: no base URL configured")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	c := &Client{
		baseURL: strings.TrimSuffix(base, "/"),
		ops:     ops,
		retry:   cfg.Retry,
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxConnsPerHost:     50,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		tokens: tokens,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.breaker = NewCircuitBreaker(cfg.CircuitBreaker, func(s BreakerState) {
		c.metrics.SetBackendCircuitBreakerState(float64(s))
		c.logger.Warn("question service circuit breaker changed state", zap.Stringer("state", s))
	})
	c.metrics.SetOpenAPIOperationsIndexed(float64(ops.Count()))
	return c, nil
}

// Breaker exposes the circuit breaker state for diagnostics.
func (c *Client) Breaker() *CircuitBreaker {
	return c.breaker
}

// ErrNoQuestion is returned when the question service answers a creation with
// a success status but no question.
var ErrNoQuestion = errors.New("question service returned no question")

// CreateQuestion submits a draft and returns the stored question.
func (c *Client) CreateQuestion(ctx context.Context, draft model.QuestionDraft) (model.Question, error) {
	body, err := json.Marshal(draft)
	if err != nil {
		return model.Question{}, fmt.Errorf("questionapi: marshal draft: %w", err)
	}
	c.logger.Debug("creating question", observability.Draft("draft", draft))

	var q model.Question
	if err := c.call(ctx, OperationCreateQuestion, nil, body, &q); err != nil {
		return model.Question{}, err
	}
	if q.ID == "" {
		c.logger.Warn("question service accepted a draft without returning a question")
		return model.Question{}, ErrNoQuestion
	}
	return q, nil
}

// GetRecentQuestions returns one page of the recent questions listing.
func (c *Client) GetRecentQuestions(ctx context.Context, page int) (model.RecentQuestionsPage, error) {
	query := url.Values{"page": {strconv.Itoa(page)}}

	var out model.RecentQuestionsPage
	if err := c.call(ctx, OperationGetRecentQuestions, query, nil, &out); err != nil {
		return model.RecentQuestionsPage{}, err
	}
	if out.Questions == nil {
		out.Questions = []model.Question{}
	}
	return out, nil
}

// call runs one operation with retries and decodes a 2xx JSON body into out.
func (c *Client) call(ctx context.Context, opID string, query url.Values, body []byte, out any) error {
	op, ok := c.ops.Get(opID)
	if !ok {
		return fmt.Errorf("questionapi: operation %q not resolved", opID)
	}

	ctx, span := observability.StartSpan(ctx, "questionapi."+opID,
		attribute.String("http.request.method", op.Method),
	)

	reqURL := c.baseURL + op.Path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	status, respBody, err := c.executeWithRetry(ctx, op, reqURL, body)
	if err != nil {
		observability.EndSpanWithError(span, err)
		return err
	}
	span.SetAttributes(attribute.Int("http.response.status_code", status))

	if status < 200 || status > 299 {
		apiErr := &APIError{StatusCode: status, Message: extractMessage(status, respBody)}
		observability.EndSpanWithError(span, apiErr)
		return apiErr
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			err = fmt.Errorf("questionapi: decode %s response: %w", opID, err)
			observability.EndSpanWithError(span, err)
			return err
		}
	}
	observability.EndSpanWithError(span, nil)
	return nil
}

// executeWithRetry retries transport failures and retryable statuses with
// exponential backoff. Non-idempotent operations are retried only when the
// retry policy allows it.
func (c *Client) executeWithRetry(ctx context.Context, op Operation, reqURL string, body []byte) (int, []byte, error) {
	maxAttempts := c.retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	canRetry := isIdempotentMethod(op.Method) || !c.retry.IdempotentOnly

	var (
		lastErr    error
		lastStatus int
		lastBody   []byte
	)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			c.metrics.RecordBackendRetry(op.ID)
			select {
			case <-ctx.Done():
				return 0, nil, model.NewBackendTimeoutError()
			case <-time.After(calculateBackoff(c.retry, attempt)):
			}
		}

		status, respBody, err := c.executeOnce(ctx, op, reqURL, body)
		if err != nil {
			lastErr = err
			if !canRetry || !isRetryableError(err) {
				return 0, nil, err
			}
			c.logger.Debug("retrying question service call after error",
				zap.String("operation", op.ID),
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
			continue
		}

		if canRetry && isRetryableStatus(status) && attempt < maxAttempts-1 {
			lastErr, lastStatus, lastBody = nil, status, respBody
			c.logger.Debug("retrying question service call after status",
				zap.String("operation", op.ID),
				zap.Int("attempt", attempt+1),
				zap.Int("status", status),
			)
			continue
		}
		return status, respBody, nil
	}

	if lastErr != nil {
		return 0, nil, lastErr
	}
	return lastStatus, lastBody, nil
}

// executeOnce performs a single request under the circuit breaker.
func (c *Client) executeOnce(ctx context.Context, op Operation, reqURL string, body []byte) (int, []byte, error) {
	if err := c.breaker.Allow(); err != nil {
		return 0, nil, fmt.Errorf("%w: %w", model.NewBackendUnavailableError(), err)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, op.Method, reqURL, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("questionapi: build request: %w", err)
	}
	if err := c.setHeaders(ctx, req, body != nil); err != nil {
		return 0, nil, err
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.breaker.RecordFailure()
		c.metrics.RecordBackendRequest(op.ID, 0, time.Since(start))
		switch {
		case ctx.Err() != nil || isTimeout(err):
			return 0, nil, model.NewBackendTimeoutError()
		case isConnectionError(err):
			return 0, nil, model.NewBackendUnavailableError()
		}
		return 0, nil, fmt.Errorf("questionapi: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	c.metrics.RecordBackendRequest(op.ID, resp.StatusCode, time.Since(start))
	if err != nil {
		c.breaker.RecordFailure()
		return 0, nil, fmt.Errorf("questionapi: read response: %w", err)
	}

	// 4xx answers are the caller's fault, not the service's.
	switch {
	case resp.StatusCode >= 500:
		c.breaker.RecordFailure()
	case resp.StatusCode < 400:
		c.breaker.RecordSuccess()
	}
	return resp.StatusCode, respBody, nil
}

func (c *Client) setHeaders(ctx context.Context, req *http.Request, hasBody bool) error {
	req.Header.Set("Accept", "application/json")
	if hasBody {
		req.Header.Set("Content-Type", "application/json")
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+sanitizeHeader(token))
	}

	if rctx := model.RequestContextFrom(ctx); rctx != nil {
		if rctx.CorrelationID != "" {
			req.Header.Set("X-Correlation-Id", sanitizeHeader(rctx.CorrelationID))
		}
		if rctx.SubjectID != "" {
			req.Header.Set("X-Request-Subject", sanitizeHeader(rctx.SubjectID))
		}
		if rctx.Locale != "" {
			req.Header.Set("Accept-Language", sanitizeHeader(rctx.Locale))
		}
	}

	observability.InjectTraceHeaders(ctx, req.Header)
	return nil
}

// extractMessage picks the human-readable message out of an error body.
func extractMessage(status int, body []byte) string {
	var parsed struct {
		Message string `json:"message"`
		Error   any    `json:"error"`
	}
	if len(body) > 0 && json.Unmarshal(body, &parsed) == nil {
		if parsed.Message != "" {
			return parsed.Message
		}
		switch e := parsed.Error.(type) {
		case string:
			if e != "" {
				return e
			}
		case map[string]any:
			if m, ok := e["message"].(string); ok && m != "" {
				return m
			}
		}
	}
	return fmt.Sprintf("Request failed with status code %d", status)
}

// sanitizeHeader strips newlines and carriage returns to prevent header injection.
func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	return s
}

// --- classification helpers ---

func isIdempotentMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodPut, http.MethodDelete,
		http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrBreakerOpen) {
		return false
	}
	var ee *model.ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code == model.ErrBackendUnavailable
	}
	return true
}

func isConnectionError(err error) bool {
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func calculateBackoff(cfg config.RetryConfig, attempt int) time.Duration {
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 100 * time.Millisecond
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = 2
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 2 * time.Second
	}

	delay := cfg.BackoffInitial
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * cfg.BackoffMultiplier)
		if delay > cfg.BackoffMax {
			return cfg.BackoffMax
		}
	}
	return delay
}
