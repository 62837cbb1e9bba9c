// Package integration provides a reusable test harness for end-to-end
// testing of the patient questions BFF. It starts the full HTTP stack with a
// mock question service, a test JWT issuer, and a chosen session store.
package integration

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/clinique-saint-luc/patientbff/internal/config"
	"github.com/clinique-saint-luc/patientbff/internal/idempotency"
	"github.com/clinique-saint-luc/patientbff/internal/observability"
	"github.com/clinique-saint-luc/patientbff/internal/questionapi"
	"github.com/clinique-saint-luc/patientbff/internal/questions"
	"github.com/clinique-saint-luc/patientbff/internal/recent"
	"github.com/clinique-saint-luc/patientbff/internal/session"
	"github.com/clinique-saint-luc/patientbff/internal/transport"
)

// TestHarness is a fully wired BFF instance backed by a mock question
// service.
type TestHarness struct {
	t       *testing.T
	server  *httptest.Server
	issuer  *tokenIssuer
	backend *MockQuestionService

	// SessionID is sent with every request unless a test overrides the
	// session header.
	SessionID string

	Sessions     *session.Manager
	SessionStore session.Store
	Client       *questionapi.Client
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	redis          *miniredis.Miniredis
	backend        *MockQuestionService
	breaker        *config.CircuitBreakerConfig
	retry          *config.RetryConfig
	handlerTimeout time.Duration
	anonymous      bool
}

// WithRedisSessions stores sessions in the given miniredis server. Two
// harnesses sharing a server behave like two BFF replicas.
func WithRedisSessions(mr *miniredis.Miniredis) HarnessOption {
	return func(c *harnessConfig) { c.redis = mr }
}

// WithBackend reuses an existing mock question service.
func WithBackend(b *MockQuestionService) HarnessOption {
	return func(c *harnessConfig) { c.backend = b }
}

// WithCircuitBreaker overrides the question service breaker settings.
func WithCircuitBreaker(cb config.CircuitBreakerConfig) HarnessOption {
	return func(c *harnessConfig) { c.breaker = &cb }
}

// WithRetry overrides the question service retry settings.
func WithRetry(r config.RetryConfig) HarnessOption {
	return func(c *harnessConfig) { c.retry = &r }
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) { c.handlerTimeout = d }
}

// WithAnonymousAccess lets requests without a token reach session routes.
func WithAnonymousAccess() HarnessOption {
	return func(c *harnessConfig) { c.anonymous = true }
}

// NewTestHarness creates and starts a BFF test instance. Everything is
// cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{handlerTimeout: 10 * time.Second}
	for _, opt := range opts {
		opt(hc)
	}

	h := &TestHarness{
		t:         t,
		issuer:    newTokenIssuer(t),
		backend:   hc.backend,
		SessionID: uuid.NewString(),
	}
	if h.backend == nil {
		h.backend = newMockQuestionService(t)
	}

	cfg := config.Defaults()
	cfg.Server.HandlerTimeout = hc.handlerTimeout
	cfg.Server.CORS.AllowedOrigins = []string{"https://patient.example.com"}
	cfg.Identity.Required = !hc.anonymous
	cfg.Identity.Issuer = h.issuer.issuer
	cfg.Identity.Audience = h.issuer.audience
	cfg.Identity.JWKSURL = h.issuer.JWKSURL()
	cfg.QuestionAPI.BaseURL = h.backend.URL()
	cfg.QuestionAPI.Retry.BackoffInitial = 10 * time.Millisecond
	cfg.QuestionAPI.Retry.BackoffMax = 50 * time.Millisecond
	if hc.breaker != nil {
		cfg.QuestionAPI.CircuitBreaker = *hc.breaker
	}
	if hc.retry != nil {
		cfg.QuestionAPI.Retry = *hc.retry
	}

	client, err := questionapi.New(cfg.QuestionAPI, nil, questionapi.ForwardToken{})
	if err != nil {
		t.Fatalf("question service client: %v", err)
	}
	h.Client = client

	if hc.redis != nil {
		rdb := redis.NewClient(&redis.Options{Addr: hc.redis.Addr()})
		t.Cleanup(func() { rdb.Close() })
		h.SessionStore = session.NewRedisStore(rdb)
	} else {
		h.SessionStore = session.NewMemoryStore()
	}
	h.Sessions = session.NewManager(h.SessionStore, client, cfg.Sessions, cfg.Tabs)

	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL)
	idemStore := idempotency.NewMemoryStore()

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Authenticate: transport.JWTAuthenticator(cfg.Identity, jwks),
		Sessions:     h.Sessions,
		Validator:    questions.NewValidator(cfg.Questions, nil),
		Idempotency:  idempotency.NewGuard(idemStore, cfg.Idempotency.TTL, nil),
		Recent:       recent.NewProvider(client, cfg.Recent.CacheTTL, cfg.Recent.MaxEntries, nil),
		ReadyHandler: observability.HandleReady(observability.ReadinessChecks{
			OpenAPILoaded:    func() bool { return true },
			SessionStore:     h.SessionStore,
			IdempotencyStore: idemStore,
			IdentityKeys:     jwks,
		}),
	})

	h.server = httptest.NewServer(observability.Tracing("/ui/health", "/ui/ready")(router))
	t.Cleanup(h.server.Close)
	return h
}

// Backend returns the mock question service.
func (h *TestHarness) Backend() *MockQuestionService {
	return h.backend
}

// GenerateToken returns a valid token for claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken returns an expired token for claims.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// GET sends a GET request in the harness session.
func (h *TestHarness) GET(path, token string) *http.Response {
	return h.Do(http.MethodGet, path, nil, token, nil)
}

// POST sends a JSON POST request in the harness session.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	return h.Do(http.MethodPost, path, body, token, nil)
}

// PUT sends a JSON PUT request in the harness session.
func (h *TestHarness) PUT(path string, body any, token string) *http.Response {
	return h.Do(http.MethodPut, path, body, token, nil)
}

// Do sends a request. headers override the defaults, including the
// session header.
func (h *TestHarness) Do(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, h.server.URL+path, reader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Session-Id", h.SessionID)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// AssertStatus checks the response status and closes the body.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks the response status and parses the body into target.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// DraftFixture returns a valid question submission body.
func DraftFixture(object string) map[string]string {
	return map[string]string{
		"object":  object,
		"content": "Contenu de la question",
		"type":    "consultation",
	}
}
