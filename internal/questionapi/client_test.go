package questionapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/clinique-saint-luc/patientbff/internal/config"
	"github.com/clinique-saint-luc/patientbff/internal/observability"
	"github.com/clinique-saint-luc/patientbff/model"
)

func testConfig(baseURL string) config.QuestionAPIConfig {
	return config.QuestionAPIConfig{
		BaseURL: baseURL,
		Timeout: 2 * time.Second,
		CircuitBreaker: config.CircuitBreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 1,
			Timeout:          time.Minute,
		},
		Retry: config.RetryConfig{
			MaxAttempts:    3,
			BackoffInitial: time.Millisecond,
			BackoffMax:     5 * time.Millisecond,
			IdempotentOnly: true,
		},
	}
}

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(testConfig(srv.URL), nil, nil, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

func patientContext() context.Context {
	return model.WithRequestContext(context.Background(), &model.RequestContext{
		SubjectID:     "patient-42",
		Token:         "patient-jwt",
		SessionID:     "sess-1",
		CorrelationID: "corr-1",
		Locale:        "fr-FR",
	})
}

func TestCreateQuestion_success(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/questions" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer patient-jwt" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get("X-Correlation-Id"); got != "corr-1" {
			t.Errorf("X-Correlation-Id = %q", got)
		}
		if got := r.Header.Get("Accept-Language"); got != "fr-FR" {
			t.Errorf("Accept-Language = %q", got)
		}
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("Content-Type = %q", got)
		}

		var draft model.QuestionDraft
		if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
			t.Fatalf("decode draft: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(model.Question{
			ID:      "q-17",
			Object:  draft.Object,
			Content: draft.Content,
			Type:    draft.Type,
		})
	})

	q, err := c.CreateQuestion(patientContext(), model.QuestionDraft{Object: "Douleur", Content: "Mal au genou", Type: "urgence"})
	if err != nil {
		t.Fatalf("CreateQuestion() error = %v", err)
	}
	want := model.Question{ID: "q-17", Object: "Douleur", Content: "Mal au genou", Type: "urgence"}
	if q != want {
		t.Errorf("question = %+v, want %+v", q, want)
	}
}

func TestCreateQuestion_successWithoutQuestion(t *testing.T) {
	bodies := map[string]string{
		"empty body":   "",
		"empty object": "{}",
		"null":         "null",
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusCreated)
				w.Write([]byte(body))
			})

			q, err := c.CreateQuestion(patientContext(), model.QuestionDraft{Object: "a", Content: "b", Type: "urgence"})
			if !errors.Is(err, ErrNoQuestion) {
				t.Fatalf("CreateQuestion() error = %v, want ErrNoQuestion", err)
			}
			if q != (model.Question{}) {
				t.Errorf("question = %+v, want zero", q)
			}
		})
	}
}

func TestGetRecentQuestions_success(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/questions/recent" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("page"); got != "3" {
			t.Errorf("page = %q, want 3", got)
		}
		if r.Header.Get("Content-Type") != "" {
			t.Error("GET should not carry a Content-Type")
		}
		w.Write([]byte(`{"questions":[{"id":"r-1","object":"A","content":"B","type":"général"}],"totalPages":5}`))
	})

	page, err := c.GetRecentQuestions(patientContext(), 3)
	if err != nil {
		t.Fatalf("GetRecentQuestions() error = %v", err)
	}
	if page.TotalPages != 5 || len(page.Questions) != 1 || page.Questions[0].ID != "r-1" {
		t.Errorf("page = %+v", page)
	}
}

func TestGetRecentQuestions_emptyListIsNonNil(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"totalPages":0}`))
	})

	page, err := c.GetRecentQuestions(context.Background(), 1)
	if err != nil {
		t.Fatalf("GetRecentQuestions() error = %v", err)
	}
	if page.Questions == nil {
		t.Error("Questions should be non-nil")
	}
}

func TestCall_errorMessageExtraction(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"message field", http.StatusBadRequest, `{"message":"Objet manquant"}`, "Objet manquant"},
		{"error string", http.StatusUnprocessableEntity, `{"error":"type inconnu"}`, "type inconnu"},
		{"error object", http.StatusConflict, `{"error":{"message":"doublon"}}`, "doublon"},
		{"plain text", http.StatusForbidden, `forbidden`, "Request failed with status code 403"},
		{"empty body", http.StatusNotFound, ``, "Request failed with status code 404"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})

			_, err := c.CreateQuestion(context.Background(), model.QuestionDraft{Object: "x"})
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("error = %v (%T), want *APIError", err, err)
			}
			if apiErr.StatusCode != tt.status {
				t.Errorf("StatusCode = %d, want %d", apiErr.StatusCode, tt.status)
			}
			if model.MessageOf(err) != tt.want {
				t.Errorf("message = %q, want %q", model.MessageOf(err), tt.want)
			}
		})
	}
}

func TestCall_retriesIdempotentOperations(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"questions":[],"totalPages":2}`))
	})

	page, err := c.GetRecentQuestions(context.Background(), 1)
	if err != nil {
		t.Fatalf("GetRecentQuestions() error = %v", err)
	}
	if page.TotalPages != 2 {
		t.Errorf("TotalPages = %d, want 2", page.TotalPages)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestCall_doesNotRetrySubmissions(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{"message":"upstream down"}`))
	})

	_, err := c.CreateQuestion(context.Background(), model.QuestionDraft{Object: "x"})
	if err == nil || model.MessageOf(err) != "upstream down" {
		t.Errorf("error = %v, want upstream down", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestCall_retriesExhaustedReturnsLastStatus(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusGatewayTimeout)
	})

	_, err := c.GetRecentQuestions(context.Background(), 1)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("error = %v, want 504 APIError", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestCall_circuitBreakerOpens(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	reg := prometheus.NewRegistry()
	metrics := observability.InitMetrics(reg)

	cfg := testConfig(srv.URL)
	cfg.CircuitBreaker.FailureThreshold = 2
	cfg.Retry.MaxAttempts = 1
	c, err := New(cfg, nil, NoToken{}, WithMetrics(metrics))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, _ = c.CreateQuestion(ctx, model.QuestionDraft{Object: "x"})
	}
	if c.Breaker().State() != BreakerOpen {
		t.Fatalf("breaker = %v, want open", c.Breaker().State())
	}

	_, err = c.CreateQuestion(ctx, model.QuestionDraft{Object: "x"})
	var env *model.ErrorEnvelope
	if !errors.As(err, &env) || env.Code != model.ErrBackendUnavailable {
		t.Fatalf("error = %v, want BACKEND_UNAVAILABLE", err)
	}
	if !errors.Is(err, ErrBreakerOpen) {
		t.Error("error should wrap ErrBreakerOpen")
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("calls = %d, want 2 (third rejected locally)", got)
	}
	if got := testutil.ToFloat64(metrics.BackendCircuitBreakerState); got != float64(BreakerOpen) {
		t.Errorf("breaker gauge = %v, want %v", got, float64(BreakerOpen))
	}
	if got := testutil.ToFloat64(metrics.BackendRequestsTotal.WithLabelValues(OperationCreateQuestion, "500")); got != 2 {
		t.Errorf("backend requests = %v, want 2", got)
	}
}

func TestCall_connectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	cfg := testConfig(url)
	cfg.Retry.MaxAttempts = 1
	c, err := New(cfg, nil, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, err = c.GetRecentQuestions(context.Background(), 1)
	var env *model.ErrorEnvelope
	if !errors.As(err, &env) || env.Code != model.ErrBackendUnavailable {
		t.Fatalf("error = %v, want BACKEND_UNAVAILABLE", err)
	}
	if model.MessageOf(err) == "" {
		t.Error("failure message should not be empty")
	}
}

func TestCall_timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	cfg := testConfig(srv.URL)
	cfg.Timeout = 50 * time.Millisecond
	cfg.Retry.MaxAttempts = 1
	c, err := New(cfg, nil, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, err = c.CreateQuestion(context.Background(), model.QuestionDraft{Object: "x"})
	var env *model.ErrorEnvelope
	if !errors.As(err, &env) || env.Code != model.ErrBackendTimeout {
		t.Fatalf("error = %v, want BACKEND_TIMEOUT", err)
	}
}

func TestNew_baseURLFromSpec(t *testing.T) {
	ops, err := LoadOperations(context.Background(), "testdata/questions.yaml")
	if err != nil {
		t.Fatalf("LoadOperations() error = %v", err)
	}
	c, err := New(config.QuestionAPIConfig{}, ops, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if c.baseURL != "http://questions.internal:8081/api" {
		t.Errorf("baseURL = %q", c.baseURL)
	}

	if _, err := New(config.QuestionAPIConfig{}, nil, nil); err == nil {
		t.Error("expected error without any base URL")
	}
}

func TestCalculateBackoff(t *testing.T) {
	cfg := config.RetryConfig{
		BackoffInitial:    100 * time.Millisecond,
		BackoffMultiplier: 2,
		BackoffMax:        300 * time.Millisecond,
	}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 300 * time.Millisecond},
		{6, 300 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := calculateBackoff(cfg, tt.attempt); got != tt.want {
			t.Errorf("calculateBackoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestSanitizeHeader(t *testing.T) {
	if got := sanitizeHeader("abc\r\nX-Evil: 1"); got != "abcX-Evil: 1" {
		t.Errorf("sanitizeHeader() = %q", got)
	}
}
