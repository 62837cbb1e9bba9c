package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets    = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	backendDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	bodySizeBuckets        = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds the Prometheus instruments of the service.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Question workflow metrics
	QuestionOperationsTotal    *prometheus.CounterVec
	QuestionOperationDuration  *prometheus.HistogramVec
	QuestionValidationFailures *prometheus.CounterVec
	IdempotentReplaysTotal     prometheus.Counter

	// Question service metrics
	BackendRequestsTotal       *prometheus.CounterVec
	BackendRequestDuration     *prometheus.HistogramVec
	BackendCircuitBreakerState prometheus.Gauge
	BackendRetriesTotal        *prometheus.CounterVec
	OpenAPIOperationsIndexed   prometheus.Gauge

	// Sessions
	SessionsActive          prometheus.Gauge
	SessionsEvictedTotal    *prometheus.CounterVec
	SessionStoreErrorsTotal *prometheus.CounterVec

	// Recent questions cache
	RecentCacheHitsTotal   prometheus.Counter
	RecentCacheMissesTotal prometheus.Counter
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "patientbff_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "patientbff_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "patientbff_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "patientbff_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Questions
		QuestionOperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "patientbff_question_operations_total",
			Help: "Total number of question workflow operations by outcome.",
		}, []string{"operation", "outcome"}),
		QuestionOperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "patientbff_question_operation_duration_seconds",
			Help:    "Question workflow operation duration in seconds.",
			Buckets: backendDurationBuckets,
		}, []string{"operation"}),
		QuestionValidationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "patientbff_question_validation_failures_total",
			Help: "Total number of rejected question drafts by field.",
		}, []string{"field"}),
		IdempotentReplaysTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "patientbff_idempotent_replays_total",
			Help: "Total number of submissions answered from the idempotency store.",
		}),

		// Backend
		BackendRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "patientbff_backend_requests_total",
			Help: "Total number of question service requests.",
		}, []string{"operation_id", "status"}),
		BackendRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "patientbff_backend_request_duration_seconds",
			Help:    "Question service request duration in seconds.",
			Buckets: backendDurationBuckets,
		}, []string{"operation_id"}),
		BackendCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "patientbff_backend_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),
		BackendRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "patientbff_backend_retries_total",
			Help: "Total number of question service request retries.",
		}, []string{"operation_id"}),
		OpenAPIOperationsIndexed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "patientbff_openapi_operations_indexed",
			Help: "Number of indexed question service operations.",
		}),

		// Sessions
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "patientbff_sessions_active",
			Help: "Number of sessions held in memory.",
		}),
		SessionsEvictedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "patientbff_sessions_evicted_total",
			Help: "Total number of sessions evicted, by reason.",
		}, []string{"reason"}),
		SessionStoreErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "patientbff_session_store_errors_total",
			Help: "Total number of session store failures, by operation.",
		}, []string{"op"}),

		// Recent cache
		RecentCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "patientbff_recent_cache_hits_total",
			Help: "Total recent questions cache hits.",
		}),
		RecentCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "patientbff_recent_cache_misses_total",
			Help: "Total recent questions cache misses.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		m.QuestionOperationsTotal,
		m.QuestionOperationDuration,
		m.QuestionValidationFailures,
		m.IdempotentReplaysTotal,
		m.BackendRequestsTotal,
		m.BackendRequestDuration,
		m.BackendCircuitBreakerState,
		m.BackendRetriesTotal,
		m.OpenAPIOperationsIndexed,
		m.SessionsActive,
		m.SessionsEvictedTotal,
		m.SessionStoreErrorsTotal,
		m.RecentCacheHitsTotal,
		m.RecentCacheMissesTotal,
	)

	return m
}

// --- Recording helpers ---
//
// All helpers are safe to call on a nil *Metrics so that components can run
// without instrumentation in tests.

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	if m == nil {
		return
	}
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordQuestionOperation records the outcome of a question workflow operation.
func (m *Metrics) RecordQuestionOperation(op, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.QuestionOperationsTotal.WithLabelValues(op, outcome).Inc()
	m.QuestionOperationDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordValidationFailure records a rejected draft field.
func (m *Metrics) RecordValidationFailure(field string) {
	if m == nil {
		return
	}
	m.QuestionValidationFailures.WithLabelValues(field).Inc()
}

// RecordIdempotentReplay records a submission served from the idempotency store.
func (m *Metrics) RecordIdempotentReplay() {
	if m == nil {
		return
	}
	m.IdempotentReplaysTotal.Inc()
}

// RecordBackendRequest records a question service request.
func (m *Metrics) RecordBackendRequest(operationID string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.BackendRequestsTotal.WithLabelValues(operationID, strconv.Itoa(status)).Inc()
	m.BackendRequestDuration.WithLabelValues(operationID).Observe(duration.Seconds())
}

// SetBackendCircuitBreakerState sets the circuit breaker state.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetBackendCircuitBreakerState(state float64) {
	if m == nil {
		return
	}
	m.BackendCircuitBreakerState.Set(state)
}

// RecordBackendRetry records a question service request retry.
func (m *Metrics) RecordBackendRetry(operationID string) {
	if m == nil {
		return
	}
	m.BackendRetriesTotal.WithLabelValues(operationID).Inc()
}

// SetOpenAPIOperationsIndexed sets the number of indexed operations.
func (m *Metrics) SetOpenAPIOperationsIndexed(count float64) {
	if m == nil {
		return
	}
	m.OpenAPIOperationsIndexed.Set(count)
}

// SetSessionsActive sets the number of live sessions.
func (m *Metrics) SetSessionsActive(count int) {
	if m == nil {
		return
	}
	m.SessionsActive.Set(float64(count))
}

// RecordSessionEviction records evicted sessions. Reason is "idle" or "expired".
func (m *Metrics) RecordSessionEviction(reason string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.SessionsEvictedTotal.WithLabelValues(reason).Add(float64(count))
}

// RecordSessionStoreError records a failed session store operation.
func (m *Metrics) RecordSessionStoreError(op string) {
	if m == nil {
		return
	}
	m.SessionStoreErrorsTotal.WithLabelValues(op).Inc()
}

// RecordRecentCacheHit records a recent questions cache hit.
func (m *Metrics) RecordRecentCacheHit() {
	if m == nil {
		return
	}
	m.RecentCacheHitsTotal.Inc()
}

// RecordRecentCacheMiss records a recent questions cache miss.
func (m *Metrics) RecordRecentCacheMiss() {
	if m == nil {
		return
	}
	m.RecentCacheMissesTotal.Inc()
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion. Register it with the router's Use.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		duration := time.Since(start)
		pathPattern := routePattern(r)
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, pathPattern, sw.status, duration, reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// unmatchedRoute labels requests that matched no route, so unknown paths do
// not each create a series.
const unmatchedRoute = "unmatched"

// routePattern extracts chi's route pattern from the request context. The
// middleware must run inside the router for the pattern to be there.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return unmatchedRoute
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// chi route patterns have trailing /*, remove it.
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return unmatchedRoute
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
