package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/clinique-saint-luc/patientbff/internal/config"
	"github.com/clinique-saint-luc/patientbff/model"
)

const tracerName = "github.com/clinique-saint-luc/patientbff"

// Span attributes recorded on question workflow spans.
var (
	AttrOperation     = attribute.Key("patientbff.operation")
	AttrSessionID     = attribute.Key("patientbff.session_id")
	AttrSubjectID     = attribute.Key("patientbff.subject_id")
	AttrCorrelationID = attribute.Key("patientbff.correlation_id")
	AttrErrorCode     = attribute.Key("patientbff.error_code")
	AttrPage          = attribute.Key("patientbff.page")
	AttrCacheHit      = attribute.Key("patientbff.cache_hit")
)

// InitTracing installs the global TracerProvider and W3C propagators. The
// returned function flushes and stops the provider; it is a no-op when
// tracing is disabled.
func InitTracing(ctx context.Context, cfg config.TracingConfig, serviceName, serviceVersion string) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("tracing: create exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing: create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(cfg)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, cfg config.TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "otlp", "":
		var opts []otlptracegrpc.Option
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
		}
		return otlptracegrpc.New(ctx, opts...)
	}
	return nil, fmt.Errorf("unsupported exporter %q (supported: otlp, stdout)", cfg.Exporter)
}

// newSampler samples a ratio of root spans and follows the parent's
// decision otherwise.
func newSampler(cfg config.TracingConfig) sdktrace.Sampler {
	switch rate := cfg.SamplingRate; {
	case rate >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case rate <= 0:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(0.1))
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}

// StartSpan starts a span named name. The session and subject of the
// request, when known, are added to attrs.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if rctx := model.RequestContextFrom(ctx); rctx != nil {
		if rctx.SessionID != "" {
			attrs = append(attrs, AttrSessionID.String(rctx.SessionID))
		}
		if rctx.SubjectID != "" {
			attrs = append(attrs, AttrSubjectID.String(rctx.SubjectID))
		}
	}
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpanWithError ends span. A non-nil err marks the span failed and, for
// API errors, records the error code.
func EndSpanWithError(span trace.Span, err error) {
	if err != nil {
		var ee *model.ErrorEnvelope
		if errors.As(err, &ee) {
			span.SetAttributes(AttrErrorCode.String(ee.Code))
		}
		var of *model.OperationFailure
		if errors.As(err, &of) {
			span.SetAttributes(AttrErrorCode.String(model.ErrOperationFailed))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// TraceIDFromContext returns the trace ID of the active span, or "".
func TraceIDFromContext(ctx context.Context) string {
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Tracing returns middleware that opens a server span per request, continuing
// any inbound W3C trace. Requests to untraced paths (probes, metrics scrapes)
// pass through without a span.
func Tracing(untraced ...string) func(http.Handler) http.Handler {
	skip := make(map[string]bool, len(untraced))
	for _, p := range untraced {
		skip[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skip[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			propagator := otel.GetTextMapPropagator()
			ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := otel.Tracer(tracerName).Start(ctx, r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
				),
			)
			defer span.End()

			propagator.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			sw := &tracingStatusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r.WithContext(ctx))

			span.SetAttributes(semconv.HTTPResponseStatusCode(sw.status))
			if id := w.Header().Get("X-Correlation-Id"); id != "" {
				span.SetAttributes(AttrCorrelationID.String(id))
			}
			if sw.status >= 500 {
				span.SetStatus(codes.Error, http.StatusText(sw.status))
			}
		})
	}
}

// InjectTraceHeaders writes the active trace context into outbound headers.
func InjectTraceHeaders(ctx context.Context, headers http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(headers))
}

type tracingStatusWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *tracingStatusWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *tracingStatusWriter) Write(b []byte) (int, error) {
	w.written = true
	return w.ResponseWriter.Write(b)
}
