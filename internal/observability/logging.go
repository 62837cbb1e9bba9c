package observability

import (
	"context"
	"unicode/utf8"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/clinique-saint-luc/patientbff/internal/config"
	"github.com/clinique-saint-luc/patientbff/model"
)

type loggerKey struct{}

// NewLogger builds the process logger. JSON goes to stdout unless the
// console format is requested for local development.
//
// Level conventions:
//   - error: session store down, panics, 5xx responses
//   - warn:  failed submissions, circuit breaker transitions
//   - info:  request end, session sweeps
//   - debug: cache activity, outbound question service calls
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	zapCfg.Sampling = nil
	zapCfg.EncoderConfig.TimeKey = "timestamp"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapCfg.EncoderConfig.EncodeDuration = zapcore.MillisDurationEncoder
	if cfg.LogFormat == "console" {
		zapCfg.Encoding = "console"
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	return zapCfg.Build()
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the context logger, or fallback.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger returns the context logger (or fallback) with the session,
// correlation, subject and trace IDs of the request attached.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)

	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return logger
	}

	fields := []zap.Field{
		zap.String("session_id", rctx.SessionID),
		zap.String("correlation_id", rctx.CorrelationID),
	}
	if rctx.Authenticated() {
		fields = append(fields, zap.String("subject_id", rctx.SubjectID))
	}
	if rctx.TraceID != "" {
		fields = append(fields, zap.String("trace_id", rctx.TraceID))
	}
	return logger.With(fields...)
}

// Draft returns a log field describing a question draft. Object and content
// are patient-authored and only their lengths are logged.
func Draft(key string, d model.QuestionDraft) zap.Field {
	return zap.Object(key, draftSummary(d))
}

type draftSummary model.QuestionDraft

func (d draftSummary) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("type", d.Type)
	enc.AddInt("object_chars", utf8.RuneCountInString(d.Object))
	enc.AddInt("content_chars", utf8.RuneCountInString(d.Content))
	return nil
}
