package model

import "context"

// RequestContext carries identity, session, and tracing information for the
// lifetime of a request. It is immutable after construction and safe for
// concurrent reads.
type RequestContext struct {
	SubjectID string
	// Token is the caller's raw bearer token, relayed to the question
	// service under the forward strategy.
	Token         string
	SessionID     string
	CorrelationID string
	TraceID       string
	Locale        string
}

// Authenticated reports whether the request carried a verified identity.
func (rc *RequestContext) Authenticated() bool {
	return rc.SubjectID != ""
}

type contextKey struct{}

// WithRequestContext attaches a RequestContext to the given context.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rctx)
}

// RequestContextFrom returns the RequestContext of ctx, or nil.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rctx
}
