package model

import (
	"context"
	"testing"
)

func TestRequestContext_Authenticated(t *testing.T) {
	if (&RequestContext{SessionID: "s"}).Authenticated() {
		t.Error("anonymous context reported as authenticated")
	}
	if !(&RequestContext{SessionID: "s", SubjectID: "p"}).Authenticated() {
		t.Error("context with subject not authenticated")
	}
}

func TestWithRequestContext_roundTrip(t *testing.T) {
	rc := &RequestContext{SessionID: "s-1"}
	ctx := WithRequestContext(context.Background(), rc)
	if got := RequestContextFrom(ctx); got != rc {
		t.Errorf("RequestContextFrom() = %v, want %v", got, rc)
	}
	if got := RequestContextFrom(context.Background()); got != nil {
		t.Errorf("RequestContextFrom(empty) = %v, want nil", got)
	}
}
