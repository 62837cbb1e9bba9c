package questionapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/clinique-saint-luc/patientbff/internal/config"
	"github.com/clinique-saint-luc/patientbff/model"
)

func TestForwardToken(t *testing.T) {
	ctx := model.WithRequestContext(context.Background(), &model.RequestContext{Token: "patient-jwt"})

	got, err := ForwardToken{}.Token(ctx)
	if err != nil || got != "patient-jwt" {
		t.Errorf("Token() = %q, %v, want patient-jwt", got, err)
	}

	got, err = ForwardToken{}.Token(context.Background())
	if err != nil || got != "" {
		t.Errorf("Token() without context = %q, %v, want empty", got, err)
	}
}

func TestNewTokenSource_strategies(t *testing.T) {
	tests := []struct {
		strategy string
		wantErr  bool
		check    func(TokenSource) bool
	}{
		{"", false, func(ts TokenSource) bool { _, ok := ts.(ForwardToken); return ok }},
		{"forward", false, func(ts TokenSource) bool { _, ok := ts.(ForwardToken); return ok }},
		{"none", false, func(ts TokenSource) bool { _, ok := ts.(NoToken); return ok }},
		{"client_credentials", false, func(ts TokenSource) bool { _, ok := ts.(*ClientCredentials); return ok }},
		{"mtls", true, nil},
	}
	for _, tt := range tests {
		t.Run(tt.strategy, func(t *testing.T) {
			ts, err := NewTokenSource(config.ServiceAuthConfig{
				Strategy:      tt.strategy,
				ClientID:      "patientbff",
				TokenEndpoint: "http://idp.invalid/token",
			})
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewTokenSource() error = %v", err)
			}
			if !tt.check(ts) {
				t.Errorf("NewTokenSource(%q) = %T", tt.strategy, ts)
			}
		})
	}
}

func TestClientCredentials_fetchesAndCachesToken(t *testing.T) {
	var calls atomic.Int32
	idp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
		}
		if got := r.PostForm.Get("grant_type"); got != "client_credentials" {
			t.Errorf("grant_type = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"svc-token","token_type":"Bearer","expires_in":3600}`))
	}))
	defer idp.Close()

	t.Setenv("TEST_QUESTION_API_SECRET", "s3cret")
	cc := NewClientCredentials(config.ServiceAuthConfig{
		ClientID:        "patientbff",
		ClientSecretEnv: "TEST_QUESTION_API_SECRET",
		TokenEndpoint:   idp.URL,
		Scopes:          []string{"questions:write"},
	})

	for i := 0; i < 3; i++ {
		tok, err := cc.Token(context.Background())
		if err != nil {
			t.Fatalf("Token() error = %v", err)
		}
		if tok != "svc-token" {
			t.Errorf("Token() = %q, want svc-token", tok)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("token endpoint calls = %d, want 1", got)
	}
}

func TestClientCredentials_endpointError(t *testing.T) {
	idp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_client"}`, http.StatusUnauthorized)
	}))
	defer idp.Close()

	cc := NewClientCredentials(config.ServiceAuthConfig{ClientID: "x", TokenEndpoint: idp.URL})
	if _, err := cc.Token(context.Background()); err == nil {
		t.Fatal("expected error from token endpoint")
	}
}
