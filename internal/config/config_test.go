package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

func TestLoad_valid(t *testing.T) {
	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("Server.ReadTimeout = %v, want 15s", cfg.Server.ReadTimeout)
	}
	if cfg.Server.WriteTimeout != 30*time.Second {
		t.Errorf("Server.WriteTimeout = %v, want default 30s", cfg.Server.WriteTimeout)
	}
	if cfg.Identity.Audience != "patient-bff" {
		t.Errorf("Identity.Audience = %q", cfg.Identity.Audience)
	}
	if len(cfg.Identity.Algorithms) != 2 {
		t.Errorf("Identity.Algorithms = %v, want 2 entries", cfg.Identity.Algorithms)
	}
	if cfg.QuestionAPI.BaseURL != "https://questions.internal" {
		t.Errorf("QuestionAPI.BaseURL = %q", cfg.QuestionAPI.BaseURL)
	}
	if cfg.QuestionAPI.Timeout != 5*time.Second {
		t.Errorf("QuestionAPI.Timeout = %v, want 5s", cfg.QuestionAPI.Timeout)
	}
	if cfg.QuestionAPI.CircuitBreaker.FailureThreshold != 4 {
		t.Errorf("CircuitBreaker.FailureThreshold = %d, want 4", cfg.QuestionAPI.CircuitBreaker.FailureThreshold)
	}
	if cfg.QuestionAPI.CircuitBreaker.SuccessThreshold != 2 {
		t.Errorf("CircuitBreaker.SuccessThreshold = %d, want default 2", cfg.QuestionAPI.CircuitBreaker.SuccessThreshold)
	}
	if len(cfg.Questions.Types) != 2 || cfg.Questions.Types[0] != "général" {
		t.Errorf("Questions.Types = %v", cfg.Questions.Types)
	}
	if cfg.Sessions.Driver != "sqlite" || cfg.Sessions.TTL != 12*time.Hour {
		t.Errorf("Sessions = %+v", cfg.Sessions)
	}
	if len(cfg.Tabs) != 2 || cfg.Tabs[1].Link != "ajouter" {
		t.Errorf("Tabs = %+v", cfg.Tabs)
	}
}

func TestLoad_missing_file(t *testing.T) {
	_, err := Load("testdata/nonexistent.yaml")
	if err == nil {
		t.Fatal("Load() with missing file should return error")
	}
}

func TestLoad_missing_identity(t *testing.T) {
	_, err := Load("testdata/missing_identity.yaml")
	if err == nil {
		t.Fatal("Load() with missing identity should return error")
	}
	if !strings.Contains(err.Error(), "identity.issuer is required") {
		t.Errorf("error = %v, want identity.issuer message", err)
	}
}

func TestLoad_anonymous_identity_optional(t *testing.T) {
	cfg, err := Load("testdata/anonymous.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Identity.Required {
		t.Error("Identity.Required = true, want false")
	}
	if len(cfg.Tabs) != 3 {
		t.Errorf("Tabs = %d entries, want 3 defaults", len(cfg.Tabs))
	}
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Server.Port != 8080 {
		t.Errorf("default Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Sessions.Driver != "memory" {
		t.Errorf("default Sessions.Driver = %q, want memory", cfg.Sessions.Driver)
	}
	if cfg.QuestionAPI.Auth.Strategy != "forward" {
		t.Errorf("default QuestionAPI.Auth.Strategy = %q, want forward", cfg.QuestionAPI.Auth.Strategy)
	}
	if cfg.Observability.LogLevel != "info" {
		t.Errorf("default LogLevel = %q, want info", cfg.Observability.LogLevel)
	}
	if cfg.Tabs[0].Name != "Mes Questions" {
		t.Errorf("default Tabs[0] = %+v", cfg.Tabs[0])
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PATIENTBFF_SERVER_PORT", "3000")
	t.Setenv("PATIENTBFF_IDENTITY_AUDIENCE", "env-audience")
	t.Setenv("PATIENTBFF_QUESTION_API_BASE_URL", "http://questions.env")
	t.Setenv("PATIENTBFF_OBSERVABILITY_LOG_LEVEL", "error")

	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want 3000 (env override)", cfg.Server.Port)
	}
	if cfg.Identity.Audience != "env-audience" {
		t.Errorf("Identity.Audience = %q, want env override", cfg.Identity.Audience)
	}
	if cfg.QuestionAPI.BaseURL != "http://questions.env" {
		t.Errorf("QuestionAPI.BaseURL = %q, want env override", cfg.QuestionAPI.BaseURL)
	}
	if cfg.Observability.LogLevel != "error" {
		t.Errorf("LogLevel = %q, want error (env override)", cfg.Observability.LogLevel)
	}
}

func TestLoadEnvFile(t *testing.T) {
	// t.Setenv restores the original values once the test ends.
	t.Setenv("PATIENTBFF_SERVER_PORT", "")
	t.Setenv("PATIENTBFF_QUESTION_API_BASE_URL", "")
	os.Unsetenv("PATIENTBFF_SERVER_PORT")
	os.Unsetenv("PATIENTBFF_QUESTION_API_BASE_URL")

	if err := LoadEnvFile("testdata/test.env"); err != nil {
		t.Fatalf("LoadEnvFile() error = %v", err)
	}

	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("Server.Port = %d, want 7070 from env file", cfg.Server.Port)
	}
	if cfg.QuestionAPI.BaseURL != "http://questions.env:9000" {
		t.Errorf("QuestionAPI.BaseURL = %q, want env file value", cfg.QuestionAPI.BaseURL)
	}
}

func TestLoadEnvFile_emptyAndMissing(t *testing.T) {
	if err := LoadEnvFile(""); err != nil {
		t.Errorf("LoadEnvFile(\"\") error = %v", err)
	}
	if err := LoadEnvFile("testdata/missing.env"); err == nil {
		t.Error("LoadEnvFile(missing) should return error")
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := Defaults()
		cfg.Identity.Issuer = "https://auth.example.com"
		cfg.Identity.JWKSURL = "https://auth.example.com/.well-known/jwks.json"
		cfg.Identity.Audience = "patient-bff"
		cfg.QuestionAPI.BaseURL = "https://questions.internal"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "port zero", mutate: func(c *Config) { c.Server.Port = 0 }, wantErr: "server.port"},
		{name: "relative base url", mutate: func(c *Config) { c.QuestionAPI.BaseURL = "questions" }, wantErr: "absolute URL"},
		{name: "no question api", mutate: func(c *Config) { c.QuestionAPI.BaseURL = "" }, wantErr: "question_api.base_url"},
		{name: "unknown auth strategy", mutate: func(c *Config) { c.QuestionAPI.Auth.Strategy = "basic" }, wantErr: "strategy"},
		{name: "client credentials incomplete", mutate: func(c *Config) { c.QuestionAPI.Auth.Strategy = "client_credentials" }, wantErr: "client_id"},
		{name: "redis sessions without addr", mutate: func(c *Config) { c.Sessions.Driver = "redis" }, wantErr: "sessions.addr_env"},
		{name: "postgres sessions without dsn", mutate: func(c *Config) { c.Sessions.Driver = "postgres" }, wantErr: "sessions.dsn_env"},
		{name: "unknown sessions driver", mutate: func(c *Config) { c.Sessions.Driver = "mongo" }, wantErr: "sessions.driver"},
		{name: "zero ttl", mutate: func(c *Config) { c.Sessions.TTL = 0 }, wantErr: "sessions.ttl"},
		{name: "redis idempotency without addr", mutate: func(c *Config) { c.Idempotency.Driver = "redis" }, wantErr: "idempotency.addr_env"},
		{name: "no question types", mutate: func(c *Config) { c.Questions.Types = nil }, wantErr: "questions.types"},
		{name: "incomplete tab", mutate: func(c *Config) { c.Tabs[0].Link = "" }, wantErr: "tabs[0]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}
