// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/clinique-saint-luc/patientbff/model"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	QuestionAPI   QuestionAPIConfig   `yaml:"question_api"`
	Questions     QuestionsConfig     `yaml:"questions"`
	Sessions      SessionsConfig      `yaml:"sessions"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Recent        RecentConfig        `yaml:"recent"`
	Tabs          []model.Tab         `yaml:"tabs"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// IdentityConfig describes JWT verification settings. Tokens are issued by
// the external authentication service; the BFF only verifies them.
type IdentityConfig struct {
	// Required rejects session routes without a valid bearer token. When
	// false, anonymous visitors get a session but no subject.
	Required     bool              `yaml:"required"`
	Issuer       string            `yaml:"issuer"`
	Audience     string            `yaml:"audience"`
	JWKSURL      string            `yaml:"jwks_url"`
	JWKSCacheTTL time.Duration     `yaml:"jwks_cache_ttl"`
	Algorithms   []string          `yaml:"algorithms"`
	ClaimPaths   map[string]string `yaml:"claim_paths"`
}

// QuestionAPIConfig describes the remote question service.
type QuestionAPIConfig struct {
	BaseURL        string               `yaml:"base_url"`
	SpecFile       string               `yaml:"spec_file"`
	Timeout        time.Duration        `yaml:"timeout"`
	Auth           ServiceAuthConfig    `yaml:"auth"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Retry          RetryConfig          `yaml:"retry"`
}

// ServiceAuthConfig describes authentication for calls to the question service.
// Strategy is one of "forward" (relay the caller's bearer token),
// "client_credentials" or "none".
type ServiceAuthConfig struct {
	Strategy        string   `yaml:"strategy"`
	ClientID        string   `yaml:"client_id"`
	ClientSecretEnv string   `yaml:"client_secret_env"`
	TokenEndpoint   string   `yaml:"token_endpoint"`
	Scopes          []string `yaml:"scopes"`
}

// CircuitBreakerConfig describes circuit breaker settings.
type CircuitBreakerConfig struct {
	FailureThreshold   int           `yaml:"failure_threshold"`
	SuccessThreshold   int           `yaml:"success_threshold"`
	Timeout            time.Duration `yaml:"timeout"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold"`
	ErrorRateWindow    time.Duration `yaml:"error_rate_window"`
}

// RetryConfig describes retry settings.
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BackoffInitial    time.Duration `yaml:"backoff_initial"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
	IdempotentOnly    bool          `yaml:"idempotent_only"`
}

// QuestionsConfig describes question form validation.
type QuestionsConfig struct {
	Types            []string `yaml:"types"`
	MaxObjectLength  int      `yaml:"max_object_length"`
	MaxContentLength int      `yaml:"max_content_length"`
}

// SessionsConfig describes where session workflow state lives.
type SessionsConfig struct {
	Driver        string        `yaml:"driver"`
	DSNEnv        string        `yaml:"dsn_env"`
	AddrEnv       string        `yaml:"addr_env"`
	Path          string        `yaml:"path"`
	TTL           time.Duration `yaml:"ttl"`
	IdleEviction  time.Duration `yaml:"idle_eviction"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	Header        string        `yaml:"header"`
	Cookie        string        `yaml:"cookie"`
	MaxOpenConns  int           `yaml:"max_open_conns"`
}

// IdempotencyConfig describes idempotent question submission.
type IdempotencyConfig struct {
	Enabled bool          `yaml:"enabled"`
	Driver  string        `yaml:"driver"`
	AddrEnv string        `yaml:"addr_env"`
	DB      int           `yaml:"db"`
	TTL     time.Duration `yaml:"ttl"`
}

// RecentConfig describes the recent questions listing cache.
type RecentConfig struct {
	CacheTTL   time.Duration `yaml:"cache_ttl"`
	MaxEntries int           `yaml:"max_entries"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel  string        `yaml:"log_level"`
	LogFormat string        `yaml:"log_format"` // json or console
	Tracing   TracingConfig `yaml:"tracing"`
	Metrics   MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-Session-Id",
					"X-Correlation-Id", "X-Idempotency-Key"},
				MaxAge: 86400,
			},
		},
		Identity: IdentityConfig{
			Required:     true,
			JWKSCacheTTL: 1 * time.Hour,
			Algorithms:   []string{"RS256"},
			ClaimPaths: map[string]string{
				"subject_id": "sub",
				"locale":     "locale",
			},
		},
		QuestionAPI: QuestionAPIConfig{
			Timeout: 10 * time.Second,
			Auth: ServiceAuthConfig{
				Strategy: "forward",
			},
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          30 * time.Second,
			},
			Retry: RetryConfig{
				MaxAttempts:       3,
				BackoffInitial:    100 * time.Millisecond,
				BackoffMultiplier: 2,
				BackoffMax:        2 * time.Second,
				IdempotentOnly:    true,
			},
		},
		Questions: QuestionsConfig{
			Types:            []string{"général", "consultation", "urgence", "administratif"},
			MaxObjectLength:  120,
			MaxContentLength: 4000,
		},
		Sessions: SessionsConfig{
			Driver:        "memory",
			TTL:           24 * time.Hour,
			IdleEviction:  30 * time.Minute,
			SweepInterval: 5 * time.Minute,
			Header:        "X-Session-Id",
			Cookie:        "patient_session",
			MaxOpenConns:  10,
		},
		Idempotency: IdempotencyConfig{
			Enabled: true,
			Driver:  "memory",
			TTL:     10 * time.Minute,
		},
		Recent: RecentConfig{
			CacheTTL:   30 * time.Second,
			MaxEntries: 200,
		},
		Tabs: model.DefaultTabs(),
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// LoadEnvFile loads KEY=VALUE pairs from a dotenv file into the process
// environment. Variables already set are not overwritten. An empty path is a
// no-op.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("config: loading env file %s: %w", path, err)
	}
	return nil
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Identity.Required {
		if c.Identity.Issuer == "" {
			errs = append(errs, "identity.issuer is required")
		}
		if c.Identity.JWKSURL == "" {
			errs = append(errs, "identity.jwks_url is required")
		}
		if c.Identity.Audience == "" {
			errs = append(errs, "identity.audience is required")
		}
	}

	if c.QuestionAPI.BaseURL == "" && c.QuestionAPI.SpecFile == "" {
		errs = append(errs, "question_api.base_url or question_api.spec_file is required")
	}
	if c.QuestionAPI.BaseURL != "" {
		if u, err := url.Parse(c.QuestionAPI.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, "question_api.base_url must be an absolute URL")
		}
	}
	switch c.QuestionAPI.Auth.Strategy {
	case "forward", "none", "":
	case "client_credentials":
		if c.QuestionAPI.Auth.ClientID == "" || c.QuestionAPI.Auth.TokenEndpoint == "" {
			errs = append(errs, "question_api.auth.client_id and token_endpoint are required for client_credentials")
		}
	default:
		errs = append(errs, fmt.Sprintf("question_api.auth.strategy %q is not supported", c.QuestionAPI.Auth.Strategy))
	}

	switch c.Sessions.Driver {
	case "memory", "":
	case "redis":
		if c.Sessions.AddrEnv == "" {
			errs = append(errs, "sessions.addr_env is required for the redis driver")
		}
	case "postgres":
		if c.Sessions.DSNEnv == "" {
			errs = append(errs, "sessions.dsn_env is required for the postgres driver")
		}
	case "sqlite":
		if c.Sessions.Path == "" {
			errs = append(errs, "sessions.path is required for the sqlite driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("sessions.driver %q is not supported", c.Sessions.Driver))
	}
	if c.Sessions.TTL <= 0 {
		errs = append(errs, "sessions.ttl must be positive")
	}

	if c.Idempotency.Enabled {
		switch c.Idempotency.Driver {
		case "memory", "":
		case "redis":
			if c.Idempotency.AddrEnv == "" {
				errs = append(errs, "idempotency.addr_env is required for the redis driver")
			}
		default:
			errs = append(errs, fmt.Sprintf("idempotency.driver %q is not supported", c.Idempotency.Driver))
		}
	}

	if len(c.Questions.Types) == 0 {
		errs = append(errs, "questions.types must not be empty")
	}
	for i, tab := range c.Tabs {
		if tab.Name == "" || tab.Link == "" {
			errs = append(errs, fmt.Sprintf("tabs[%d] requires name and link", i))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads PATIENTBFF_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PATIENTBFF_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("PATIENTBFF_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("PATIENTBFF_IDENTITY_JWKS_URL"); v != "" {
		cfg.Identity.JWKSURL = v
	}
	if v := os.Getenv("PATIENTBFF_IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("PATIENTBFF_IDENTITY_REQUIRED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Identity.Required = b
		}
	}
	if v := os.Getenv("PATIENTBFF_QUESTION_API_BASE_URL"); v != "" {
		cfg.QuestionAPI.BaseURL = v
	}
	if v := os.Getenv("PATIENTBFF_SESSIONS_DRIVER"); v != "" {
		cfg.Sessions.Driver = v
	}
	if v := os.Getenv("PATIENTBFF_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("PATIENTBFF_OBSERVABILITY_LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}
}
