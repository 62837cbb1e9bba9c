// Package main is the entry point for the patient questions BFF server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/clinique-saint-luc/patientbff/internal/config"
	"github.com/clinique-saint-luc/patientbff/internal/idempotency"
	"github.com/clinique-saint-luc/patientbff/internal/observability"
	"github.com/clinique-saint-luc/patientbff/internal/questionapi"
	"github.com/clinique-saint-luc/patientbff/internal/questions"
	"github.com/clinique-saint-luc/patientbff/internal/recent"
	"github.com/clinique-saint-luc/patientbff/internal/session"
	"github.com/clinique-saint-luc/patientbff/internal/transport"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

const serviceName = "patientbff"

type options struct {
	configPath string
	envFile    string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           serviceName,
		Short:         "Backend for the patient questions area",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), opts)
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "config.yaml", "path to configuration file")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", "", "dotenv file loaded before the configuration")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Start the HTTP server",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return serve(cmd.Context(), opts)
			},
		},
		&cobra.Command{
			Use:   "check-config",
			Short: "Validate the configuration and the question service description",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return checkConfig(cmd, opts)
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the build version",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s)\n", serviceName, version, commit)
			},
		},
	)
	return root
}

func loadConfig(opts *options) (*config.Config, error) {
	if err := config.LoadEnvFile(opts.envFile); err != nil {
		return nil, err
	}
	return config.Load(opts.configPath)
}

func loadOperations(ctx context.Context, cfg config.QuestionAPIConfig) (*questionapi.Operations, error) {
	if cfg.SpecFile == "" {
		return questionapi.DefaultOperations(), nil
	}
	return questionapi.LoadOperations(ctx, cfg.SpecFile)
}

func checkConfig(cmd *cobra.Command, opts *options) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "configuration error: %v\n", err)
		return err
	}
	ops, err := loadOperations(cmd.Context(), cfg.QuestionAPI)
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "question service description error: %v\n", err)
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "configuration ok\n")
	fmt.Fprintf(out, "  sessions:    %s (ttl %s)\n", cfg.Sessions.Driver, cfg.Sessions.TTL)
	if cfg.Idempotency.Enabled {
		fmt.Fprintf(out, "  idempotency: %s (ttl %s)\n", cfg.Idempotency.Driver, cfg.Idempotency.TTL)
	} else {
		fmt.Fprintf(out, "  idempotency: disabled\n")
	}
	fmt.Fprintf(out, "  operations:  %d (from spec: %t)\n", ops.Count(), ops.FromSpec())
	fmt.Fprintf(out, "  identity:    required=%t issuer=%q\n", cfg.Identity.Required, cfg.Identity.Issuer)
	return nil
}

func serve(parent context.Context, opts *options) error {
	if parent == nil {
		parent = context.Background()
	}

	// Step 1: Load configuration.
	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return err
	}

	// Step 2: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, serviceName, version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return err
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 3: Resolve question service operations and build the client.
	ops, err := loadOperations(ctx, cfg.QuestionAPI)
	if err != nil {
		logger.Error("question service description failed to load", zap.Error(err))
		return err
	}
	tokens, err := questionapi.NewTokenSource(cfg.QuestionAPI.Auth)
	if err != nil {
		logger.Error("question service auth misconfigured", zap.Error(err))
		return err
	}
	api, err := questionapi.New(cfg.QuestionAPI, ops, tokens,
		questionapi.WithMetrics(metrics),
		questionapi.WithLogger(logger.Named("questionapi")),
	)
	if err != nil {
		logger.Error("question service client failed", zap.Error(err))
		return err
	}

	// Step 4: Session store and manager.
	sessionStore, closeSessions, err := buildSessionStore(ctx, cfg.Sessions, logger)
	if err != nil {
		logger.Error("session store initialization failed", zap.Error(err))
		return err
	}
	defer closeSessions()

	sessions := session.NewManager(sessionStore, api, cfg.Sessions, cfg.Tabs,
		session.WithMetrics(metrics),
		session.WithLogger(logger.Named("session")),
	)

	// Step 5: Idempotency guard (optional).
	var guard *idempotency.Guard
	var idemChecker observability.HealthChecker
	if cfg.Idempotency.Enabled {
		store, closeIdem, err := buildIdempotencyStore(cfg.Idempotency, logger)
		if err != nil {
			logger.Error("idempotency store initialization failed", zap.Error(err))
			return err
		}
		defer closeIdem()
		guard = idempotency.NewGuard(store, cfg.Idempotency.TTL, logger.Named("idempotency"))
		idemChecker = store
	}

	// Step 6: Build HTTP router.
	readiness := observability.ReadinessChecks{
		OpenAPILoaded:    func() bool { return ops.Count() > 0 },
		SessionStore:     sessionStore,
		IdempotencyStore: idemChecker,
	}
	deps := transport.Dependencies{
		Config:         cfg,
		Sessions:       sessions,
		Validator:      questions.NewValidator(cfg.Questions, ops),
		Idempotency:    guard,
		Recent:         recent.NewProvider(api, cfg.Recent.CacheTTL, cfg.Recent.MaxEntries, metrics),
		Metrics:        metrics,
		Logger:         logger,
		HealthHandler:  observability.HandleHealth(),
		MetricsHandler: observability.Handler(),
	}
	if cfg.Identity.JWKSURL != "" {
		jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL)
		deps.Authenticate = transport.JWTAuthenticator(cfg.Identity, jwks)
		readiness.IdentityKeys = jwks
	} else {
		logger.Warn("identity verification disabled, no JWKS URL configured")
	}
	deps.ReadyHandler = observability.HandleReady(readiness)

	router := transport.NewRouter(deps)
	traced := observability.Tracing("/ui/health", "/ui/ready", cfg.Observability.Metrics.Path)
	handler := traced(router)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 7: Run the server and the session sweeper until shutdown.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("sessions", cfg.Sessions.Driver),
		zap.Int("operations", ops.Count()),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return sessions.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown initiated")

		shutdownTimeout := cfg.Server.ShutdownTimeout
		if shutdownTimeout == 0 {
			shutdownTimeout = 30 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", zap.Error(err))
		}
		if err := tracingShutdown(shutdownCtx); err != nil {
			logger.Error("tracing shutdown error", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("server error", zap.Error(err))
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
