package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/clinique-saint-luc/patientbff/internal/config"
	"github.com/clinique-saint-luc/patientbff/internal/idempotency"
	"github.com/clinique-saint-luc/patientbff/internal/session"
)

func noop() {}

// buildSessionStore creates the session store selected by cfg.Driver. The
// returned closer releases its connections.
func buildSessionStore(ctx context.Context, cfg config.SessionsConfig, logger *zap.Logger) (session.Store, func(), error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory session store")
		return session.NewMemoryStore(), noop, nil

	case "redis":
		client, err := newRedisClient(cfg.AddrEnv, 0)
		if err != nil {
			return nil, nil, fmt.Errorf("session store: %w", err)
		}
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("session store: ping: %w", err)
		}
		logger.Info("using redis session store")
		return session.NewRedisStore(client), func() { client.Close() }, nil

	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("session store: %s environment variable not set", cfg.DSNEnv)
		}
		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("session store: parse DSN: %w", err)
		}
		if cfg.MaxOpenConns > 0 {
			poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		}

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("session store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("session store: ping: %w", err)
		}

		store := session.NewPgStore(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("session store: schema: %w", err)
		}
		logger.Info("using postgres session store")
		return store, pool.Close, nil

	case "sqlite":
		store, err := session.OpenSQLiteStore(cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("session store: %w", err)
		}
		logger.Info("using sqlite session store", zap.String("path", cfg.Path))
		return store, func() { store.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unsupported session store driver: %q", cfg.Driver)
	}
}

// buildIdempotencyStore creates the idempotency store selected by cfg.Driver.
func buildIdempotencyStore(cfg config.IdempotencyConfig, logger *zap.Logger) (idempotency.Store, func(), error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory idempotency store")
		return idempotency.NewMemoryStore(), noop, nil
	case "redis":
		client, err := newRedisClient(cfg.AddrEnv, cfg.DB)
		if err != nil {
			return nil, nil, fmt.Errorf("idempotency store: %w", err)
		}
		logger.Info("using redis idempotency store")
		return idempotency.NewRedisStore(client), func() { client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported idempotency store driver: %q", cfg.Driver)
	}
}

// newRedisClient reads the server address from the named environment
// variable. Both host:port and redis:// URLs are accepted.
func newRedisClient(addrEnv string, db int) (*redis.Client, error) {
	addr := os.Getenv(addrEnv)
	if addr == "" {
		return nil, fmt.Errorf("%s environment variable not set", addrEnv)
	}
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		opts, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("parse redis URL: %w", err)
		}
		return redis.NewClient(opts), nil
	}
	return redis.NewClient(&redis.Options{Addr: addr, DB: db}), nil
}
