package session

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestPgStore(t *testing.T) {
	if testing.Short() {
		t.Skip("postgres container test skipped in short mode")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("patientbff"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2)),
	)
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("failed to terminate container: %s", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	defer pool.Close()

	store := NewPgStore(pool)
	require.NoError(t, store.EnsureSchema(ctx))
	require.NoError(t, store.EnsureSchema(ctx), "EnsureSchema must be repeatable")

	runStoreContract(t, store)

	t.Run("expiry and sweep", func(t *testing.T) {
		now := time.Now().UTC()
		store.now = func() time.Time { return now }
		defer func() { store.now = time.Now }()

		require.NoError(t, store.Save(ctx, "exp-short", testState(1), time.Minute))
		require.NoError(t, store.Save(ctx, "exp-long", testState(1), time.Hour))

		now = now.Add(2 * time.Minute)
		_, found, err := store.Load(ctx, "exp-short")
		assert.NoError(t, err)
		assert.False(t, found)

		removed, err := store.Sweep(ctx, now)
		assert.NoError(t, err)
		assert.Equal(t, 1, removed)

		_, found, err = store.Load(ctx, "exp-long")
		assert.NoError(t, err)
		assert.True(t, found)
	})
}
