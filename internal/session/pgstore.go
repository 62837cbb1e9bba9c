package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinique-saint-luc/patientbff/model"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS patient_sessions (
	id         TEXT PRIMARY KEY,
	state      JSONB NOT NULL,
	version    BIGINT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_patient_sessions_expires_at ON patient_sessions (expires_at);
`

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPgStore creates a new PostgreSQL session store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool, now: time.Now}
}

// EnsureSchema creates the sessions table if it does not exist.
func (s *PgStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, pgSchema); err != nil {
		return fmt.Errorf("create patient_sessions: %w", err)
	}
	return nil
}

// Load retrieves an unexpired session.
func (s *PgStore) Load(ctx context.Context, id string) (model.WorkflowState, bool, error) {
	var stateJSON []byte
	err := s.pool.QueryRow(ctx, `
		SELECT state FROM patient_sessions
		WHERE id = $1 AND expires_at > $2`,
		id, s.now().UTC(),
	).Scan(&stateJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowState{}, false, nil
	}
	if err != nil {
		return model.WorkflowState{}, false, fmt.Errorf("query session: %w", err)
	}

	var state model.WorkflowState
	if err := json.Unmarshal(stateJSON, &state); err != nil {
		return model.WorkflowState{}, false, fmt.Errorf("unmarshal state: %w", err)
	}
	return state, true, nil
}

// Save writes the session when state follows the stored version. The first
// version inserts the row, or replaces one that has expired.
func (s *PgStore) Save(ctx context.Context, id string, state model.WorkflowState, ttl time.Duration) error {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	now := s.now().UTC()
	var tag pgconn.CommandTag
	if state.Version == 1 {
		tag, err = s.pool.Exec(ctx, `
			INSERT INTO patient_sessions (id, state, version, expires_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (id) DO UPDATE SET
				state = EXCLUDED.state,
				version = EXCLUDED.version,
				expires_at = EXCLUDED.expires_at
			WHERE patient_sessions.expires_at <= $5`,
			id, stateJSON, state.Version, now.Add(ttl), now,
		)
	} else {
		tag, err = s.pool.Exec(ctx, `
			UPDATE patient_sessions
			SET state = $2, version = $3, expires_at = $4
			WHERE id = $1 AND version = $5 AND expires_at > $6`,
			id, stateJSON, state.Version, now.Add(ttl), state.Version-1, now,
		)
	}
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %q: %w", id, ErrVersionConflict)
	}
	return nil
}

// Delete removes a session.
func (s *PgStore) Delete(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM patient_sessions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// Sweep deletes sessions that expired before now.
func (s *PgStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM patient_sessions WHERE expires_at <= $1`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("sweep sessions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// HealthCheck pings the pool.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
