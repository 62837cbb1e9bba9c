package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/clinique-saint-luc/patientbff/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS patient_sessions (
	id         TEXT PRIMARY KEY,
	state      TEXT NOT NULL,
	version    INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_patient_sessions_expires_at ON patient_sessions(expires_at);
`

// SQLiteStore is a Store backed by a local SQLite file, for single-node
// deployments that need sessions to survive restarts.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLiteStore creates or opens the database at path and initializes the
// schema. expires_at is stored as Unix nanoseconds.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Load retrieves an unexpired session.
func (s *SQLiteStore) Load(ctx context.Context, id string) (model.WorkflowState, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM patient_sessions WHERE id = ? AND expires_at > ?`,
		id, s.now().UnixNano(),
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return model.WorkflowState{}, false, nil
	}
	if err != nil {
		return model.WorkflowState{}, false, fmt.Errorf("query session: %w", err)
	}

	var state model.WorkflowState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return model.WorkflowState{}, false, fmt.Errorf("unmarshal state: %w", err)
	}
	return state, true, nil
}

// Save writes the session when state follows the stored version. The first
// version inserts the row, or replaces one that has expired.
func (s *SQLiteStore) Save(ctx context.Context, id string, state model.WorkflowState, ttl time.Duration) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	now := s.now()
	var res sql.Result
	if state.Version == 1 {
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO patient_sessions (id, state, version, expires_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				state = excluded.state,
				version = excluded.version,
				expires_at = excluded.expires_at
			WHERE patient_sessions.expires_at <= ?`,
			id, string(data), state.Version, now.Add(ttl).UnixNano(), now.UnixNano(),
		)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE patient_sessions
			SET state = ?, version = ?, expires_at = ?
			WHERE id = ? AND version = ? AND expires_at > ?`,
			string(data), state.Version, now.Add(ttl).UnixNano(), id, state.Version-1, now.UnixNano(),
		)
	}
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("session %q: %w", id, ErrVersionConflict)
	}
	return nil
}

// Delete removes a session.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM patient_sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// Sweep deletes sessions that expired before now.
func (s *SQLiteStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM patient_sessions WHERE expires_at <= ?`, now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("sweep sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweep sessions: %w", err)
	}
	return int(n), nil
}

// HealthCheck pings the database.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
