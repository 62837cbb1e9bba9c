// Package session keeps the question workflow of every browser session and
// persists its state between requests.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/clinique-saint-luc/patientbff/model"
)

// ErrVersionConflict is returned by Store.Save when the stored state is not
// the one the saved state was derived from.
var ErrVersionConflict = errors.New("session version conflict")

// Store persists workflow state per session.
type Store interface {
	// Load returns the stored state of a session. found is false when the
	// session is unknown or expired.
	Load(ctx context.Context, id string) (state model.WorkflowState, found bool, err error)

	// Save stores state with the given time to live. It is a compare and set
	// on the version: the stored Version must be state.Version-1, or nothing
	// must be stored and state.Version must be 1. Otherwise it returns
	// ErrVersionConflict and leaves the stored state alone.
	Save(ctx context.Context, id string, state model.WorkflowState, ttl time.Duration) error

	// Delete removes a session. Deleting an unknown session is not an error.
	Delete(ctx context.Context, id string) error

	// Sweep removes sessions that expired before now and returns how many
	// were removed. Stores with native expiry return 0.
	Sweep(ctx context.Context, now time.Time) (int, error)

	// HealthCheck verifies the backing storage is reachable.
	HealthCheck(ctx context.Context) error
}
