package store

import (
	"context"
	"errors"

	"github.com/JakeFAU/extraction-supervisor/internal/extraction"
)

// ErrNoChange is returned by a MutateFunc to abort an update without writing.
// Update then returns the current record together with ErrNoChange.
var ErrNoChange = errors.New("no change")

// MutateFunc edits rec in place inside the repository's atomic update. Any
// error aborts the write and is returned unchanged by Update.
type MutateFunc func(rec *extraction.Record) error

// ProgressRepository persists one extraction.Record per (user, source).
//
// Driver and connectivity failures are wrapped with
// extraction.ErrStorageUnavailable; missing rows map to extraction.ErrNotFound.
type ProgressRepository interface {
	// GetOrCreate inserts seed unless a record for seed.Key() already exists
	// and returns whichever record is stored. Concurrent callers observe the
	// same row.
	GetOrCreate(ctx context.Context, seed extraction.Record) (extraction.Record, error)
	// Get loads one record or returns extraction.ErrNotFound.
	Get(ctx context.Context, key extraction.Key) (extraction.Record, error)
	// ListByUser returns every stored record for a user.
	ListByUser(ctx context.Context, userID string) ([]extraction.Record, error)
	// List returns records across all users, optionally filtered by status.
	List(ctx context.Context, status *extraction.Status) ([]extraction.Record, error)
	// Update performs an atomic read-modify-write of one existing record.
	Update(ctx context.Context, key extraction.Key, fn MutateFunc) (extraction.Record, error)
	// Ping checks connectivity.
	Ping(ctx context.Context) error
	// Close releases underlying resources.
	Close() error
}

// Apply runs fn against a clone of current. It returns the edited record and
// whether it should be written.
func Apply(current extraction.Record, fn MutateFunc) (extraction.Record, bool, error) {
	next := current.Clone()
	if err := fn(&next); err != nil {
		return current, false, err
	}
	next.ID = current.ID
	next.UserID = current.UserID
	next.Source = current.Source
	next.CreatedAt = current.CreatedAt
	return next, true, nil
}
