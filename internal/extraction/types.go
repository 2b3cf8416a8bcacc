package extraction

import (
	"fmt"
	"strings"
	"time"
)

// Source identifies the upstream data a worker extracts from.
type Source string

// Supported sources. The set is closed.
const (
	SourceEmail    Source = "email"
	SourceCalendar Source = "calendar"
	SourceDrive    Source = "drive"
)

// Sources lists every source in display order.
var Sources = []Source{SourceEmail, SourceCalendar, SourceDrive}

// ParseSource validates raw input at the interface boundary.
func ParseSource(raw string) (Source, error) {
	s := Source(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("%w: unknown source %q", ErrValidation, raw)
	}
	return s, nil
}

// Valid reports whether s belongs to the closed source set.
func (s Source) Valid() bool {
	switch s {
	case SourceEmail, SourceCalendar, SourceDrive:
		return true
	default:
		return false
	}
}

// Status is the persisted lifecycle state of a Record.
type Status string

// Lifecycle states.
const (
	StatusIdle      Status = "idle"
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// ParseStatus converts a stored or user supplied value to a Status.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	switch s {
	case StatusIdle, StatusPending, StatusRunning, StatusPaused, StatusCompleted, StatusError:
		return s, nil
	default:
		return "", fmt.Errorf("%w: unknown status %q", ErrValidation, raw)
	}
}

// Active reports whether a worker is expected to be making progress.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusRunning
}

// Terminal reports whether the status ends a run.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

const maxUserIDLen = 255

// Key addresses exactly one Record.
type Key struct {
	UserID string
	Source Source
}

// NewKey validates both halves of a key.
func NewKey(userID, source string) (Key, error) {
	src, err := ParseSource(source)
	if err != nil {
		return Key{}, err
	}
	k := Key{UserID: strings.TrimSpace(userID), Source: src}
	if err := k.Validate(); err != nil {
		return Key{}, err
	}
	return k, nil
}

// Validate checks the key without normalising it.
func (k Key) Validate() error {
	if strings.TrimSpace(k.UserID) == "" {
		return fmt.Errorf("%w: user id is required", ErrValidation)
	}
	if len(k.UserID) > maxUserIDLen {
		return fmt.Errorf("%w: user id exceeds %d bytes", ErrValidation, maxUserIDLen)
	}
	if !k.Source.Valid() {
		return fmt.Errorf("%w: unknown source %q", ErrValidation, k.Source)
	}
	return nil
}

func (k Key) String() string {
	return k.UserID + "/" + string(k.Source)
}

// Record is the single progress row kept for a Key.
type Record struct {
	ID                string
	UserID            string
	Source            Source
	Status            Status
	TotalItems        int64
	ProcessedItems    int64
	FailedItems       int64
	EntitiesExtracted int64
	CurrentStep       string
	// StartedAt is when the current or most recent run began.
	StartedAt *time.Time
	// LastRunAt is the most recent heartbeat or activity.
	LastRunAt    *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
	ErrorMessage *string
}

// Key returns the address of the record.
func (r Record) Key() Key {
	return Key{UserID: r.UserID, Source: r.Source}
}

// NewRecord builds the idle, zeroed record stored on first access.
func NewRecord(id string, key Key, now time.Time) Record {
	return Record{
		ID:        id,
		UserID:    key.UserID,
		Source:    key.Source,
		Status:    StatusIdle,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a copy that shares no pointers with r.
func (r Record) Clone() Record {
	out := r
	if r.StartedAt != nil {
		ts := *r.StartedAt
		out.StartedAt = &ts
	}
	if r.LastRunAt != nil {
		ts := *r.LastRunAt
		out.LastRunAt = &ts
	}
	if r.ErrorMessage != nil {
		msg := *r.ErrorMessage
		out.ErrorMessage = &msg
	}
	return out
}

// ResetCounters zeroes the four progress counters.
func (r *Record) ResetCounters() {
	r.TotalItems = 0
	r.ProcessedItems = 0
	r.FailedItems = 0
	r.EntitiesExtracted = 0
}

// Heartbeat is an absolute snapshot of worker progress. Re-sending the same
// snapshot is harmless.
type Heartbeat struct {
	// TotalItems is left nil until the worker has enumerated its input.
	TotalItems        *int64
	ProcessedItems    int64
	FailedItems       int64
	EntitiesExtracted int64
	CurrentStep       string
	// At defaults to the supervisor clock when zero.
	At time.Time
}

// Validate checks counter sanity. knownTotal is the total already stored on
// the record and is used when the heartbeat does not carry one.
func (h Heartbeat) Validate(knownTotal int64) error {
	if h.TotalItems != nil && *h.TotalItems < 0 {
		return fmt.Errorf("%w: total_items must be >= 0", ErrValidation)
	}
	if h.ProcessedItems < 0 || h.FailedItems < 0 || h.EntitiesExtracted < 0 {
		return fmt.Errorf("%w: counters must be >= 0", ErrValidation)
	}
	total := knownTotal
	if h.TotalItems != nil {
		total = *h.TotalItems
	}
	if total > 0 && h.ProcessedItems > total {
		return fmt.Errorf("%w: processed_items %d exceeds total_items %d", ErrValidation, h.ProcessedItems, total)
	}
	return nil
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}
