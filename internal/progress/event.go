package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/extraction-supervisor/internal/extraction"
)

// Stage names the transition an Event records.
type Stage string

// Supported stages.
const (
	StageStarted        Stage = "started"
	StageHeartbeat      Stage = "heartbeat"
	StagePaused         Stage = "paused"
	StageCompleted      Stage = "completed"
	StageFailed         Stage = "failed"
	StageReset          Stage = "reset"
	StageStaleRecovered Stage = "stale_recovered"
)

// Event is one successful transition of a progress record.
type Event struct {
	UserID string
	Source extraction.Source
	Stage  Stage
	// Status is the persisted status after the transition.
	Status extraction.Status
	// TS is when the supervisor applied the transition.
	TS                time.Time
	TotalItems        int64
	ProcessedItems    int64
	FailedItems       int64
	EntitiesExtracted int64
	// RunTime is the time since the run started, set on terminal stages when known.
	RunTime time.Duration
	// Note carries low-volume context such as an error message.
	Note string
}

// FromRecord builds an event snapshot of rec.
func FromRecord(stage Stage, rec extraction.Record, ts time.Time) Event {
	return Event{
		UserID:            rec.UserID,
		Source:            rec.Source,
		Stage:             stage,
		Status:            rec.Status,
		TS:                ts,
		TotalItems:        rec.TotalItems,
		ProcessedItems:    rec.ProcessedItems,
		FailedItems:       rec.FailedItems,
		EntitiesExtracted: rec.EntitiesExtracted,
	}
}

// Key returns the record the event belongs to.
func (e Event) Key() extraction.Key {
	return extraction.Key{UserID: e.UserID, Source: e.Source}
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.UserID == "" {
		return errors.New("user id is required")
	}
	if !e.Source.Valid() {
		return fmt.Errorf("unknown source %q", e.Source)
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageStarted, StageHeartbeat, StagePaused, StageCompleted, StageFailed, StageReset, StageStaleRecovered:
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.RunTime < 0 {
		return errors.New("run time must be >= 0")
	}
	return nil
}

// Terminal reports whether the event ends a run.
func (e Event) Terminal() bool {
	return e.Stage == StageCompleted || e.Stage == StageFailed || e.Stage == StageStaleRecovered
}
