package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/JakeFAU/extraction-supervisor/internal/extraction"
	"github.com/JakeFAU/extraction-supervisor/internal/policy/staleness"
	"github.com/JakeFAU/extraction-supervisor/internal/progress"
	"github.com/JakeFAU/extraction-supervisor/internal/store"
)

// StartExtraction moves a record to pending ahead of a worker run. A run that
// ended, or a running record that went stale, starts fresh with zeroed
// counters; a paused record resumes with its counters. totalItems, when set,
// records the known input size.
func (s *Supervisor) StartExtraction(ctx context.Context, key extraction.Key, totalItems *int64) (extraction.Record, error) {
	if totalItems != nil && *totalItems < 0 {
		return extraction.Record{}, fmt.Errorf("%w: total_items must be >= 0", extraction.ErrValidation)
	}
	if _, err := s.GetOrCreateProgress(ctx, key); err != nil {
		s.rejected("start", key, err)
		return extraction.Record{}, err
	}
	now := s.clock.Now()
	rec, err := s.update(ctx, key, func(rec *extraction.Record) error {
		switch {
		case rec.Status == extraction.StatusPending:
			return invalidTransition(key, "extraction is already pending")
		case rec.Status == extraction.StatusRunning && !staleness.IsStale(*rec, now, s.threshold):
			return invalidTransition(key, "extraction is already running")
		case rec.Status == extraction.StatusPaused:
		default:
			rec.ResetCounters()
			rec.CurrentStep = ""
			rec.StartedAt = &now
		}
		if rec.StartedAt == nil {
			rec.StartedAt = &now
		}
		if totalItems != nil {
			if *totalItems > 0 && rec.ProcessedItems > *totalItems {
				return fmt.Errorf("%w: total_items %d is below processed_items %d",
					extraction.ErrValidation, *totalItems, rec.ProcessedItems)
			}
			rec.TotalItems = *totalItems
		}
		rec.Status = extraction.StatusPending
		rec.ErrorMessage = nil
		rec.LastRunAt = &now
		rec.UpdatedAt = now
		return nil
	})
	if err != nil {
		s.rejected("start", key, err)
		return rec, err
	}
	s.applied("start", rec)
	s.emit(progress.StageStarted, rec, now, "")
	return rec, nil
}

// Heartbeat applies a worker's absolute progress snapshot and marks the
// record running. Heartbeats are accepted from pending and running, and from
// an idle record that has never been reset. A reset ends the run: heartbeats
// are rejected until StartExtraction begins a new one. A heartbeat older than
// the last recorded activity is rejected so that a delayed report cannot
// regress progress.
func (s *Supervisor) Heartbeat(ctx context.Context, key extraction.Key, hb extraction.Heartbeat) (extraction.Record, error) {
	if err := hb.Validate(0); err != nil {
		return extraction.Record{}, err
	}
	if _, err := s.GetOrCreateProgress(ctx, key); err != nil {
		s.rejected("heartbeat", key, err)
		return extraction.Record{}, err
	}
	now := s.clock.Now()
	at := reportedAt(hb.At, now)
	rec, err := s.update(ctx, key, func(rec *extraction.Record) error {
		switch rec.Status {
		case extraction.StatusIdle, extraction.StatusPending, extraction.StatusRunning:
		default:
			return invalidTransition(key, "cannot heartbeat a %s extraction", rec.Status)
		}
		if rec.LastRunAt != nil && at.Before(*rec.LastRunAt) {
			return invalidTransition(key, "heartbeat at %s precedes last activity at %s",
				at.Format(time.RFC3339Nano), rec.LastRunAt.Format(time.RFC3339Nano))
		}
		if wasReset(*rec) {
			return invalidTransition(key, "extraction was reset at %s; start a new run",
				rec.UpdatedAt.Format(time.RFC3339Nano))
		}
		if err := hb.Validate(rec.TotalItems); err != nil {
			return err
		}
		if rec.Status == extraction.StatusIdle || rec.StartedAt == nil {
			rec.StartedAt = &at
		}
		if hb.TotalItems != nil {
			rec.TotalItems = *hb.TotalItems
		}
		rec.ProcessedItems = hb.ProcessedItems
		rec.FailedItems = hb.FailedItems
		rec.EntitiesExtracted = hb.EntitiesExtracted
		if hb.CurrentStep != "" {
			rec.CurrentStep = hb.CurrentStep
		}
		rec.Status = extraction.StatusRunning
		rec.LastRunAt = &at
		rec.UpdatedAt = now
		return nil
	})
	if err != nil {
		s.rejected("heartbeat", key, err)
		return rec, err
	}
	s.emit(progress.StageHeartbeat, rec, now, "")
	return rec, nil
}

// CompleteExtraction ends an active run successfully.
func (s *Supervisor) CompleteExtraction(ctx context.Context, key extraction.Key, at time.Time) (extraction.Record, error) {
	return s.finish(ctx, key, extraction.StatusCompleted, "", at)
}

// FailExtraction ends an active run with message.
func (s *Supervisor) FailExtraction(ctx context.Context, key extraction.Key, message string, at time.Time) (extraction.Record, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return extraction.Record{}, fmt.Errorf("%w: error_message is required", extraction.ErrValidation)
	}
	return s.finish(ctx, key, extraction.StatusError, message, at)
}

func (s *Supervisor) finish(ctx context.Context, key extraction.Key, status extraction.Status, message string, at time.Time) (extraction.Record, error) {
	op := "complete"
	stage := progress.StageCompleted
	if status == extraction.StatusError {
		op = "fail"
		stage = progress.StageFailed
	}
	if err := key.Validate(); err != nil {
		return extraction.Record{}, err
	}
	now := s.clock.Now()
	at = reportedAt(at, now)
	rec, err := s.update(ctx, key, func(rec *extraction.Record) error {
		if !rec.Status.Active() {
			return invalidTransition(key, "cannot %s a %s extraction", op, rec.Status)
		}
		if rec.LastRunAt != nil && at.Before(*rec.LastRunAt) {
			return invalidTransition(key, "%s at %s precedes last activity at %s",
				op, at.Format(time.RFC3339Nano), rec.LastRunAt.Format(time.RFC3339Nano))
		}
		rec.Status = status
		rec.ErrorMessage = nil
		if message != "" {
			rec.ErrorMessage = &message
		}
		rec.LastRunAt = &at
		rec.UpdatedAt = now
		return nil
	})
	if errors.Is(err, extraction.ErrNotFound) {
		err = invalidTransition(key, "cannot %s an extraction that never started", op)
	}
	if err != nil {
		s.rejected(op, key, err)
		return rec, err
	}
	s.applied(op, rec)
	s.emit(stage, rec, now, message)
	return rec, nil
}

// PauseExtraction pauses an active record, leaving its counters untouched.
// Pausing an already paused record succeeds without writing; any other
// status is an invalid transition.
func (s *Supervisor) PauseExtraction(ctx context.Context, key extraction.Key) (extraction.Record, error) {
	if err := key.Validate(); err != nil {
		return extraction.Record{}, err
	}
	now := s.clock.Now()
	rec, err := s.update(ctx, key, func(rec *extraction.Record) error {
		switch rec.Status {
		case extraction.StatusPending, extraction.StatusRunning:
			rec.Status = extraction.StatusPaused
			rec.UpdatedAt = now
			return nil
		case extraction.StatusPaused:
			return store.ErrNoChange
		default:
			return invalidTransition(key, "cannot pause a %s extraction", rec.Status)
		}
	})
	switch {
	case errors.Is(err, store.ErrNoChange):
		return rec, nil
	case errors.Is(err, extraction.ErrNotFound):
		err = invalidTransition(key, "cannot pause an extraction that never started")
	}
	if err != nil {
		s.rejected("pause", key, err)
		return rec, err
	}
	s.applied("pause", rec)
	s.emit(progress.StagePaused, rec, now, "")
	return rec, nil
}

// ResetProgress returns the record to a never-run idle state from any status,
// creating it if needed. With clearDownstream the record's artifacts are
// deleted first; if that fails the record is left untouched.
func (s *Supervisor) ResetProgress(ctx context.Context, key extraction.Key, clearDownstream bool) (extraction.Record, error) {
	if err := key.Validate(); err != nil {
		return extraction.Record{}, err
	}
	if clearDownstream {
		if s.cleaner == nil {
			return extraction.Record{}, fmt.Errorf("%w: downstream data clearing is not configured", extraction.ErrValidation)
		}
		cctx, cancel := s.storeContext(ctx)
		err := s.cleaner.Clear(cctx, key)
		err = s.storeErr(cctx, err)
		cancel()
		if err != nil {
			s.rejected("reset", key, err)
			return extraction.Record{}, err
		}
	}
	if _, err := s.GetOrCreateProgress(ctx, key); err != nil {
		s.rejected("reset", key, err)
		return extraction.Record{}, err
	}
	now := s.clock.Now()
	rec, err := s.update(ctx, key, func(rec *extraction.Record) error {
		if isPristine(*rec) {
			return store.ErrNoChange
		}
		rec.ResetCounters()
		rec.Status = extraction.StatusIdle
		rec.ErrorMessage = nil
		rec.CurrentStep = ""
		rec.StartedAt = nil
		rec.LastRunAt = nil
		rec.UpdatedAt = resetStamp(rec.CreatedAt, now)
		return nil
	})
	if errors.Is(err, store.ErrNoChange) {
		return rec, nil
	}
	if err != nil {
		s.rejected("reset", key, err)
		return rec, err
	}
	s.applied("reset", rec)
	note := ""
	if clearDownstream {
		note = "downstream data cleared"
	}
	s.emit(progress.StageReset, rec, now, note)
	return rec, nil
}

func isPristine(rec extraction.Record) bool {
	return rec.Status == extraction.StatusIdle &&
		rec.TotalItems == 0 && rec.ProcessedItems == 0 && rec.FailedItems == 0 && rec.EntitiesExtracted == 0 &&
		rec.ErrorMessage == nil && rec.CurrentStep == "" && rec.StartedAt == nil && rec.LastRunAt == nil
}

// wasReset reports whether rec is idle because of a reset. Only creation and
// reset write idle, and a reset always stamps UpdatedAt after CreatedAt.
func wasReset(rec extraction.Record) bool {
	return rec.Status == extraction.StatusIdle && rec.UpdatedAt.After(rec.CreatedAt)
}

// resetStamp keeps a reset distinguishable from creation when both land on
// the same clock reading. Postgres keeps microseconds, so that is the step.
func resetStamp(created, now time.Time) time.Time {
	if now.Truncate(time.Microsecond).After(created) {
		return now
	}
	return created.Add(time.Microsecond)
}

// reportedAt defaults a zero timestamp to now and clamps reports from the
// future so that LastRunAt never runs ahead of the supervisor clock.
func reportedAt(at, now time.Time) time.Time {
	if at.IsZero() || at.After(now) {
		return now
	}
	return at.UTC()
}
