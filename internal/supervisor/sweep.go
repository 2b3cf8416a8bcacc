package supervisor

import (
	"context"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/extraction-supervisor/internal/extraction"
	"github.com/JakeFAU/extraction-supervisor/internal/policy/staleness"
	"github.com/JakeFAU/extraction-supervisor/internal/progress"
	"github.com/JakeFAU/extraction-supervisor/internal/store"
)

// SweepReport describes one ResetStaleExtractions run.
type SweepReport struct {
	ID string
	// Scanned counts running records examined.
	Scanned int
	// Transitioned counts records flipped to error.
	Transitioned int
	StartedAt    time.Time
	Duration     time.Duration
}

// ResetStaleExtractions flips every running record that is stale to error,
// keeping its counters, and reports how many were flipped. Staleness is
// re-checked inside each update so a heartbeat racing the sweep wins. An
// update failure stops the sweep; records already flipped stay flipped.
func (s *Supervisor) ResetStaleExtractions(ctx context.Context) (SweepReport, error) {
	now := s.clock.Now()
	report := SweepReport{ID: ulid.MustNewDefault(now).String(), StartedAt: now}

	running := extraction.StatusRunning
	lctx, cancel := s.storeContext(ctx)
	recs, err := s.repo.List(lctx, &running)
	err = s.storeErr(lctx, err)
	cancel()
	if err != nil {
		s.logger.Error("stale sweep list failed", zap.String("sweep_id", report.ID), zap.Error(err))
		return report, err
	}

	marker := staleness.Marker(s.threshold)
	for _, candidate := range recs {
		report.Scanned++
		if !staleness.IsStale(candidate, now, s.threshold) {
			continue
		}
		rec, err := s.update(ctx, candidate.Key(), func(rec *extraction.Record) error {
			if !staleness.IsStale(*rec, now, s.threshold) {
				return store.ErrNoChange
			}
			msg := marker
			rec.Status = extraction.StatusError
			rec.ErrorMessage = &msg
			rec.UpdatedAt = now
			return nil
		})
		if errors.Is(err, store.ErrNoChange) || errors.Is(err, extraction.ErrNotFound) {
			continue
		}
		if err != nil {
			report.Duration = s.clock.Now().Sub(now)
			s.logger.Error("stale sweep aborted",
				zap.String("sweep_id", report.ID),
				zap.String("user_id", candidate.UserID),
				zap.String("source", string(candidate.Source)),
				zap.Int("transitioned", report.Transitioned),
				zap.Error(err),
			)
			return report, err
		}
		report.Transitioned++
		s.emit(progress.StageStaleRecovered, rec, now, marker)
	}

	report.Duration = s.clock.Now().Sub(now)
	s.logger.Info("stale sweep finished",
		zap.String("sweep_id", report.ID),
		zap.Int("scanned", report.Scanned),
		zap.Int("transitioned", report.Transitioned),
		zap.Duration("duration", report.Duration),
	)
	return report, nil
}

// Summary aggregates every record by source and effective status.
type Summary struct {
	GeneratedAt       time.Time
	Records           int
	Stale             int
	BySource          map[extraction.Source]map[extraction.Status]int
	ProcessedItems    int64
	EntitiesExtracted int64
}

// Summarize scans all records and aggregates them at the current time.
func (s *Supervisor) Summarize(ctx context.Context) (Summary, error) {
	ctx, cancel := s.storeContext(ctx)
	defer cancel()
	recs, err := s.repo.List(ctx, nil)
	if err != nil {
		return Summary{}, s.storeErr(ctx, err)
	}
	now := s.clock.Now()
	sum := Summary{
		GeneratedAt: now,
		BySource:    make(map[extraction.Source]map[extraction.Status]int, len(extraction.Sources)),
	}
	for _, src := range extraction.Sources {
		sum.BySource[src] = map[extraction.Status]int{}
	}
	for _, rec := range recs {
		effective := staleness.EffectiveStatus(rec, now, s.threshold)
		if staleness.IsStale(rec, now, s.threshold) {
			sum.Stale++
		}
		if counts, ok := sum.BySource[rec.Source]; ok {
			counts[effective]++
		}
		sum.Records++
		sum.ProcessedItems += rec.ProcessedItems
		sum.EntitiesExtracted += rec.EntitiesExtracted
	}
	return sum, nil
}
