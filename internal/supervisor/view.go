package supervisor

import (
	"time"

	"github.com/JakeFAU/extraction-supervisor/internal/estimate"
	"github.com/JakeFAU/extraction-supervisor/internal/extraction"
	"github.com/JakeFAU/extraction-supervisor/internal/policy/staleness"
)

// View is a record annotated at read time. Annotations are never persisted.
type View struct {
	extraction.Record
	// Persisted is false for sources the user has never touched.
	Persisted                 bool
	EffectiveStatus           extraction.Status
	DisplayStatus             extraction.Status
	Stale                     bool
	ProgressPercentage        float64
	ProcessingRate            float64
	EstimatedSecondsRemaining int64
}

func (s *Supervisor) annotate(rec extraction.Record, now time.Time, persisted bool) View {
	effective := staleness.EffectiveStatus(rec, now, s.threshold)
	m := estimate.Compute(rec, now)
	return View{
		Record:                    rec,
		Persisted:                 persisted,
		EffectiveStatus:           effective,
		DisplayStatus:             staleness.DisplayStatus(rec, effective),
		Stale:                     staleness.IsStale(rec, now, s.threshold),
		ProgressPercentage:        m.Percentage,
		ProcessingRate:            m.Rate,
		EstimatedSecondsRemaining: m.SecondsRemaining,
	}
}
