// Package staleness decides whether a running extraction has stopped
// heartbeating and derives the statuses shown to readers. Every function is a
// pure function of its arguments; callers pass now explicitly.
package staleness

import (
	"time"

	"github.com/JakeFAU/extraction-supervisor/internal/extraction"
)

// DefaultThreshold is used when a caller configures none.
const DefaultThreshold = 5 * time.Minute

// IsStale reports whether rec claims to be running but has not been heard from
// for longer than threshold. The boundary is exclusive.
func IsStale(rec extraction.Record, now time.Time, threshold time.Duration) bool {
	if rec.Status != extraction.StatusRunning {
		return false
	}
	if rec.LastRunAt == nil {
		return true
	}
	return now.Sub(*rec.LastRunAt) > threshold
}

// EffectiveStatus is the persisted status corrected for staleness. It never
// writes anything.
func EffectiveStatus(rec extraction.Record, now time.Time, threshold time.Duration) extraction.Status {
	if IsStale(rec, now, threshold) {
		return extraction.StatusError
	}
	return rec.Status
}

// DisplayStatus hides errors from runs that never processed an item: those
// render as idle.
func DisplayStatus(rec extraction.Record, effective extraction.Status) extraction.Status {
	if effective == extraction.StatusError && rec.ProcessedItems == 0 {
		return extraction.StatusIdle
	}
	return effective
}

// Marker builds the error message stamped on records recovered by a sweep.
func Marker(threshold time.Duration) string {
	return "stale: no heartbeat within " + threshold.String()
}
