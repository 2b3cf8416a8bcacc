// Package estimate derives completion percentage, throughput and ETA from a
// progress record without mutating it.
package estimate

import (
	"math"
	"time"

	"github.com/JakeFAU/extraction-supervisor/internal/extraction"
)

// Percentage returns processed/total*100 clamped to [0, 100]. An unknown total
// reports 0.
func Percentage(rec extraction.Record) float64 {
	if rec.TotalItems <= 0 {
		return 0
	}
	pct := float64(rec.ProcessedItems) / float64(rec.TotalItems) * 100
	return math.Max(0, math.Min(100, pct))
}

// RateAndETA returns items per second since LastRunAt, rounded to two
// decimals, and the whole seconds left at that rate. Both are zero unless the
// record is running with at least one second elapsed.
func RateAndETA(rec extraction.Record, now time.Time) (rate float64, etaSeconds int64) {
	if rec.Status != extraction.StatusRunning || rec.LastRunAt == nil {
		return 0, 0
	}
	elapsed := now.Sub(*rec.LastRunAt).Seconds()
	if elapsed < 1 {
		return 0, 0
	}
	rate = round2(float64(rec.ProcessedItems) / elapsed)
	remaining := rec.TotalItems - rec.ProcessedItems
	if remaining < 0 {
		remaining = 0
	}
	if rate <= 0 {
		return rate, 0
	}
	return rate, int64(math.Round(float64(remaining) / rate))
}

// Summary bundles every derived metric for one record.
type Summary struct {
	Percentage       float64
	Rate             float64
	SecondsRemaining int64
}

// Compute evaluates all metrics at now.
func Compute(rec extraction.Record, now time.Time) Summary {
	rate, eta := RateAndETA(rec, now)
	return Summary{Percentage: Percentage(rec), Rate: rate, SecondsRemaining: eta}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
