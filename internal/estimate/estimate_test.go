package estimate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/extraction-supervisor/internal/extraction"
)

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func running(total, processed int64, elapsed time.Duration) extraction.Record {
	ts := now.Add(-elapsed)
	return extraction.Record{
		Status:         extraction.StatusRunning,
		TotalItems:     total,
		ProcessedItems: processed,
		LastRunAt:      &ts,
	}
}

func TestPercentage(t *testing.T) {
	t.Parallel()

	require.Zero(t, Percentage(extraction.Record{TotalItems: 0, ProcessedItems: 12}))
	require.InDelta(t, 25.0, Percentage(extraction.Record{TotalItems: 4, ProcessedItems: 1}), 1e-9)
	require.InDelta(t, 100.0, Percentage(extraction.Record{TotalItems: 4, ProcessedItems: 9}), 1e-9)
	require.Zero(t, Percentage(extraction.Record{TotalItems: 4, ProcessedItems: -3}))
}

func TestPercentageMonotonic(t *testing.T) {
	t.Parallel()

	prev := -1.0
	for processed := int64(0); processed <= 130; processed++ {
		got := Percentage(extraction.Record{TotalItems: 97, ProcessedItems: processed})
		require.GreaterOrEqual(t, got, prev)
		require.LessOrEqual(t, got, 100.0)
		prev = got
	}
	require.InDelta(t, 100.0, prev, 1e-9)
}

func TestRateAndETADegenerate(t *testing.T) {
	t.Parallel()

	tests := map[string]extraction.Record{
		"not running": func() extraction.Record {
			r := running(100, 50, time.Minute)
			r.Status = extraction.StatusPaused
			return r
		}(),
		"never ran":         {Status: extraction.StatusRunning, TotalItems: 10, ProcessedItems: 5},
		"sub second":        running(100, 50, 999*time.Millisecond),
		"zero elapsed":      running(100, 50, 0),
		"clock behind":      running(100, 50, -time.Minute),
		"completed history": {Status: extraction.StatusCompleted, TotalItems: 10, ProcessedItems: 10},
	}
	for name, rec := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			rate, eta := RateAndETA(rec, now)
			require.Zero(t, rate)
			require.Zero(t, eta)
		})
	}
}

func TestRateAndETA(t *testing.T) {
	t.Parallel()

	rate, eta := RateAndETA(running(100, 30, 60*time.Second), now)
	require.InDelta(t, 0.5, rate, 1e-9)
	require.Equal(t, int64(140), eta)

	rate, eta = RateAndETA(running(10, 1, 3*time.Second), now)
	require.InDelta(t, 0.33, rate, 1e-9)
	require.Equal(t, int64(27), eta)

	rate, eta = RateAndETA(running(0, 0, time.Minute), now)
	require.Zero(t, rate)
	require.Zero(t, eta)

	rate, eta = RateAndETA(running(10, 20, 10*time.Second), now)
	require.InDelta(t, 2.0, rate, 1e-9)
	require.Zero(t, eta, "remaining clamps to zero")
}

func TestCompute(t *testing.T) {
	t.Parallel()

	got := Compute(running(200, 50, 100*time.Second), now)
	require.Equal(t, Summary{Percentage: 25, Rate: 0.5, SecondsRemaining: 300}, got)
}
