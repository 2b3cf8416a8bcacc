package supervisor_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/extraction-supervisor/internal/clock/system"
	"github.com/JakeFAU/extraction-supervisor/internal/extraction"
	"github.com/JakeFAU/extraction-supervisor/internal/policy/staleness"
	"github.com/JakeFAU/extraction-supervisor/internal/progress"
	"github.com/JakeFAU/extraction-supervisor/internal/storage/memory"
	"github.com/JakeFAU/extraction-supervisor/internal/store"
	"github.com/JakeFAU/extraction-supervisor/internal/supervisor"
)

var t0 = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("rec-%03d", g.n), nil
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

func (r *recordingEmitter) stages() []progress.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]progress.Stage, 0, len(r.events))
	for _, evt := range r.events {
		out = append(out, evt.Stage)
	}
	return out
}

func (r *recordingEmitter) last() progress.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

type fakeCleaner struct {
	err     error
	cleared []extraction.Key
}

func (c *fakeCleaner) Clear(_ context.Context, key extraction.Key) error {
	if c.err != nil {
		return c.err
	}
	c.cleared = append(c.cleared, key)
	return nil
}

type harness struct {
	sup    *supervisor.Supervisor
	clock  *system.Fixed
	repo   *memory.ProgressStore
	events *recordingEmitter
}

func newHarness(t *testing.T, opts ...supervisor.Option) harness {
	t.Helper()
	h := harness{
		clock:  system.NewFixed(t0),
		repo:   memory.NewProgressStore(),
		events: &recordingEmitter{},
	}
	opts = append([]supervisor.Option{supervisor.WithEmitter(h.events)}, opts...)
	sup, err := supervisor.New(h.repo, h.clock, &seqIDs{}, supervisor.Config{
		StaleThreshold: 5 * time.Minute,
		Logger:         zaptest.NewLogger(t),
	}, opts...)
	require.NoError(t, err)
	h.sup = sup
	return h
}

func key(src extraction.Source) extraction.Key {
	return extraction.Key{UserID: "user-1", Source: src}
}

func int64p(v int64) *int64 { return &v }

// running moves key to running with processed items and leaves the heartbeat
// at the current clock reading.
func (h harness) running(t *testing.T, k extraction.Key, total *int64, processed int64) extraction.Record {
	t.Helper()
	_, err := h.sup.StartExtraction(context.Background(), k, total)
	require.NoError(t, err)
	rec, err := h.sup.Heartbeat(context.Background(), k, extraction.Heartbeat{ProcessedItems: processed})
	require.NoError(t, err)
	require.Equal(t, extraction.StatusRunning, rec.Status)
	return rec
}

func TestNewValidatesDependencies(t *testing.T) {
	t.Parallel()

	repo := memory.NewProgressStore()
	clk := system.NewFixed(t0)

	_, err := supervisor.New(nil, clk, &seqIDs{}, supervisor.Config{})
	require.Error(t, err)
	_, err = supervisor.New(repo, nil, &seqIDs{}, supervisor.Config{})
	require.Error(t, err)
	_, err = supervisor.New(repo, clk, nil, supervisor.Config{})
	require.Error(t, err)

	sup, err := supervisor.New(repo, clk, &seqIDs{}, supervisor.Config{})
	require.NoError(t, err)
	require.Equal(t, staleness.DefaultThreshold, sup.StaleThreshold())
}

func TestGetOrCreateProgressConcurrent(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	const callers = 16
	ids := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec, err := h.sup.GetOrCreateProgress(context.Background(), key(extraction.SourceEmail))
			assert.NoError(t, err)
			ids[i] = rec.ID
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		require.Equal(t, ids[0], id)
	}
	all, err := h.repo.List(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, extraction.StatusIdle, all[0].Status)
	require.Zero(t, all[0].ProcessedItems)
}

func TestGetOrCreateProgressValidation(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	_, err := h.sup.GetOrCreateProgress(context.Background(), extraction.Key{UserID: " ", Source: extraction.SourceEmail})
	require.ErrorIs(t, err, extraction.ErrValidation)
	_, err = h.sup.GetOrCreateProgress(context.Background(), extraction.Key{UserID: "u", Source: "slack"})
	require.ErrorIs(t, err, extraction.ErrValidation)

	all, err := h.repo.List(context.Background(), nil)
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestIsExtractionActive(t *testing.T) {
	t.Parallel()

	for status, want := range map[extraction.Status]bool{
		extraction.StatusIdle:      false,
		extraction.StatusPending:   true,
		extraction.StatusRunning:   true,
		extraction.StatusPaused:    false,
		extraction.StatusCompleted: false,
		extraction.StatusError:     false,
	} {
		require.Equal(t, want, supervisor.IsExtractionActive(extraction.Record{Status: status}), status)
	}
}

func TestExtractionLifecycle(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	k := key(extraction.SourceDrive)

	rec, err := h.sup.StartExtraction(ctx, k, int64p(10))
	require.NoError(t, err)
	require.Equal(t, extraction.StatusPending, rec.Status)
	require.Equal(t, int64(10), rec.TotalItems)
	require.NotNil(t, rec.StartedAt)

	h.clock.Advance(30 * time.Second)
	rec, err = h.sup.Heartbeat(ctx, k, extraction.Heartbeat{ProcessedItems: 4, FailedItems: 1, EntitiesExtracted: 9, CurrentStep: "fetch"})
	require.NoError(t, err)
	require.Equal(t, extraction.StatusRunning, rec.Status)
	require.Equal(t, int64(4), rec.ProcessedItems)
	require.Equal(t, "fetch", rec.CurrentStep)
	require.True(t, rec.LastRunAt.Equal(h.clock.Now()))

	h.clock.Advance(30 * time.Second)
	rec, err = h.sup.CompleteExtraction(ctx, k, time.Time{})
	require.NoError(t, err)
	require.Equal(t, extraction.StatusCompleted, rec.Status)
	require.Equal(t, int64(4), rec.ProcessedItems)

	_, err = h.sup.Heartbeat(ctx, k, extraction.Heartbeat{ProcessedItems: 8})
	require.ErrorIs(t, err, extraction.ErrInvalidTransition)

	require.Equal(t, []progress.Stage{progress.StageStarted, progress.StageHeartbeat, progress.StageCompleted}, h.events.stages())
	require.Equal(t, time.Minute, h.events.last().RunTime)
}

func TestStartExtractionTransitions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("active record is rejected", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		k := key(extraction.SourceEmail)
		_, err := h.sup.StartExtraction(ctx, k, nil)
		require.NoError(t, err)
		_, err = h.sup.StartExtraction(ctx, k, nil)
		require.ErrorIs(t, err, extraction.ErrInvalidTransition)

		rec, err := h.sup.Heartbeat(ctx, k, extraction.Heartbeat{ProcessedItems: 3})
		require.NoError(t, err)
		require.Equal(t, extraction.StatusRunning, rec.Status)
		_, err = h.sup.StartExtraction(ctx, k, nil)
		require.ErrorIs(t, err, extraction.ErrInvalidTransition)
	})

	t.Run("stale running record restarts fresh", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		k := key(extraction.SourceEmail)
		h.running(t, k, int64p(50), 20)
		h.clock.Advance(10 * time.Minute)

		rec, err := h.sup.StartExtraction(ctx, k, nil)
		require.NoError(t, err)
		require.Equal(t, extraction.StatusPending, rec.Status)
		require.Zero(t, rec.ProcessedItems)
		require.Zero(t, rec.TotalItems)
	})

	t.Run("paused record resumes with counters", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		k := key(extraction.SourceEmail)
		started := h.running(t, k, int64p(50), 20)
		_, err := h.sup.PauseExtraction(ctx, k)
		require.NoError(t, err)

		h.clock.Advance(time.Hour)
		rec, err := h.sup.StartExtraction(ctx, k, nil)
		require.NoError(t, err)
		require.Equal(t, extraction.StatusPending, rec.Status)
		require.Equal(t, int64(20), rec.ProcessedItems)
		require.Equal(t, int64(50), rec.TotalItems)
		require.True(t, rec.StartedAt.Equal(*started.StartedAt))
		require.True(t, rec.LastRunAt.Equal(h.clock.Now()))
	})

	t.Run("failed record restarts and clears the error", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		k := key(extraction.SourceEmail)
		h.running(t, k, nil, 2)
		_, err := h.sup.FailExtraction(ctx, k, "token revoked", time.Time{})
		require.NoError(t, err)

		rec, err := h.sup.StartExtraction(ctx, k, int64p(7))
		require.NoError(t, err)
		require.Nil(t, rec.ErrorMessage)
		require.Zero(t, rec.ProcessedItems)
		require.Equal(t, int64(7), rec.TotalItems)
	})

	t.Run("negative total is rejected", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		_, err := h.sup.StartExtraction(ctx, key(extraction.SourceEmail), int64p(-1))
		require.ErrorIs(t, err, extraction.ErrValidation)
	})
}

func TestHeartbeatOrdering(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	k := key(extraction.SourceCalendar)
	h.running(t, k, int64p(10), 1)
	first := h.clock.Now()

	h.clock.Advance(time.Minute)
	rec, err := h.sup.Heartbeat(ctx, k, extraction.Heartbeat{ProcessedItems: 5})
	require.NoError(t, err)
	require.Equal(t, int64(5), rec.ProcessedItems)

	_, err = h.sup.Heartbeat(ctx, k, extraction.Heartbeat{ProcessedItems: 2, At: first})
	require.ErrorIs(t, err, extraction.ErrInvalidTransition)

	_, err = h.sup.Heartbeat(ctx, k, extraction.Heartbeat{ProcessedItems: 11})
	require.ErrorIs(t, err, extraction.ErrValidation)

	_, err = h.sup.Heartbeat(ctx, k, extraction.Heartbeat{ProcessedItems: -1})
	require.ErrorIs(t, err, extraction.ErrValidation)

	rec, err = h.sup.Heartbeat(ctx, k, extraction.Heartbeat{ProcessedItems: 6, At: h.clock.Now().Add(time.Hour)})
	require.NoError(t, err)
	require.True(t, rec.LastRunAt.Equal(h.clock.Now()), "future heartbeats are clamped to now")

	stored, err := h.repo.Get(ctx, k)
	require.NoError(t, err)
	require.Equal(t, int64(6), stored.ProcessedItems)
}

func TestHeartbeatAfterResetCannotReviveRun(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	k := key(extraction.SourceEmail)
	h.running(t, k, nil, 3)
	beforeReset := h.clock.Now()

	h.clock.Advance(time.Second)
	_, err := h.sup.ResetProgress(ctx, k, false)
	require.NoError(t, err)

	_, err = h.sup.Heartbeat(ctx, k, extraction.Heartbeat{ProcessedItems: 4, At: beforeReset})
	require.ErrorIs(t, err, extraction.ErrInvalidTransition)

	h.clock.Advance(time.Second)
	_, err = h.sup.Heartbeat(ctx, k, extraction.Heartbeat{ProcessedItems: 5})
	require.ErrorIs(t, err, extraction.ErrInvalidTransition, "a reset ends the run")

	rec, err := h.repo.Get(ctx, k)
	require.NoError(t, err)
	require.Equal(t, extraction.StatusIdle, rec.Status)
	require.Zero(t, rec.ProcessedItems)

	_, err = h.sup.StartExtraction(ctx, k, nil)
	require.NoError(t, err)
	rec, err = h.sup.Heartbeat(ctx, k, extraction.Heartbeat{ProcessedItems: 1})
	require.NoError(t, err)
	require.Equal(t, extraction.StatusRunning, rec.Status)
	require.Equal(t, int64(1), rec.ProcessedItems)
}

func TestResetOnSameInstantStillEndsRun(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	k := key(extraction.SourceDrive)
	h.running(t, k, nil, 2)

	rec, err := h.sup.ResetProgress(ctx, k, false)
	require.NoError(t, err)
	require.True(t, rec.UpdatedAt.After(rec.CreatedAt))

	_, err = h.sup.Heartbeat(ctx, k, extraction.Heartbeat{ProcessedItems: 3})
	require.ErrorIs(t, err, extraction.ErrInvalidTransition)
}

func TestHeartbeatFromFreshIdleRecord(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	rec, err := h.sup.Heartbeat(context.Background(), key(extraction.SourceEmail), extraction.Heartbeat{ProcessedItems: 2})
	require.NoError(t, err)
	require.Equal(t, extraction.StatusRunning, rec.Status)
}

func TestHeartbeatFromPausedIsRejected(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	k := key(extraction.SourceEmail)
	h.running(t, k, nil, 3)
	_, err := h.sup.PauseExtraction(ctx, k)
	require.NoError(t, err)

	_, err = h.sup.Heartbeat(ctx, k, extraction.Heartbeat{ProcessedItems: 4})
	require.ErrorIs(t, err, extraction.ErrInvalidTransition)
}

func TestPauseExtraction(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("running record pauses and keeps counters", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		k := key(extraction.SourceEmail)
		h.running(t, k, int64p(9), 4)
		h.clock.Advance(time.Second)

		rec, err := h.sup.PauseExtraction(ctx, k)
		require.NoError(t, err)
		require.Equal(t, extraction.StatusPaused, rec.Status)
		require.Equal(t, int64(4), rec.ProcessedItems)
		require.True(t, rec.UpdatedAt.Equal(h.clock.Now()))

		again, err := h.sup.PauseExtraction(ctx, k)
		require.NoError(t, err)
		require.Equal(t, rec, again)
		require.Equal(t, progress.StagePaused, h.events.last().Stage)
		require.Len(t, h.events.stages(), 3)
	})

	t.Run("completed record is rejected", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		k := key(extraction.SourceEmail)
		h.running(t, k, nil, 4)
		_, err := h.sup.CompleteExtraction(ctx, k, time.Time{})
		require.NoError(t, err)

		_, err = h.sup.PauseExtraction(ctx, k)
		require.ErrorIs(t, err, extraction.ErrInvalidTransition)
	})

	t.Run("idle record is rejected", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		k := key(extraction.SourceEmail)
		_, err := h.sup.GetOrCreateProgress(ctx, k)
		require.NoError(t, err)

		_, err = h.sup.PauseExtraction(ctx, k)
		require.ErrorIs(t, err, extraction.ErrInvalidTransition)
	})

	t.Run("missing record is rejected without creating one", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		_, err := h.sup.PauseExtraction(ctx, key(extraction.SourceEmail))
		require.ErrorIs(t, err, extraction.ErrInvalidTransition)

		all, err := h.repo.List(ctx, nil)
		require.NoError(t, err)
		require.Empty(t, all)
	})
}

func TestCompleteAndFail(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	k := key(extraction.SourceDrive)

	_, err := h.sup.CompleteExtraction(ctx, k, time.Time{})
	require.ErrorIs(t, err, extraction.ErrInvalidTransition)

	h.running(t, k, nil, 1)
	_, err = h.sup.FailExtraction(ctx, k, "  ", time.Time{})
	require.ErrorIs(t, err, extraction.ErrValidation)

	rec, err := h.sup.FailExtraction(ctx, k, "quota exceeded", time.Time{})
	require.NoError(t, err)
	require.Equal(t, extraction.StatusError, rec.Status)
	require.Equal(t, "quota exceeded", *rec.ErrorMessage)
	require.Equal(t, "quota exceeded", h.events.last().Note)

	_, err = h.sup.CompleteExtraction(ctx, k, time.Time{})
	require.ErrorIs(t, err, extraction.ErrInvalidTransition)
}

func TestResetProgress(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	k := key(extraction.SourceEmail)
	h.running(t, k, int64p(100), 40)
	_, err := h.sup.FailExtraction(ctx, k, "boom", time.Time{})
	require.NoError(t, err)
	h.clock.Advance(time.Minute)

	first, err := h.sup.ResetProgress(ctx, k, false)
	require.NoError(t, err)
	require.Equal(t, extraction.StatusIdle, first.Status)
	require.Zero(t, first.TotalItems)
	require.Zero(t, first.ProcessedItems)
	require.Zero(t, first.FailedItems)
	require.Zero(t, first.EntitiesExtracted)
	require.Nil(t, first.ErrorMessage)
	require.Nil(t, first.LastRunAt)
	require.Empty(t, first.CurrentStep)

	h.clock.Advance(time.Minute)
	second, err := h.sup.ResetProgress(ctx, k, false)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, progress.StageReset, h.events.last().Stage)
}

func TestResetProgressFromEveryStatus(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	setups := map[string]func(h harness, k extraction.Key){
		"missing": func(harness, extraction.Key) {},
		"pending": func(h harness, k extraction.Key) {
			_, err := h.sup.StartExtraction(ctx, k, nil)
			require.NoError(t, err)
		},
		"running": func(h harness, k extraction.Key) { h.running(t, k, nil, 5) },
		"paused": func(h harness, k extraction.Key) {
			h.running(t, k, nil, 5)
			_, err := h.sup.PauseExtraction(ctx, k)
			require.NoError(t, err)
		},
		"completed": func(h harness, k extraction.Key) {
			h.running(t, k, nil, 5)
			_, err := h.sup.CompleteExtraction(ctx, k, time.Time{})
			require.NoError(t, err)
		},
	}
	for name, setup := range setups {
		h := newHarness(t)
		k := key(extraction.SourceCalendar)
		setup(h, k)
		rec, err := h.sup.ResetProgress(ctx, k, false)
		require.NoError(t, err, name)
		require.Equal(t, extraction.StatusIdle, rec.Status, name)
		require.Zero(t, rec.ProcessedItems, name)
		require.Nil(t, rec.ErrorMessage, name)
	}
}

func TestResetProgressClearsDownstream(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("cleaner runs before the reset", func(t *testing.T) {
		t.Parallel()
		cleaner := &fakeCleaner{}
		h := newHarness(t, supervisor.WithCleaner(cleaner))
		k := key(extraction.SourceDrive)
		h.running(t, k, nil, 5)

		_, err := h.sup.ResetProgress(ctx, k, true)
		require.NoError(t, err)
		require.Equal(t, []extraction.Key{k}, cleaner.cleared)
		require.Equal(t, "downstream data cleared", h.events.last().Note)
	})

	t.Run("cleaner failure leaves the record untouched", func(t *testing.T) {
		t.Parallel()
		cleaner := &fakeCleaner{err: fmt.Errorf("delete: %w", extraction.ErrStorageUnavailable)}
		h := newHarness(t, supervisor.WithCleaner(cleaner))
		k := key(extraction.SourceDrive)
		h.running(t, k, nil, 5)

		_, err := h.sup.ResetProgress(ctx, k, true)
		require.ErrorIs(t, err, extraction.ErrStorageUnavailable)

		rec, err := h.repo.Get(ctx, k)
		require.NoError(t, err)
		require.Equal(t, extraction.StatusRunning, rec.Status)
		require.Equal(t, int64(5), rec.ProcessedItems)
	})

	t.Run("clearing without a cleaner is a validation error", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		_, err := h.sup.ResetProgress(ctx, key(extraction.SourceDrive), true)
		require.ErrorIs(t, err, extraction.ErrValidation)
	})
}

func TestResetStaleExtractions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	stale := extraction.Key{UserID: "user-1", Source: extraction.SourceCalendar}
	fresh := extraction.Key{UserID: "user-2", Source: extraction.SourceEmail}
	paused := extraction.Key{UserID: "user-3", Source: extraction.SourceDrive}

	h.running(t, stale, int64p(100), 42)
	h.running(t, paused, nil, 1)
	_, err := h.sup.PauseExtraction(ctx, paused)
	require.NoError(t, err)

	h.clock.Advance(8 * time.Minute)
	h.running(t, fresh, nil, 3)
	h.clock.Advance(2 * time.Minute)

	report, err := h.sup.ResetStaleExtractions(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, report.Scanned)
	require.Equal(t, 1, report.Transitioned)
	require.Len(t, report.ID, 26)
	require.True(t, report.StartedAt.Equal(h.clock.Now()))

	rec, err := h.repo.Get(ctx, stale)
	require.NoError(t, err)
	require.Equal(t, extraction.StatusError, rec.Status)
	require.Equal(t, staleness.Marker(5*time.Minute), *rec.ErrorMessage)
	require.Equal(t, int64(42), rec.ProcessedItems)
	require.Equal(t, progress.StageStaleRecovered, h.events.last().Stage)

	for _, k := range []extraction.Key{fresh, paused} {
		rec, err := h.repo.Get(ctx, k)
		require.NoError(t, err)
		require.NotEqual(t, extraction.StatusError, rec.Status)
	}

	again, err := h.sup.ResetStaleExtractions(ctx)
	require.NoError(t, err)
	require.Zero(t, again.Transitioned)
	require.NotEqual(t, report.ID, again.ID)
}

func TestResetStaleExtractionsBoundaryIsExclusive(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	k := key(extraction.SourceEmail)
	h.running(t, k, nil, 1)

	h.clock.Advance(5 * time.Minute)
	report, err := h.sup.ResetStaleExtractions(ctx)
	require.NoError(t, err)
	require.Zero(t, report.Transitioned)

	h.clock.Advance(time.Second)
	report, err = h.sup.ResetStaleExtractions(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Transitioned)
}

func TestGetAllProgress(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	h.running(t, key(extraction.SourceCalendar), nil, 0)
	h.running(t, key(extraction.SourceDrive), nil, 42)
	h.clock.Advance(10 * time.Minute)

	views, err := h.sup.GetAllProgress(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, views, 3)

	email, calendar, drive := views[0], views[1], views[2]
	require.Equal(t, extraction.SourceEmail, email.Source)
	require.False(t, email.Persisted)
	require.Equal(t, extraction.StatusIdle, email.DisplayStatus)

	require.Equal(t, extraction.SourceCalendar, calendar.Source)
	require.True(t, calendar.Stale)
	require.Equal(t, extraction.StatusRunning, calendar.Status)
	require.Equal(t, extraction.StatusError, calendar.EffectiveStatus)
	require.Equal(t, extraction.StatusIdle, calendar.DisplayStatus)

	require.Equal(t, extraction.StatusError, drive.EffectiveStatus)
	require.Equal(t, extraction.StatusError, drive.DisplayStatus)
	require.InDelta(t, 0.07, drive.ProcessingRate, 0.0001)

	all, err := h.repo.List(ctx, nil)
	require.NoError(t, err)
	require.Len(t, all, 2, "reads never create records")
	for _, rec := range all {
		require.Equal(t, extraction.StatusRunning, rec.Status, "reads never persist effective status")
	}

	_, err = h.sup.GetAllProgress(ctx, "")
	require.ErrorIs(t, err, extraction.ErrValidation)
}

func TestGetProgress(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	k := key(extraction.SourceEmail)

	_, err := h.sup.GetProgress(ctx, k)
	require.ErrorIs(t, err, extraction.ErrNotFound)

	h.running(t, k, int64p(8), 2)
	view, err := h.sup.GetProgress(ctx, k)
	require.NoError(t, err)
	require.True(t, view.Persisted)
	require.InDelta(t, 25.0, view.ProgressPercentage, 0.0001)
}

func TestSummarize(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	h.running(t, extraction.Key{UserID: "a", Source: extraction.SourceEmail}, nil, 10)
	h.clock.Advance(10 * time.Minute)
	h.running(t, extraction.Key{UserID: "b", Source: extraction.SourceEmail}, nil, 5)
	_, err := h.sup.GetOrCreateProgress(ctx, extraction.Key{UserID: "b", Source: extraction.SourceDrive})
	require.NoError(t, err)

	sum, err := h.sup.Summarize(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, sum.Records)
	require.Equal(t, 1, sum.Stale)
	require.Equal(t, int64(15), sum.ProcessedItems)
	require.Equal(t, 1, sum.BySource[extraction.SourceEmail][extraction.StatusError])
	require.Equal(t, 1, sum.BySource[extraction.SourceEmail][extraction.StatusRunning])
	require.Equal(t, 1, sum.BySource[extraction.SourceDrive][extraction.StatusIdle])
	require.Empty(t, sum.BySource[extraction.SourceCalendar])
}

type brokenRepo struct {
	store.ProgressRepository
	block bool
}

func (r brokenRepo) GetOrCreate(ctx context.Context, _ extraction.Record) (extraction.Record, error) {
	if r.block {
		<-ctx.Done()
		return extraction.Record{}, ctx.Err()
	}
	return extraction.Record{}, fmt.Errorf("insert progress: %w: %w", extraction.ErrStorageUnavailable, errors.New("connection refused"))
}

func (r brokenRepo) ListByUser(ctx context.Context, _ string) ([]extraction.Record, error) {
	_, err := r.GetOrCreate(ctx, extraction.Record{})
	return nil, err
}

func TestStorageFailuresSurfaceAsUnavailable(t *testing.T) {
	t.Parallel()

	for name, repo := range map[string]brokenRepo{
		"driver error": {},
		"timeout":      {block: true},
	} {
		sup, err := supervisor.New(repo, system.NewFixed(t0), &seqIDs{}, supervisor.Config{StoreTimeout: 20 * time.Millisecond})
		require.NoError(t, err)

		_, err = sup.GetOrCreateProgress(context.Background(), key(extraction.SourceEmail))
		require.ErrorIs(t, err, extraction.ErrStorageUnavailable, name)

		_, err = sup.StartExtraction(context.Background(), key(extraction.SourceEmail), nil)
		require.ErrorIs(t, err, extraction.ErrStorageUnavailable, name)

		_, err = sup.GetAllProgress(context.Background(), "user-1")
		require.ErrorIs(t, err, extraction.ErrStorageUnavailable, name)
	}
}
