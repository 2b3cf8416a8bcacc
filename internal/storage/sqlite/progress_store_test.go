package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/extraction-supervisor/internal/extraction"
	"github.com/JakeFAU/extraction-supervisor/internal/store"
)

var now = time.Date(2025, 5, 6, 7, 8, 9, 123456789, time.UTC)

func newTestStore(t *testing.T) *ProgressStore {
	t.Helper()
	s, err := NewProgressStore(Config{Path: filepath.Join(t.TempDir(), "data", "progress.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestGetOrCreateRoundTrip(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	key := extraction.Key{UserID: "u1", Source: extraction.SourceDrive}

	rec, err := s.GetOrCreate(ctx, extraction.NewRecord("id-1", key, now))
	require.NoError(t, err)
	require.Equal(t, "id-1", rec.ID)
	require.Equal(t, extraction.StatusIdle, rec.Status)
	require.True(t, now.Equal(rec.CreatedAt))
	require.Nil(t, rec.LastRunAt)
	require.Nil(t, rec.ErrorMessage)

	again, err := s.GetOrCreate(ctx, extraction.NewRecord("id-2", key, now.Add(time.Hour)))
	require.NoError(t, err)
	require.Equal(t, "id-1", again.ID)
}

func TestGetOrCreateConcurrent(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	key := extraction.Key{UserID: "u1", Source: extraction.SourceEmail}

	const callers = 8
	ids := make([]string, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := s.GetOrCreate(ctx, extraction.NewRecord(fmt.Sprintf("id-%d", i), key, now))
			assert.NoError(t, err)
			ids[i] = rec.ID
		}()
	}
	wg.Wait()
	for _, id := range ids {
		require.Equal(t, ids[0], id)
	}
	all, err := s.List(ctx, nil)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestUpdateAndList(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	key := extraction.Key{UserID: "u1", Source: extraction.SourceCalendar}

	_, err := s.Update(ctx, key, func(*extraction.Record) error { return nil })
	require.ErrorIs(t, err, extraction.ErrNotFound)

	_, err = s.GetOrCreate(ctx, extraction.NewRecord("id-1", key, now))
	require.NoError(t, err)
	_, err = s.GetOrCreate(ctx, extraction.NewRecord("id-2", extraction.Key{UserID: "u2", Source: extraction.SourceEmail}, now))
	require.NoError(t, err)

	last := now.Add(time.Minute)
	msg := "quota"
	updated, err := s.Update(ctx, key, func(rec *extraction.Record) error {
		rec.Status = extraction.StatusRunning
		rec.TotalItems = 10
		rec.ProcessedItems = 3
		rec.EntitiesExtracted = 12
		rec.CurrentStep = "fetching"
		rec.LastRunAt = &last
		rec.UpdatedAt = last
		rec.ErrorMessage = &msg
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, extraction.StatusRunning, updated.Status)

	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, int64(3), got.ProcessedItems)
	require.Equal(t, "fetching", got.CurrentStep)
	require.True(t, last.Equal(*got.LastRunAt))
	require.Equal(t, "quota", *got.ErrorMessage)

	running := extraction.StatusRunning
	list, err := s.List(ctx, &running)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "u1", list[0].UserID)

	mine, err := s.ListByUser(ctx, "u2")
	require.NoError(t, err)
	require.Len(t, mine, 1)

	unchanged, err := s.Update(ctx, key, func(rec *extraction.Record) error {
		rec.ProcessedItems = 9
		return store.ErrNoChange
	})
	require.ErrorIs(t, err, store.ErrNoChange)
	require.Equal(t, int64(3), unchanged.ProcessedItems)

	got, err = s.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, int64(3), got.ProcessedItems)
}

func TestGetMissing(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	_, err := s.Get(context.Background(), extraction.Key{UserID: "nobody", Source: extraction.SourceEmail})
	require.ErrorIs(t, err, extraction.ErrNotFound)
	require.NoError(t, s.Ping(context.Background()))
}

func TestClosedStoreIsUnavailable(t *testing.T) {
	t.Parallel()

	s, err := NewProgressStore(Config{Path: filepath.Join(t.TempDir(), "p.db")})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.Get(context.Background(), extraction.Key{UserID: "u", Source: extraction.SourceEmail})
	require.ErrorIs(t, err, extraction.ErrStorageUnavailable)
}

func TestNewProgressStoreRequiresPath(t *testing.T) {
	t.Parallel()
	_, err := NewProgressStore(Config{})
	require.Error(t, err)
}
