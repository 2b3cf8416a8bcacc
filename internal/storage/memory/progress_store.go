package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/extraction-supervisor/internal/extraction"
	"github.com/JakeFAU/extraction-supervisor/internal/store"
)

// ProgressStore keeps records in a map guarded by a single mutex.
type ProgressStore struct {
	mu      sync.RWMutex
	records map[extraction.Key]extraction.Record
}

var _ store.ProgressRepository = (*ProgressStore)(nil)

// NewProgressStore constructs an empty ProgressStore.
func NewProgressStore() *ProgressStore {
	return &ProgressStore{records: make(map[extraction.Key]extraction.Record)}
}

// GetOrCreate stores seed unless its key is already present.
func (s *ProgressStore) GetOrCreate(ctx context.Context, seed extraction.Record) (extraction.Record, error) {
	if err := ctxErr(ctx, "get or create progress"); err != nil {
		return extraction.Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[seed.Key()]; ok {
		return rec.Clone(), nil
	}
	s.records[seed.Key()] = seed.Clone()
	return seed.Clone(), nil
}

// Get returns one record.
func (s *ProgressStore) Get(ctx context.Context, key extraction.Key) (extraction.Record, error) {
	if err := ctxErr(ctx, "get progress"); err != nil {
		return extraction.Record{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key]
	if !ok {
		return extraction.Record{}, fmt.Errorf("get progress %s: %w", key, extraction.ErrNotFound)
	}
	return rec.Clone(), nil
}

// ListByUser returns a user's records ordered by source.
func (s *ProgressStore) ListByUser(ctx context.Context, userID string) ([]extraction.Record, error) {
	if err := ctxErr(ctx, "list progress"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]extraction.Record, 0, len(extraction.Sources))
	for _, src := range extraction.Sources {
		if rec, ok := s.records[extraction.Key{UserID: userID, Source: src}]; ok {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

// List returns every record, optionally filtered by status, ordered by user then source.
func (s *ProgressStore) List(ctx context.Context, status *extraction.Status) ([]extraction.Record, error) {
	if err := ctxErr(ctx, "list progress"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]extraction.Record, 0, len(s.records))
	for _, rec := range s.records {
		if status != nil && rec.Status != *status {
			continue
		}
		out = append(out, rec.Clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].Source < out[j].Source
	})
	return out, nil
}

// Update applies fn under the write lock.
func (s *ProgressStore) Update(ctx context.Context, key extraction.Key, fn store.MutateFunc) (extraction.Record, error) {
	if err := ctxErr(ctx, "update progress"); err != nil {
		return extraction.Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.records[key]
	if !ok {
		return extraction.Record{}, fmt.Errorf("update progress %s: %w", key, extraction.ErrNotFound)
	}
	next, write, err := store.Apply(cur, fn)
	if err != nil {
		return next.Clone(), err
	}
	if write {
		s.records[key] = next.Clone()
	}
	return next.Clone(), nil
}

// Ping always succeeds.
func (s *ProgressStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *ProgressStore) Close() error { return nil }

func ctxErr(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w: %w", op, extraction.ErrStorageUnavailable, err)
	}
	return nil
}
