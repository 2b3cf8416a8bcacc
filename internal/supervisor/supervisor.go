package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/extraction-supervisor/internal/extraction"
	"github.com/JakeFAU/extraction-supervisor/internal/policy/staleness"
	"github.com/JakeFAU/extraction-supervisor/internal/progress"
	"github.com/JakeFAU/extraction-supervisor/internal/store"
)

const defaultStoreTimeout = 3 * time.Second

// Config tunes the supervisor.
type Config struct {
	// StaleThreshold is how long a running record may go without a heartbeat.
	StaleThreshold time.Duration
	// StoreTimeout bounds every repository call.
	StoreTimeout time.Duration
	Logger       *zap.Logger
}

// IDGenerator mints identifiers for new records.
type IDGenerator interface {
	NewID() (string, error)
}

// Cleaner deletes the downstream artifacts of one record.
type Cleaner interface {
	Clear(ctx context.Context, key extraction.Key) error
}

// Option customises a Supervisor.
type Option func(*Supervisor)

// WithCleaner enables reset with downstream clearing.
func WithCleaner(c Cleaner) Option {
	return func(s *Supervisor) { s.cleaner = c }
}

// WithEmitter routes transition events to e.
func WithEmitter(e progress.Emitter) Option {
	return func(s *Supervisor) {
		if e != nil {
			s.events = e
		}
	}
}

// Supervisor is safe for concurrent use; it holds no per-record state and
// relies on the repository for atomicity.
type Supervisor struct {
	repo      store.ProgressRepository
	clock     extraction.Clock
	ids       IDGenerator
	cleaner   Cleaner
	events    progress.Emitter
	threshold time.Duration
	timeout   time.Duration
	logger    *zap.Logger
}

// New wires a Supervisor.
func New(repo store.ProgressRepository, clock extraction.Clock, ids IDGenerator, cfg Config, opts ...Option) (*Supervisor, error) {
	if repo == nil {
		return nil, fmt.Errorf("progress repository is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if ids == nil {
		return nil, fmt.Errorf("id generator is required")
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = staleness.DefaultThreshold
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = defaultStoreTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Supervisor{
		repo:      repo,
		clock:     clock,
		ids:       ids,
		events:    progress.Discard,
		threshold: cfg.StaleThreshold,
		timeout:   cfg.StoreTimeout,
		logger:    logger.Named("supervisor"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// StaleThreshold returns the configured threshold.
func (s *Supervisor) StaleThreshold() time.Duration {
	return s.threshold
}

// IsExtractionActive reports whether rec is pending or running.
func IsExtractionActive(rec extraction.Record) bool {
	return rec.Status.Active()
}

// IsExtractionActive reports whether rec is pending or running.
func (s *Supervisor) IsExtractionActive(rec extraction.Record) bool {
	return IsExtractionActive(rec)
}

// GetOrCreateProgress returns the record for key, creating an idle one on
// first access.
func (s *Supervisor) GetOrCreateProgress(ctx context.Context, key extraction.Key) (extraction.Record, error) {
	if err := key.Validate(); err != nil {
		return extraction.Record{}, err
	}
	id, err := s.ids.NewID()
	if err != nil {
		return extraction.Record{}, fmt.Errorf("new progress id: %w", err)
	}
	seed := extraction.NewRecord(id, key, s.clock.Now())

	ctx, cancel := s.storeContext(ctx)
	defer cancel()
	rec, err := s.repo.GetOrCreate(ctx, seed)
	if err != nil {
		return extraction.Record{}, s.storeErr(ctx, err)
	}
	return rec, nil
}

// GetProgress returns the annotated record for key without creating it.
func (s *Supervisor) GetProgress(ctx context.Context, key extraction.Key) (View, error) {
	if err := key.Validate(); err != nil {
		return View{}, err
	}
	ctx, cancel := s.storeContext(ctx)
	defer cancel()
	rec, err := s.repo.Get(ctx, key)
	if err != nil {
		return View{}, s.storeErr(ctx, err)
	}
	return s.annotate(rec, s.clock.Now(), true), nil
}

// GetAllProgress returns one annotated view per source for userID, in source
// order. Sources never accessed are reported as unsaved idle records; this
// read never writes.
func (s *Supervisor) GetAllProgress(ctx context.Context, userID string) ([]View, error) {
	check := extraction.Key{UserID: userID, Source: extraction.SourceEmail}
	if err := check.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := s.storeContext(ctx)
	defer cancel()
	recs, err := s.repo.ListByUser(ctx, userID)
	if err != nil {
		return nil, s.storeErr(ctx, err)
	}

	stored := make(map[extraction.Source]extraction.Record, len(recs))
	for _, rec := range recs {
		stored[rec.Source] = rec
	}
	now := s.clock.Now()
	out := make([]View, 0, len(extraction.Sources))
	for _, src := range extraction.Sources {
		if rec, ok := stored[src]; ok {
			out = append(out, s.annotate(rec, now, true))
			continue
		}
		placeholder := extraction.NewRecord("", extraction.Key{UserID: userID, Source: src}, now)
		out = append(out, s.annotate(placeholder, now, false))
	}
	return out, nil
}

// update runs fn atomically against key under the store timeout.
func (s *Supervisor) update(ctx context.Context, key extraction.Key, fn store.MutateFunc) (extraction.Record, error) {
	ctx, cancel := s.storeContext(ctx)
	defer cancel()
	rec, err := s.repo.Update(ctx, key, fn)
	if err != nil {
		return rec, s.storeErr(ctx, err)
	}
	return rec, nil
}

func (s *Supervisor) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// storeErr makes sure a deadline hit on the bounded store context surfaces as
// ErrStorageUnavailable.
func (s *Supervisor) storeErr(ctx context.Context, err error) error {
	if err == nil || errors.Is(err, extraction.ErrStorageUnavailable) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", extraction.ErrStorageUnavailable, err)
	}
	return err
}

func (s *Supervisor) emit(stage progress.Stage, rec extraction.Record, now time.Time, note string) {
	evt := progress.FromRecord(stage, rec, now)
	evt.Note = note
	if rec.Status.Terminal() && rec.StartedAt != nil && rec.LastRunAt != nil {
		if d := rec.LastRunAt.Sub(*rec.StartedAt); d > 0 {
			evt.RunTime = d
		}
	}
	s.events.Emit(evt)
}

func (s *Supervisor) rejected(op string, key extraction.Key, err error) {
	if errors.Is(err, extraction.ErrInvalidTransition) || errors.Is(err, extraction.ErrValidation) {
		s.logger.Debug("transition rejected",
			zap.String("op", op),
			zap.String("user_id", key.UserID),
			zap.String("source", string(key.Source)),
			zap.Error(err),
		)
		return
	}
	s.logger.Error("transition failed",
		zap.String("op", op),
		zap.String("user_id", key.UserID),
		zap.String("source", string(key.Source)),
		zap.Error(err),
	)
}

func (s *Supervisor) applied(op string, rec extraction.Record) {
	s.logger.Info("transition applied",
		zap.String("op", op),
		zap.String("user_id", rec.UserID),
		zap.String("source", string(rec.Source)),
		zap.String("status", string(rec.Status)),
		zap.Int64("processed_items", rec.ProcessedItems),
	)
}

func invalidTransition(key extraction.Key, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", extraction.ErrInvalidTransition, key, fmt.Sprintf(format, args...))
}
