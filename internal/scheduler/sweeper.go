// Package scheduler runs the stale extraction sweep on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/extraction-supervisor/internal/supervisor"
)

// DefaultSchedule runs the sweep every two minutes.
const DefaultSchedule = "@every 2m"

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule validates a cron spec. Five or six fields and descriptors such
// as "@every 2m" are accepted.
func ParseSchedule(spec string) (cron.Schedule, error) {
	sched, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parse sweep schedule %q: %w", spec, err)
	}
	return sched, nil
}

// Target is swept on every tick.
type Target interface {
	ResetStaleExtractions(ctx context.Context) (supervisor.SweepReport, error)
}

// Config configures a Sweeper.
type Config struct {
	Schedule string
	// Timeout bounds one sweep. Zero means one minute.
	Timeout time.Duration
	Logger  *zap.Logger
}

// Sweeper triggers Target on a schedule. Overlapping ticks are skipped.
type Sweeper struct {
	target  Target
	cron    *cron.Cron
	timeout time.Duration
	logger  *zap.Logger
}

// New validates the schedule and registers the sweep job.
func New(target Target, cfg Config) (*Sweeper, error) {
	if target == nil {
		return nil, errors.New("sweep target is required")
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("sweeper")

	sched, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return nil, err
	}
	cl := cronLogger{logger: logger}
	s := &Sweeper{
		target:  target,
		timeout: cfg.Timeout,
		logger:  logger,
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}
	s.cron.Schedule(sched, cron.FuncJob(func() {
		_, _ = s.RunOnce(context.Background())
	}))
	logger.Info("sweep scheduled", zap.String("schedule", cfg.Schedule))
	return s, nil
}

// RunOnce performs one sweep under the configured timeout.
func (s *Sweeper) RunOnce(ctx context.Context) (supervisor.SweepReport, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	report, err := s.target.ResetStaleExtractions(ctx)
	if err != nil {
		s.logger.Warn("scheduled sweep failed", zap.String("sweep_id", report.ID), zap.Error(err))
		return report, err
	}
	if report.Transitioned > 0 {
		s.logger.Info("stale extractions recovered",
			zap.String("sweep_id", report.ID),
			zap.Int("transitioned", report.Transitioned),
		)
	}
	return report, nil
}

// Run starts the schedule and blocks until ctx is done, then waits for a
// sweep in flight to finish.
func (s *Sweeper) Run(ctx context.Context) error {
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info("sweeper stopped")
	return nil
}

// Next reports when the next sweep fires, or the zero time before Run.
func (s *Sweeper) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
