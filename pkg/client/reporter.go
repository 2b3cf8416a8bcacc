package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ReporterConfig configures a Reporter.
type ReporterConfig struct {
	UserID string
	Source string
	// Interval between heartbeats; keep it well under the stale threshold.
	Interval time.Duration
	// Snapshot returns the worker's current counters. It is called from the
	// reporter goroutine and must be safe for concurrent use.
	Snapshot func() Heartbeat
	Logger   *zap.Logger
}

// Reporter sends heartbeats on a fixed cadence for one extraction.
type Reporter struct {
	client   *Client
	userID   string
	source   string
	interval time.Duration
	snapshot func() Heartbeat
	now      func() time.Time
	logger   *zap.Logger
}

// NewReporter validates cfg.
func NewReporter(c *Client, cfg ReporterConfig) (*Reporter, error) {
	if c == nil {
		return nil, errors.New("client is required")
	}
	if cfg.UserID == "" || cfg.Source == "" {
		return nil, errors.New("user id and source are required")
	}
	if cfg.Snapshot == nil {
		return nil, errors.New("snapshot func is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reporter{
		client:   c,
		userID:   cfg.UserID,
		source:   cfg.Source,
		interval: cfg.Interval,
		snapshot: cfg.Snapshot,
		now:      time.Now,
		logger: logger.Named("reporter").With(
			zap.String("user_id", cfg.UserID),
			zap.String("source", cfg.Source),
		),
	}, nil
}

// Run heartbeats until ctx is done. Transient failures are logged and
// retried on the next tick. A rejected heartbeat means the run was paused,
// reset, finished or recovered as stale; Run returns that error so the worker
// can stop.
func (r *Reporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.beat(ctx); err != nil {
				if errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrValidation) {
					return err
				}
				if ctx.Err() != nil {
					return nil
				}
				r.logger.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}

func (r *Reporter) beat(ctx context.Context) error {
	hb := r.snapshot()
	if hb.At == nil {
		at := r.now().UTC()
		hb.At = &at
	}
	if _, err := r.client.Heartbeat(ctx, r.userID, r.source, hb); err != nil {
		return err
	}
	r.logger.Debug("heartbeat sent",
		zap.Int64("processed_items", hb.ProcessedItems),
		zap.String("current_step", hb.CurrentStep),
	)
	return nil
}

// Finish reports the final counters and completes the run.
func (r *Reporter) Finish(ctx context.Context) (Progress, error) {
	if err := r.beat(ctx); err != nil {
		return Progress{}, fmt.Errorf("final heartbeat: %w", err)
	}
	return r.client.Complete(ctx, r.userID, r.source, time.Time{})
}

// Fail reports the final counters when possible and fails the run with cause.
func (r *Reporter) Fail(ctx context.Context, cause error) (Progress, error) {
	if cause == nil {
		return Progress{}, errors.New("cause is required")
	}
	if err := r.beat(ctx); err != nil {
		r.logger.Warn("final heartbeat failed", zap.Error(err))
	}
	return r.client.Fail(ctx, r.userID, r.source, cause.Error(), time.Time{})
}
