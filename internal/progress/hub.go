package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config controls buffering and batching for the Hub. Zero values fall back
// to the package defaults.
type Config struct {
	BufferSize     int
	MaxBatchEvents int
	MaxBatchWait   time.Duration
	SinkTimeout    time.Duration
	BaseContext    context.Context
	Logger         *zap.Logger
}

const (
	defaultBufferSize     = 1024
	defaultMaxBatchEvents = 100
	defaultMaxBatchWait   = 500 * time.Millisecond
	defaultSinkTimeout    = 5 * time.Second
	dropLogInterval       = 5 * time.Second
)

func (c *Config) defaults() {
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.MaxBatchEvents <= 0 {
		c.MaxBatchEvents = defaultMaxBatchEvents
	}
	if c.MaxBatchWait <= 0 {
		c.MaxBatchWait = defaultMaxBatchWait
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = defaultSinkTimeout
	}
	if c.BaseContext == nil {
		c.BaseContext = context.Background()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Hub fans events out to sinks in batches. Emit is safe for concurrent use
// and never blocks; a full buffer drops the event.
type Hub struct {
	cfg    Config
	sinks  []Sink
	events chan Event
	stopCh chan struct{}
	doneCh chan struct{}
	logger *zap.Logger

	dropped     atomic.Int64
	droppedLast atomic.Int64
	lastDropLog atomic.Int64
	closed      atomic.Bool

	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub starts the batching goroutine and returns a ready Hub.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	cfg.defaults()
	h := &Hub{
		cfg:    cfg,
		sinks:  append([]Sink(nil), sinks...),
		events: make(chan Event, cfg.BufferSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		logger: cfg.Logger.Named("progress"),
	}
	go h.run()
	return h
}

// Emit enqueues evt. Invalid events are discarded.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}
	select {
	case h.events <- evt:
	default:
		h.dropped.Add(1)
		h.droppedLast.Add(1)
		h.warnDropped(time.Now())
	}
}

// Dropped reports how many events were discarded because the buffer was full.
func (h *Hub) Dropped() int64 {
	if h == nil {
		return 0
	}
	return h.dropped.Load()
}

// Close stops intake, flushes buffered events, closes the sinks and waits for
// the goroutine to exit or ctx to expire. Repeated calls are safe.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) warnDropped(now time.Time) {
	last := h.lastDropLog.Load()
	if now.UnixNano()-last < dropLogInterval.Nanoseconds() {
		return
	}
	if !h.lastDropLog.CompareAndSwap(last, now.UnixNano()) {
		return
	}
	h.logger.Warn("progress events dropped due to backpressure", zap.Int64("dropped", h.droppedLast.Swap(0)))
}

func (h *Hub) run() {
	defer close(h.doneCh)

	timer := time.NewTimer(h.cfg.MaxBatchWait)
	timer.Stop()
	defer timer.Stop()
	b := &batcher{max: h.cfg.MaxBatchEvents, wait: h.cfg.MaxBatchWait, flush: h.flush, timer: timer}

	for {
		select {
		case evt := <-h.events:
			b.add(evt)
		case <-b.timer.C:
			b.armed = false
			b.drain()
		case <-h.stopCh:
			b.disarm()
			h.drainPending(b)
			b.drain()
			h.closeSinks()
			return
		}
	}
}

func (h *Hub) drainPending(b *batcher) {
	for {
		select {
		case evt := <-h.events:
			b.add(evt)
		default:
			return
		}
	}
}

func (h *Hub) flush(batch []Event) {
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, batch); err != nil {
			h.logger.Warn("progress sink consume failed", zap.Int("events", len(batch)), zap.Error(err))
		}
		cancel()
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.Error(err))
		}
	}
}

// batcher accumulates events and flushes on size or after wait.
type batcher struct {
	max   int
	wait  time.Duration
	flush func([]Event)
	buf   []Event
	timer *time.Timer
	armed bool
}

func (b *batcher) add(evt Event) {
	b.buf = append(b.buf, evt)
	if len(b.buf) >= b.max {
		b.disarm()
		b.drain()
		return
	}
	if !b.armed {
		b.timer.Reset(b.wait)
		b.armed = true
	}
}

func (b *batcher) drain() {
	if len(b.buf) == 0 {
		return
	}
	batch := b.buf
	b.buf = make([]Event, 0, b.max)
	b.flush(batch)
}

func (b *batcher) disarm() {
	if !b.armed {
		return
	}
	if !b.timer.Stop() {
		select {
		case <-b.timer.C:
		default:
		}
	}
	b.armed = false
}
