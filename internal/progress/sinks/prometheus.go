package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/extraction-supervisor/internal/extraction"
	"github.com/JakeFAU/extraction-supervisor/internal/progress"
)

// PrometheusSink exports extraction lifecycle metrics.
type PrometheusSink struct {
	transitions     *prometheus.CounterVec
	active          *prometheus.GaugeVec
	runTime         *prometheus.HistogramVec
	itemsProcessed  *prometheus.CounterVec
	entities        *prometheus.CounterVec
	staleRecoveries *prometheus.CounterVec

	tracker *activeTracker
}

// NewPrometheusSink registers the collectors against reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "extraction_transitions_total",
			Help: "Lifecycle transitions partitioned by source and stage.",
		}, []string{"source", "stage"}),
		active: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "extraction_active",
			Help: "Extractions currently pending or running, by source.",
		}, []string{"source"}),
		runTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "extraction_run_seconds",
			Help:    "Wall time of finished runs partitioned by result.",
			Buckets: []float64{10, 30, 60, 300, 900, 1800, 3600, 7200, 21600},
		}, []string{"source", "result"}),
		itemsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "extraction_items_processed_total",
			Help: "Items processed by finished runs.",
		}, []string{"source"}),
		entities: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "extraction_entities_extracted_total",
			Help: "Entities extracted by finished runs.",
		}, []string{"source"}),
		staleRecoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "extraction_stale_recoveries_total",
			Help: "Running extractions flipped to error by the stale sweep.",
		}, []string{"source"}),
		tracker: newActiveTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.transitions,
		s.active,
		s.runTime,
		s.itemsProcessed,
		s.entities,
		s.staleRecoveries,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	source := string(evt.Source)
	s.transitions.WithLabelValues(source, string(evt.Stage)).Inc()

	if evt.Status.Active() {
		if s.tracker.start(evt.Key()) {
			s.active.WithLabelValues(source).Inc()
		}
	} else if s.tracker.stop(evt.Key()) {
		s.active.WithLabelValues(source).Dec()
	}

	if !evt.Terminal() {
		return
	}
	result := "completed"
	switch evt.Stage {
	case progress.StageFailed:
		result = "error"
	case progress.StageStaleRecovered:
		result = "stale"
		s.staleRecoveries.WithLabelValues(source).Inc()
	}
	if evt.RunTime > 0 {
		s.runTime.WithLabelValues(source, result).Observe(evt.RunTime.Seconds())
	}
	if evt.ProcessedItems > 0 {
		s.itemsProcessed.WithLabelValues(source).Add(float64(evt.ProcessedItems))
	}
	if evt.EntitiesExtracted > 0 {
		s.entities.WithLabelValues(source).Add(float64(evt.EntitiesExtracted))
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type activeTracker struct {
	mu     sync.Mutex
	active map[extraction.Key]struct{}
}

func newActiveTracker() *activeTracker {
	return &activeTracker{active: make(map[extraction.Key]struct{})}
}

func (t *activeTracker) start(key extraction.Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.active[key]; ok {
		return false
	}
	t.active[key] = struct{}{}
	return true
}

func (t *activeTracker) stop(key extraction.Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.active[key]; !ok {
		return false
	}
	delete(t.active, key)
	return true
}
