// Package metrics exposes Prometheus collectors for the HTTP surface and the
// stale sweep.
package metrics

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors groups the service-level metrics.
type Collectors struct {
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	sweepsTotal                *prometheus.CounterVec
	sweepTransitionedTotal     prometheus.Counter
	sweepDurationSeconds       prometheus.Histogram
	dropped                    prometheus.Collector
}

// New registers the collectors against reg. droppedEvents, when non-nil,
// reports how many progress events were dropped by a full buffer.
func New(reg prometheus.Registerer, droppedEvents func() int64) (*Collectors, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collectors{
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		),
		httpRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		),
		sweepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stale_sweeps_total",
				Help: "Stale sweeps run, labeled by result.",
			},
			[]string{"result"},
		),
		sweepTransitionedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "stale_sweep_transitioned_total",
				Help: "Records flipped to error by stale sweeps.",
			},
		),
		sweepDurationSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "stale_sweep_duration_seconds",
				Help:    "Wall time of stale sweeps.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
		),
	}
	toRegister := []prometheus.Collector{
		c.httpRequestsTotal,
		c.httpRequestDurationSeconds,
		c.sweepsTotal,
		c.sweepTransitionedTotal,
		c.sweepDurationSeconds,
	}
	if droppedEvents != nil {
		c.dropped = prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "progress_events_dropped_total",
			Help: "Progress events dropped because the hub buffer was full.",
		}, func() float64 { return float64(droppedEvents()) })
		toRegister = append(toRegister, c.dropped)
	}
	for _, collector := range toRegister {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register metrics collector: %w", err)
		}
	}
	return c, nil
}

// NewRegistry returns a registry preloaded with the Go and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler returns an http.Handler exposing g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// ObserveHTTPRequest records one served request.
func (c *Collectors) ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	c.httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveSweep records the outcome of one stale sweep.
func (c *Collectors) ObserveSweep(transitioned int, duration time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.sweepsTotal.WithLabelValues(result).Inc()
	c.sweepTransitionedTotal.Add(float64(transitioned))
	c.sweepDurationSeconds.Observe(duration.Seconds())
}
