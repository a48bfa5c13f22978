package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/product-search-gateway/internal/progress"
)

// PrometheusSink exports worker invocation metrics via Prometheus. It owns
// the collectors for invocations started, completed, running and slot waits.
type PrometheusSink struct {
	invocationsStarted   prometheus.Counter
	invocationsCompleted *prometheus.CounterVec
	invocationsRunning   prometheus.Gauge
	invocationRuntime    *prometheus.HistogramVec
	slotWait             prometheus.Histogram

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		invocationsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "search_invocations_started_total",
			Help: "Total worker invocations that have started.",
		}),
		invocationsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "search_invocations_completed_total",
			Help: "Total worker invocations completed partitioned by result.",
		}, []string{"result"}),
		invocationsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "search_invocations_running",
			Help: "Current number of in-flight invocations.",
		}),
		invocationRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "search_invocation_runtime_seconds",
			Help:    "Wall time per completed invocation.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 180, 240, 300, 360},
		}, []string{"result"}),
		slotWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "search_slot_wait_seconds",
			Help:    "Time spent waiting for a worker slot.",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 10, 30},
		}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.invocationsStarted,
		s.invocationsCompleted,
		s.invocationsRunning,
		s.invocationRuntime,
		s.slotWait,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageInvokeStart:
		s.invocationsStarted.Inc()
		if s.tracker.start(evt.RequestID) {
			s.invocationsRunning.Inc()
		}
	case progress.StageSlotAcquired:
		s.slotWait.Observe(evt.Dur.Seconds())
	case progress.StageInvokeDone, progress.StageInvokeFailed:
		result := evt.Result
		if result == "" {
			result = "unknown"
		}
		s.invocationsCompleted.WithLabelValues(result).Inc()
		if evt.Dur > 0 {
			s.invocationRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
		}
		if s.tracker.complete(evt.RequestID) {
			s.invocationsRunning.Dec()
		}
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[string]struct{})}
}

func (t *runTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
