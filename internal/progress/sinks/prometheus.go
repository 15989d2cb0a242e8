package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/runprogress/internal/progress"
)

// PrometheusSink exports run metrics via Prometheus. It owns all collectors
// for runs started/completed/running, unit latency and the live progress ratio.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runsRunning   prometheus.Gauge
	runRuntime    *prometheus.HistogramVec

	unitsCompleted prometheus.Counter
	unitDuration   prometheus.Histogram
	progressRatio  prometheus.Gauge

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "runprogress_runs_started_total",
			Help: "Total runs that have started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runprogress_runs_completed_total",
			Help: "Total runs settled partitioned by result.",
		}, []string{"result"}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "runprogress_runs_running",
			Help: "Runs currently in flight (0 or 1).",
		}),
		runRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "runprogress_run_runtime_seconds",
			Help:    "Wall time per settled run.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
		}, []string{"result"}),
		unitsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "runprogress_units_completed_total",
			Help: "Work units that completed and advanced progress.",
		}),
		unitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "runprogress_unit_duration_seconds",
			Help:    "Duration of individual work units.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
		}),
		progressRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "runprogress_progress_ratio",
			Help: "Progress of the most recent run as current/target.",
		}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsRunning,
		s.runRuntime,
		s.unitsCompleted,
		s.unitDuration,
		s.progressRatio,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register run collector: %w", err)
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
	case progress.StageRunStart:
		s.runsStarted.Inc()
		s.progressRatio.Set(0)
		if s.tracker.start(evt.RunID) {
			s.runsRunning.Inc()
		}
	case progress.StageRunAdvance:
		s.unitsCompleted.Inc()
		if evt.Dur > 0 {
			s.unitDuration.Observe(evt.Dur.Seconds())
		}
		s.setRatio(evt)
	case progress.StageRunDone, progress.StageRunFailed, progress.StageRunCanceled:
		label := string(statusFor(evt.Stage))
		s.runsCompleted.WithLabelValues(label).Inc()
		if evt.Dur > 0 {
			s.runRuntime.WithLabelValues(label).Observe(evt.Dur.Seconds())
		}
		s.setRatio(evt)
		if s.tracker.complete(evt.RunID) {
			s.runsRunning.Dec()
		}
	}
}

func (s *PrometheusSink) setRatio(evt progress.Event) {
	if evt.Target > 0 {
		s.progressRatio.Set(float64(evt.Current) / float64(evt.Target))
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[[16]byte]struct{})}
}

func (t *runTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
