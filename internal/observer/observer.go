// Package observer samples a run's progress on a fixed schedule and reports
// changes, completion and failure through caller-supplied callbacks.
package observer

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/runprogress/internal/runstate"
)

// DefaultInterval is the sampling period used when none is configured.
const DefaultInterval = 500 * time.Millisecond

// Status is the observer's own lifecycle position.
type Status string

// Observer statuses. Done and Stopped are terminal.
const (
	StatusIdle      Status = "idle"
	StatusObserving Status = "observing"
	StatusDone      Status = "done"
	StatusStopped   Status = "stopped"
)

// Callbacks receive run updates. Any of them may be nil. Calls never overlap
// and at most one of OnComplete and OnFailed fires per run. They usually run
// on the observer's goroutine, but the first report runs inside Start and a
// failure may be delivered from whoever calls Fail or Flush.
type Callbacks struct {
	OnProgress func(current, target int64)
	OnComplete func()
	OnFailed   func(reason string)
}

// Config tunes an Observer.
type Config struct {
	// Interval between samples (default 500ms).
	Interval time.Duration
	// Wake, when set, triggers an immediate sample in addition to the ticker.
	Wake <-chan struct{}
}

// Observer polls one run. It is single-use: create a new one per run.
type Observer struct {
	state     *runstate.State
	ticket    runstate.Ticket
	interval  time.Duration
	wake      <-chan struct{}
	callbacks Callbacks
	logger    *zap.Logger

	tickMu   sync.Mutex
	reported int64
	settled  bool
	status   atomic.Value

	lifeMu   sync.Mutex
	started  bool
	stopOnce sync.Once
	stopped  atomic.Bool
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New builds an idle observer for the run identified by ticket.
func New(state *runstate.State, ticket runstate.Ticket, cfg Config, callbacks Callbacks, logger *zap.Logger) (*Observer, error) {
	if state == nil {
		return nil, errors.New("observer requires a run state")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Observer{
		state:     state,
		ticket:    ticket,
		interval:  cfg.Interval,
		wake:      cfg.Wake,
		callbacks: callbacks,
		logger:    logger.With(zap.String("run_id", ticket.RunID)),
		reported:  -1,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	o.status.Store(StatusIdle)
	return o, nil
}

// Start takes the first sample synchronously and then keeps sampling on its
// own goroutine until the run settles or Stop is called. Later calls are no-ops.
func (o *Observer) Start() {
	o.lifeMu.Lock()
	if o.started {
		o.lifeMu.Unlock()
		return
	}
	o.started = true
	o.lifeMu.Unlock()

	o.status.CompareAndSwap(StatusIdle, StatusObserving)
	o.Tick()
	go o.loop()
}

// Stop halts sampling and suppresses any further callbacks. It does not wait
// for the sampling goroutine, so it is safe to call from a callback.
func (o *Observer) Stop() {
	o.stop(StatusStopped)
}

// Done is closed once the sampling goroutine has exited.
func (o *Observer) Done() <-chan struct{} {
	return o.doneCh
}

// Status reports the observer's lifecycle position.
func (o *Observer) Status() Status {
	status, _ := o.status.Load().(Status)
	return status
}

// Tick samples the run once. It never blocks on the worker.
func (o *Observer) Tick() {
	o.tickMu.Lock()
	defer o.tickMu.Unlock()
	o.tickLocked()
}

// Flush takes a sample unless one is already in progress, so a failure the
// run has recorded is reported before the state moves on to another run. It
// never waits and is safe to call from a callback.
func (o *Observer) Flush() {
	if !o.tickMu.TryLock() {
		return
	}
	defer o.tickMu.Unlock()
	o.tickLocked()
}

// Fail reports a failure recorded for this run through OnFailed, even when
// sampling has already stopped because the run was superseded. OnFailed fires
// at most once however many of Fail, Tick and Flush observe the failure.
func (o *Observer) Fail(reason string) {
	o.tickMu.Lock()
	defer o.tickMu.Unlock()
	o.failLocked(reason)
}

func (o *Observer) failLocked(reason string) {
	if o.settled {
		return
	}
	o.settled = true
	o.logger.Debug("run failed", zap.String("reason", reason))
	o.stop(StatusStopped)
	if o.callbacks.OnFailed != nil {
		o.callbacks.OnFailed(reason)
	}
}

func (o *Observer) tickLocked() {
	if o.stopped.Load() {
		return
	}

	snap, same := o.state.SnapshotFor(o.ticket)
	if !same {
		o.logger.Debug("run superseded; observer stopping")
		o.stop(StatusStopped)
		return
	}

	switch snap.Phase {
	case runstate.PhaseFailed:
		o.failLocked(snap.Reason)
		return
	case runstate.PhaseCanceled:
		o.stop(StatusStopped)
		return
	case runstate.PhaseDone:
		o.stop(StatusDone)
		return
	}

	if snap.Current >= snap.Target {
		if !o.state.Complete(o.ticket) {
			// Settled concurrently; the next tick sees the terminal phase.
			return
		}
		o.report(snap.Current, snap.Target)
		o.settled = true
		o.stop(StatusDone)
		o.logger.Debug("run complete", zap.Int64("current", snap.Current))
		if o.callbacks.OnComplete != nil {
			o.callbacks.OnComplete()
		}
		return
	}
	o.report(snap.Current, snap.Target)
}

func (o *Observer) report(current, target int64) {
	if current == o.reported || o.stopped.Load() {
		return
	}
	o.reported = current
	if o.callbacks.OnProgress != nil {
		o.callbacks.OnProgress(current, target)
	}
}

func (o *Observer) loop() {
	defer close(o.doneCh)
	if o.stopped.Load() {
		return
	}
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	for {
		select {
		case <-o.stopCh:
			return
		case <-ticker.C:
			o.Tick()
		case <-o.wake:
			o.Tick()
		}
	}
}

func (o *Observer) stop(final Status) {
	o.stopOnce.Do(func() {
		o.stopped.Store(true)
		o.setStatus(final)
		close(o.stopCh)

		o.lifeMu.Lock()
		defer o.lifeMu.Unlock()
		if !o.started {
			// No loop will ever run to close doneCh.
			o.started = true
			close(o.doneCh)
		}
	})
}

func (o *Observer) setStatus(s Status) {
	o.status.Store(s)
}
