// Package coordinator exposes the start, progress and cancel surface for a
// single background run, wiring one worker to one observer per run.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/runprogress/internal/clock/system"
	runid "github.com/JakeFAU/runprogress/internal/id/uuid"
	"github.com/JakeFAU/runprogress/internal/observer"
	"github.com/JakeFAU/runprogress/internal/progress"
	"github.com/JakeFAU/runprogress/internal/runstate"
	"github.com/JakeFAU/runprogress/internal/worker"
)

// Callbacks receive observer updates for every run.
type Callbacks = observer.Callbacks

// IDGenerator produces run identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// Config controls run scheduling.
type Config struct {
	Mode Mode
	// Steps is the number of increments per run (default 10).
	Steps int
	// SampleInterval is the observer period (default 500ms).
	SampleInterval time.Duration
}

// Options carries optional collaborators. Nil fields fall back to no-op or
// wall-clock defaults.
type Options struct {
	Emitter progress.Emitter
	IDs     IDGenerator
	Clock   runstate.Clock
	Logger  *zap.Logger
	// BaseContext parents asynchronous runs so they outlive the caller's ctx.
	BaseContext context.Context
}

// Coordinator allows at most one run at a time over a shared State.
type Coordinator struct {
	state     *runstate.State
	worker    *worker.Worker
	cfg       Config
	callbacks Callbacks
	emitter   progress.Emitter
	ids       IDGenerator
	clock     runstate.Clock
	logger    *zap.Logger
	baseCtx   context.Context

	mu     sync.Mutex
	active *activeRun
}

type activeRun struct {
	ticket    runstate.Ticket
	eventID   [16]byte
	startedAt time.Time
	cancel    context.CancelFunc
	observer  *observer.Observer
	last      atomic.Int64
	canceled  atomic.Bool
	done      chan struct{}
}

// New wires a coordinator around state, performing unit for every step.
func New(state *runstate.State, unit worker.Unit, cfg Config, callbacks Callbacks, opts Options) (*Coordinator, error) {
	if state == nil {
		return nil, errors.New("coordinator requires a run state")
	}
	cfg.Mode = cfg.Mode.withDefaults()
	if _, err := ParseMode(string(cfg.Mode.Source), string(cfg.Mode.Execution)); err != nil {
		return nil, err
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = observer.DefaultInterval
	}
	if opts.Emitter == nil {
		opts.Emitter = progress.NopEmitter{}
	}
	if opts.IDs == nil {
		opts.IDs = runid.New()
	}
	if opts.Clock == nil {
		opts.Clock = system.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.BaseContext == nil {
		opts.BaseContext = context.Background()
	}
	w, err := worker.New(state, unit, opts.Emitter, opts.Clock, worker.Config{Steps: cfg.Steps}, opts.Logger.Named("worker"))
	if err != nil {
		return nil, fmt.Errorf("build worker: %w", err)
	}
	return &Coordinator{
		state:     state,
		worker:    w,
		cfg:       cfg,
		callbacks: callbacks,
		emitter:   opts.Emitter,
		ids:       opts.IDs,
		clock:     opts.Clock,
		logger:    opts.Logger,
		baseCtx:   opts.BaseContext,
	}, nil
}

// Mode returns the effective mode.
func (c *Coordinator) Mode() Mode {
	return c.cfg.Mode
}

// StartRun resets progress and launches a run. It returns
// runstate.ErrAlreadyRunning, leaving the active run untouched, when one is in
// flight. In sync execution it returns once the run has settled and ctx acts
// as the run's cancellation token; an aborted run then returns ctx's error.
// Unit failures are reported through OnFailed rather than the returned error.
func (c *Coordinator) StartRun(ctx context.Context) (runstate.Snapshot, error) {
	runID, err := c.ids.NewID()
	if err != nil {
		return runstate.Snapshot{}, fmt.Errorf("start run: %w", err)
	}

	parent := c.baseCtx
	if c.cfg.Mode.Execution == ExecutionSync && ctx != nil {
		parent = ctx
	}

	// Report a failure the previous run recorded before its state is reset.
	c.mu.Lock()
	prev := c.active
	c.mu.Unlock()
	if prev != nil {
		prev.observer.Flush()
	}

	c.mu.Lock()
	ticket, err := c.state.Begin(runID)
	if err != nil {
		c.mu.Unlock()
		return c.state.Snapshot(), fmt.Errorf("start run: %w", err)
	}
	runCtx, cancel := context.WithCancel(parent)
	run := &activeRun{
		ticket:    ticket,
		eventID:   progress.ParseRunID(runID),
		startedAt: c.clock.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	var wake chan struct{}
	if c.cfg.Mode.Source == SourceCallback {
		wake = make(chan struct{}, 1)
	}
	obs, err := observer.New(c.state, ticket, observer.Config{
		Interval: c.cfg.SampleInterval,
		Wake:     wake,
	}, c.observerCallbacks(run), c.logger.Named("observer"))
	if err != nil {
		cancel()
		c.state.Abandon(ticket)
		c.mu.Unlock()
		return c.state.Snapshot(), fmt.Errorf("start run: %w", err)
	}
	run.observer = obs
	c.active = run
	c.mu.Unlock()

	logger := c.logger.With(zap.String("run_id", runID))
	logger.Info("run started",
		zap.Stringer("mode", c.cfg.Mode),
		zap.Int64("target", c.state.Target()),
		zap.Int64("step", c.worker.Step()),
	)
	c.emit(run, progress.StageRunStart, "")

	notify := func(current int64) {
		run.last.Store(current)
		if wake == nil {
			return
		}
		select {
		case wake <- struct{}{}:
		default:
		}
	}

	obs.Start()
	if c.cfg.Mode.Execution == ExecutionSync {
		err := c.execute(runCtx, run, notify, logger)
		snap, _ := c.state.SnapshotFor(ticket)
		if isContextErr(err) && !run.canceled.Load() {
			return snap, fmt.Errorf("run %s aborted: %w", runID, err)
		}
		return snap, nil
	}
	go func() {
		_ = c.execute(runCtx, run, notify, logger)
	}()
	snap, _ := c.state.SnapshotFor(ticket)
	return snap, nil
}

// CurrentProgress returns a consistent snapshot of the shared state.
func (c *Coordinator) CurrentProgress() runstate.Snapshot {
	return c.state.Snapshot()
}

// CancelRun aborts the active run. It returns runstate.ErrNotRunning when
// nothing is in flight. The run is settled before CancelRun returns and no
// callback for it starts afterwards; one already executing may still finish.
func (c *Coordinator) CancelRun() error {
	c.mu.Lock()
	ticket, err := c.state.Cancel()
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("cancel run: %w", err)
	}
	run := c.active
	if run != nil && run.ticket.Generation == ticket.Generation {
		run.canceled.Store(true)
	}
	c.mu.Unlock()

	if run == nil || run.ticket.Generation != ticket.Generation {
		return nil
	}
	run.observer.Stop()
	run.cancel()
	c.logger.Info("run canceled",
		zap.String("run_id", ticket.RunID),
		zap.Int64("current", run.last.Load()),
	)
	c.emit(run, progress.StageRunCanceled, "canceled")
	return nil
}

// Wait blocks until the most recent run has fully wound down, including its
// worker goroutine, or ctx ends.
func (c *Coordinator) Wait(ctx context.Context) error {
	c.mu.Lock()
	run := c.active
	c.mu.Unlock()
	if run == nil {
		return nil
	}
	select {
	case <-run.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for run: %w", ctx.Err())
	}
}

func (c *Coordinator) execute(ctx context.Context, run *activeRun, notify func(int64), logger *zap.Logger) error {
	defer close(run.done)
	defer run.cancel()

	err := c.worker.Run(ctx, run.ticket, notify)
	switch {
	case err == nil:
	case errors.Is(err, worker.ErrWorkUnitFailed):
		logger.Warn("run failed", zap.Int64("current", run.last.Load()), zap.Error(err))
		c.emit(run, progress.StageRunFailed, err.Error())
		run.observer.Fail(err.Error())
	case isContextErr(err):
		if !run.canceled.Load() {
			logger.Info("run aborted by context", zap.Int64("current", run.last.Load()), zap.Error(err))
			c.emit(run, progress.StageRunCanceled, err.Error())
		}
	case errors.Is(err, runstate.ErrStaleTicket):
		logger.Debug("worker exited for a settled run", zap.Error(err))
	default:
		logger.Error("worker stopped unexpectedly", zap.Error(err))
	}

	// A stopped or self-cancelled observer always closes Done.
	<-run.observer.Done()
	return err
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (c *Coordinator) observerCallbacks(run *activeRun) Callbacks {
	user := c.callbacks
	return Callbacks{
		OnProgress: func(current, target int64) {
			if run.canceled.Load() || user.OnProgress == nil {
				return
			}
			user.OnProgress(current, target)
		},
		OnComplete: func() {
			if run.canceled.Load() {
				return
			}
			c.logger.Info("run complete",
				zap.String("run_id", run.ticket.RunID),
				zap.Duration("elapsed", c.clock.Now().Sub(run.startedAt)),
			)
			c.emit(run, progress.StageRunDone, "")
			if user.OnComplete != nil {
				user.OnComplete()
			}
		},
		OnFailed: func(reason string) {
			if run.canceled.Load() || user.OnFailed == nil {
				return
			}
			user.OnFailed(reason)
		},
	}
}

func (c *Coordinator) emit(run *activeRun, stage progress.Stage, note string) {
	now := c.clock.Now()
	evt := progress.Event{
		RunID:   run.eventID,
		TS:      now,
		Stage:   stage,
		Current: run.last.Load(),
		Target:  c.state.Target(),
		Note:    note,
	}
	if stage == progress.StageRunDone {
		evt.Current = evt.Target
	}
	if stage.Terminal() {
		if d := now.Sub(run.startedAt); d > 0 {
			evt.Dur = d
		}
	}
	c.emitter.Emit(evt)
}
