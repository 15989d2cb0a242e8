// Package worker implements the loop that advances a run's progress one unit
// of work at a time.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/runprogress/internal/clock/system"
	"github.com/JakeFAU/runprogress/internal/progress"
	"github.com/JakeFAU/runprogress/internal/runstate"
)

// DefaultSteps is the number of increments needed to reach the target.
const DefaultSteps = 10

// ErrWorkUnitFailed matches every WorkUnitFailedError via errors.Is.
var ErrWorkUnitFailed = errors.New("work unit failed")

// WorkUnitFailedError reports the unit that could not complete.
type WorkUnitFailedError struct {
	Unit int
	Err  error
}

func (e *WorkUnitFailedError) Error() string {
	return fmt.Sprintf("work unit %d failed: %v", e.Unit, e.Err)
}

// Unwrap exposes both the sentinel and the underlying cause.
func (e *WorkUnitFailedError) Unwrap() []error {
	return []error{ErrWorkUnitFailed, e.Err}
}

// Config controls Worker behavior.
type Config struct {
	// Steps is how many increments make up a run (default 10).
	Steps int
}

// Worker performs units of work and advances the shared state after each one.
type Worker struct {
	state   *runstate.State
	unit    Unit
	step    int64
	emitter progress.Emitter
	clock   runstate.Clock
	logger  *zap.Logger
}

// New constructs a Worker for state. The step size is target/steps, at least 1.
func New(
	state *runstate.State,
	unit Unit,
	emitter progress.Emitter,
	clock runstate.Clock,
	cfg Config,
	logger *zap.Logger,
) (*Worker, error) {
	if state == nil {
		return nil, errors.New("worker requires a run state")
	}
	if unit == nil {
		return nil, errors.New("worker requires a work unit")
	}
	if cfg.Steps <= 0 {
		cfg.Steps = DefaultSteps
	}
	if emitter == nil {
		emitter = progress.NopEmitter{}
	}
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	step := state.Target() / int64(cfg.Steps)
	if step < 1 {
		step = 1
	}
	return &Worker{
		state:   state,
		unit:    unit,
		step:    step,
		emitter: emitter,
		clock:   clock,
		logger:  logger,
	}, nil
}

// Step returns the increment applied after each unit.
func (w *Worker) Step() int64 {
	return w.step
}

// Run performs units until the target is reached, ctx ends, or a unit fails.
// Progress must already have been reset by runstate.State.Begin. notify, when
// set, is called after every increment and must not block.
//
// On completion Run returns nil and leaves the run active for the observer to
// settle. A failing unit settles the run as failed and returns a
// *WorkUnitFailedError; if the run was already settled it returns
// runstate.ErrStaleTicket instead. An ended ctx settles the run as canceled.
func (w *Worker) Run(ctx context.Context, ticket runstate.Ticket, notify func(current int64)) error {
	target := w.state.Target()
	runID := progress.ParseRunID(ticket.RunID)
	logger := w.logger.With(zap.String("run_id", ticket.RunID))

	for unit := 1; ; unit++ {
		if err := ctx.Err(); err != nil {
			return w.abort(ticket, logger, err)
		}
		if !w.state.Active(ticket) {
			return fmt.Errorf("run %s: %w", ticket.RunID, runstate.ErrStaleTicket)
		}

		start := w.clock.Now()
		if err := w.unit.Do(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return w.abort(ticket, logger, ctxErr)
			}
			failure := &WorkUnitFailedError{Unit: unit, Err: err}
			logger.Warn("work unit failed",
				zap.Int("unit", unit),
				zap.Int64("current", w.state.Current()),
				zap.Error(err),
			)
			if !w.state.Fail(ticket, failure.Error()) {
				return fmt.Errorf("run %s settled before unit %d failed: %w", ticket.RunID, unit, runstate.ErrStaleTicket)
			}
			return failure
		}

		// The advance event is queued before the value is visible, so it always
		// precedes the terminal event the observer triggers.
		current, err := w.state.AdvanceFunc(ticket, w.step, func(next int64) {
			now := w.clock.Now()
			w.emitter.Emit(progress.Event{
				RunID:   runID,
				TS:      now,
				Stage:   progress.StageRunAdvance,
				Current: next,
				Target:  target,
				Unit:    unit,
				Dur:     nonNegative(now.Sub(start)),
			})
		})
		if err != nil {
			logger.Debug("run superseded before advance", zap.Int("unit", unit))
			return fmt.Errorf("advance after unit %d: %w", unit, err)
		}
		logger.Debug("progress advanced", zap.Int("unit", unit), zap.Int64("current", current))
		if notify != nil {
			notify(current)
		}
		if current >= target {
			logger.Debug("all work units finished", zap.Int("units", unit))
			return nil
		}
	}
}

func (w *Worker) abort(ticket runstate.Ticket, logger *zap.Logger, cause error) error {
	if w.state.Abandon(ticket) {
		logger.Info("run abandoned", zap.Int64("current", w.state.Current()), zap.Error(cause))
	}
	return fmt.Errorf("run canceled: %w", cause)
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
