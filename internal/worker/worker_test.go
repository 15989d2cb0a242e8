package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/runprogress/internal/progress"
	"github.com/JakeFAU/runprogress/internal/runstate"
)

func TestWorker_RunReachesTarget(t *testing.T) {
	t.Parallel()

	state := newState(t, runstate.DefaultTarget)
	emitter := &fakeEmitter{}
	w, err := New(state, UnitFunc(func(context.Context) error { return nil }), emitter, nil, Config{}, zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, int64(10), w.Step())

	ticket := begin(t, state)
	var seen []int64
	err = w.Run(context.Background(), ticket, func(current int64) {
		seen = append(seen, current)
	})
	require.NoError(t, err)
	require.Equal(t, []int64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}, seen)
	require.Equal(t, int64(100), state.Current())
	require.True(t, state.Running(), "completion is settled by the observer")

	events := emitter.Events()
	require.Len(t, events, 10)
	for i, evt := range events {
		require.Equal(t, progress.StageRunAdvance, evt.Stage)
		require.Equal(t, i+1, evt.Unit)
		require.Equal(t, int64(i+1)*10, evt.Current)
		require.NoError(t, evt.Validate())
	}
}

func TestWorker_StepNeverZero(t *testing.T) {
	t.Parallel()

	state := newState(t, 5)
	w, err := New(state, UnitFunc(func(context.Context) error { return nil }), nil, nil, Config{Steps: 10}, nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), w.Step())

	require.NoError(t, w.Run(context.Background(), begin(t, state), nil))
	require.Equal(t, int64(5), state.Current())
}

func TestWorker_UnevenTargetClamps(t *testing.T) {
	t.Parallel()

	state := newState(t, 25)
	w, err := New(state, UnitFunc(func(context.Context) error { return nil }), nil, nil, Config{Steps: 10}, nil)
	require.NoError(t, err)
	require.Equal(t, int64(2), w.Step())

	var last int64
	require.NoError(t, w.Run(context.Background(), begin(t, state), func(c int64) { last = c }))
	require.Equal(t, int64(25), last)
}

func TestWorker_UnitFailureSettlesFailed(t *testing.T) {
	t.Parallel()

	state := newState(t, runstate.DefaultTarget)
	boom := errors.New("disk on fire")
	calls := 0
	unit := UnitFunc(func(context.Context) error {
		calls++
		if calls == 5 {
			return boom
		}
		return nil
	})
	w, err := New(state, unit, nil, nil, Config{}, zap.NewNop())
	require.NoError(t, err)

	err = w.Run(context.Background(), begin(t, state), nil)
	require.ErrorIs(t, err, ErrWorkUnitFailed)
	require.ErrorIs(t, err, boom)

	var failure *WorkUnitFailedError
	require.ErrorAs(t, err, &failure)
	require.Equal(t, 5, failure.Unit)

	snap := state.Snapshot()
	require.Equal(t, runstate.PhaseFailed, snap.Phase)
	require.False(t, snap.Running)
	require.Equal(t, int64(40), snap.Current)
	require.Contains(t, snap.Reason, "disk on fire")
}

func TestWorker_ContextCancelAbandonsRun(t *testing.T) {
	t.Parallel()

	state := newState(t, runstate.DefaultTarget)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	unit := UnitFunc(func(context.Context) error {
		calls++
		if calls == 3 {
			cancel()
		}
		return nil
	})
	w, err := New(state, unit, nil, nil, Config{}, zap.NewNop())
	require.NoError(t, err)

	err = w.Run(ctx, begin(t, state), nil)
	require.ErrorIs(t, err, context.Canceled)
	require.NotErrorIs(t, err, ErrWorkUnitFailed)

	snap := state.Snapshot()
	require.Equal(t, runstate.PhaseCanceled, snap.Phase)
	require.Equal(t, int64(30), snap.Current)
}

func TestWorker_InterruptedUnitIsCancelNotFailure(t *testing.T) {
	t.Parallel()

	state := newState(t, runstate.DefaultTarget)
	ctx, cancel := context.WithCancel(context.Background())
	w, err := New(state, DelayUnit{Delay: time.Minute}, nil, nil, Config{}, zap.NewNop())
	require.NoError(t, err)

	ticket := begin(t, state)
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, ticket, nil) }()
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not observe cancellation")
	}
	require.Equal(t, runstate.PhaseCanceled, state.Snapshot().Phase)
	require.Zero(t, state.Current())
}

func TestWorker_StaleTicketStopsWithoutWriting(t *testing.T) {
	t.Parallel()

	state := newState(t, runstate.DefaultTarget)
	first := begin(t, state)

	var once sync.Once
	unit := UnitFunc(func(context.Context) error {
		once.Do(func() {
			_, err := state.Cancel()
			require.NoError(t, err)
			_, err = state.Begin(uuid.NewString())
			require.NoError(t, err)
		})
		return nil
	})
	w, err := New(state, unit, nil, nil, Config{}, zap.NewNop())
	require.NoError(t, err)

	err = w.Run(context.Background(), first, nil)
	require.ErrorIs(t, err, runstate.ErrStaleTicket)
	require.Zero(t, state.Current(), "stale worker must not advance the newer run")
	require.True(t, state.Running())
}

func TestWorker_AdvanceEventPrecedesVisibleValue(t *testing.T) {
	t.Parallel()

	state := newState(t, runstate.DefaultTarget)
	var visible []int64
	emitter := emitterFunc(func(evt progress.Event) {
		visible = append(visible, state.Current())
		require.Less(t, state.Current(), evt.Current)
	})
	w, err := New(state, UnitFunc(func(context.Context) error { return nil }), emitter, nil, Config{}, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, w.Run(context.Background(), begin(t, state), nil))
	require.Equal(t, []int64{0, 10, 20, 30, 40, 50, 60, 70, 80, 90}, visible)
}

func TestWorker_FailureAfterSettleIsStale(t *testing.T) {
	t.Parallel()

	state := newState(t, runstate.DefaultTarget)
	w, err := New(state, UnitFunc(func(context.Context) error {
		if _, err := state.Cancel(); err != nil {
			return err
		}
		return errors.New("lost connection")
	}), nil, nil, Config{}, zap.NewNop())
	require.NoError(t, err)

	err = w.Run(context.Background(), begin(t, state), nil)
	require.ErrorIs(t, err, runstate.ErrStaleTicket)
	require.NotErrorIs(t, err, ErrWorkUnitFailed)
	require.Equal(t, runstate.PhaseCanceled, state.Snapshot().Phase)
}

func TestNewValidatesArguments(t *testing.T) {
	t.Parallel()

	state := newState(t, 10)
	_, err := New(nil, SpinUnit{}, nil, nil, Config{}, nil)
	require.Error(t, err)
	_, err = New(state, nil, nil, nil, Config{}, nil)
	require.Error(t, err)
}

func TestNewUnit(t *testing.T) {
	t.Parallel()

	unit, err := NewUnit(UnitConfig{Kind: "SPIN", SpinIterations: 10})
	require.NoError(t, err)
	require.Equal(t, SpinUnit{Iterations: 10}, unit)
	require.NoError(t, unit.Do(context.Background()))

	unit, err = NewUnit(UnitConfig{})
	require.NoError(t, err)
	require.Equal(t, DelayUnit{}, unit)

	_, err = NewUnit(UnitConfig{Kind: "sleep"})
	require.Error(t, err)
}

func TestDelayUnitWaits(t *testing.T) {
	t.Parallel()

	start := time.Now()
	require.NoError(t, DelayUnit{Delay: 20 * time.Millisecond}.Do(context.Background()))
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func newState(t *testing.T, target int64) *runstate.State {
	t.Helper()
	state, err := runstate.New(target)
	require.NoError(t, err)
	return state
}

func begin(t *testing.T, state *runstate.State) runstate.Ticket {
	t.Helper()
	ticket, err := state.Begin(uuid.NewString())
	require.NoError(t, err)
	return ticket
}

type fakeEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (f *fakeEmitter) Emit(evt progress.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, evt)
}

func (f *fakeEmitter) Events() []progress.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]progress.Event(nil), f.events...)
}

type emitterFunc func(progress.Event)

func (f emitterFunc) Emit(evt progress.Event) { f(evt) }
