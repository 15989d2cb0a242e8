package runstate

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fixedClock struct{ at time.Time }

func (c fixedClock) Now() time.Time { return c.at }

func TestNewRejectsNonPositiveTarget(t *testing.T) {
	t.Parallel()

	_, err := New(0)
	require.Error(t, err)
	_, err = New(-5)
	require.Error(t, err)
}

func TestNewStartsIdle(t *testing.T) {
	t.Parallel()

	s, err := New(DefaultTarget)
	require.NoError(t, err)
	snap := s.Snapshot()
	require.Equal(t, PhaseIdle, snap.Phase)
	require.False(t, snap.Running)
	require.Zero(t, snap.Current)
	require.Equal(t, int64(100), snap.Target)
	require.Nil(t, snap.StartedAt)
}

func TestBeginRejectsSecondRunWithoutResetting(t *testing.T) {
	t.Parallel()

	s, err := New(100)
	require.NoError(t, err)
	ticket, err := s.Begin("run-1")
	require.NoError(t, err)
	_, err = s.Advance(ticket, 30)
	require.NoError(t, err)

	_, err = s.Begin("run-2")
	require.ErrorIs(t, err, ErrAlreadyRunning)
	require.Equal(t, int64(30), s.Current())
	require.Equal(t, "run-1", s.Snapshot().RunID)
}

func TestAdvanceClampsAtTarget(t *testing.T) {
	t.Parallel()

	s, err := New(25)
	require.NoError(t, err)
	ticket, err := s.Begin("run")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = s.Advance(ticket, 10)
		require.NoError(t, err)
	}
	require.Equal(t, int64(25), s.Current())

	got, err := s.Advance(ticket, -10)
	require.NoError(t, err)
	require.Equal(t, int64(25), got, "negative deltas must not move progress backwards")
}

func TestAdvanceFuncPublishesBeforeStore(t *testing.T) {
	t.Parallel()

	s, err := New(100)
	require.NoError(t, err)
	ticket, err := s.Begin("run")
	require.NoError(t, err)

	var published []int64
	got, err := s.AdvanceFunc(ticket, 10, func(next int64) {
		require.Equal(t, int64(0), s.Current(), "value visible before publish")
		published = append(published, next)
	})
	require.NoError(t, err)
	require.Equal(t, int64(10), got)
	require.Equal(t, []int64{10}, published)
	require.Equal(t, int64(10), s.Current())

	_, err = s.Cancel()
	require.NoError(t, err)
	_, err = s.AdvanceFunc(ticket, 10, func(int64) {
		t.Error("publish called for a stale ticket")
	})
	require.ErrorIs(t, err, ErrStaleTicket)
}

func TestCompleteOnlyAtTarget(t *testing.T) {
	t.Parallel()

	at := time.Unix(1700000000, 0).UTC()
	s, err := New(20, WithClock(fixedClock{at: at}))
	require.NoError(t, err)
	ticket, err := s.Begin("run")
	require.NoError(t, err)

	_, err = s.Advance(ticket, 10)
	require.NoError(t, err)
	require.False(t, s.Complete(ticket))

	_, err = s.Advance(ticket, 10)
	require.NoError(t, err)
	require.True(t, s.Complete(ticket))
	require.False(t, s.Complete(ticket), "second completion must be a no-op")

	snap := s.Snapshot()
	require.Equal(t, PhaseDone, snap.Phase)
	require.False(t, snap.Running)
	require.Equal(t, snap.Target, snap.Current)
	require.NotNil(t, snap.FinishedAt)
	require.Equal(t, at, *snap.FinishedAt)
}

func TestFailKeepsLastValue(t *testing.T) {
	t.Parallel()

	s, err := New(100)
	require.NoError(t, err)
	ticket, err := s.Begin("run")
	require.NoError(t, err)
	_, err = s.Advance(ticket, 40)
	require.NoError(t, err)

	require.True(t, s.Fail(ticket, "unit 5 failed"))
	snap := s.Snapshot()
	require.Equal(t, PhaseFailed, snap.Phase)
	require.Equal(t, "unit 5 failed", snap.Reason)
	require.Equal(t, int64(40), snap.Current)
	require.False(t, snap.Running)
}

func TestCancelAndStaleTicket(t *testing.T) {
	t.Parallel()

	s, err := New(100)
	require.NoError(t, err)

	_, err = s.Cancel()
	require.ErrorIs(t, err, ErrNotRunning)

	old, err := s.Begin("old")
	require.NoError(t, err)
	_, err = s.Advance(old, 10)
	require.NoError(t, err)

	canceled, err := s.Cancel()
	require.NoError(t, err)
	require.Equal(t, old, canceled)
	require.Equal(t, PhaseCanceled, s.Snapshot().Phase)

	fresh, err := s.Begin("fresh")
	require.NoError(t, err)
	require.Zero(t, s.Current())

	_, err = s.Advance(old, 50)
	require.ErrorIs(t, err, ErrStaleTicket)
	require.False(t, s.Fail(old, "late"))
	require.Zero(t, s.Current())
	require.True(t, s.Active(fresh))

	snap, same := s.SnapshotFor(old)
	require.False(t, same)
	require.Equal(t, "fresh", snap.RunID)
}

func TestConcurrentReadsSeeMonotonicValues(t *testing.T) {
	t.Parallel()

	s, err := New(1000)
	require.NoError(t, err)
	ticket, err := s.Begin("run")
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			_, _ = s.Advance(ticket, 1)
		}
	}()

	last := int64(0)
	for s.Current() < s.Target() {
		cur := s.Current()
		require.GreaterOrEqual(t, cur, last)
		last = cur
	}
	wg.Wait()
	require.Equal(t, int64(1000), s.Current())
}

func TestSnapshotFraction(t *testing.T) {
	t.Parallel()

	require.InDelta(t, 0.3, Snapshot{Current: 30, Target: 100}.Fraction(), 1e-9)
	require.Zero(t, Snapshot{}.Fraction())
}
