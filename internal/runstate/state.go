// Package runstate owns the progress value shared by exactly one worker and one
// observer. Reads of the progress counter are lock-free; every write carries a
// Ticket so a worker left over from an abandoned run cannot touch a newer one.
package runstate

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrAlreadyRunning is returned when a run is requested while one is active.
	ErrAlreadyRunning = errors.New("run already in progress")
	// ErrNotRunning is returned when a cancel is requested with nothing active.
	ErrNotRunning = errors.New("no run in progress")
	// ErrStaleTicket is returned when a write targets a run that is no longer active.
	ErrStaleTicket = errors.New("ticket does not match the active run")
)

// DefaultTarget is the progress value that marks a run complete.
const DefaultTarget int64 = 100

// Phase is the lifecycle position of the current run.
type Phase string

// Run phases. Done, Failed and Canceled are terminal until the next Begin.
const (
	PhaseIdle      Phase = "idle"
	PhaseObserving Phase = "observing"
	PhaseDone      Phase = "done"
	PhaseFailed    Phase = "failed"
	PhaseCanceled  Phase = "canceled"
)

// Terminal reports whether no further progress can happen in this phase.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseDone, PhaseFailed, PhaseCanceled:
		return true
	default:
		return false
	}
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

type clockFunc func() time.Time

func (f clockFunc) Now() time.Time { return f() }

// Ticket identifies one run. It is handed out by Begin and must accompany
// every state write for that run.
type Ticket struct {
	Generation uint64
	RunID      string
}

// Snapshot is a consistent copy of the state at one instant.
type Snapshot struct {
	RunID      string     `json:"run_id,omitempty"`
	Current    int64      `json:"current"`
	Target     int64      `json:"target"`
	Running    bool       `json:"is_running"`
	Phase      Phase      `json:"state"`
	Reason     string     `json:"reason,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Fraction returns current/target in [0, 1].
func (s Snapshot) Fraction() float64 {
	if s.Target <= 0 {
		return 0
	}
	return float64(s.Current) / float64(s.Target)
}

// Option customizes a State.
type Option func(*State)

// WithClock overrides the clock used to stamp start and finish times.
func WithClock(c Clock) Option {
	return func(s *State) {
		if c != nil {
			s.clock = c
		}
	}
}

// State holds the progress of at most one run at a time.
type State struct {
	target  int64
	current atomic.Int64
	clock   Clock

	mu         sync.Mutex
	generation uint64
	running    bool
	phase      Phase
	runID      string
	reason     string
	startedAt  time.Time
	finishedAt time.Time
}

// New creates an idle State with the given positive target.
func New(target int64, opts ...Option) (*State, error) {
	if target <= 0 {
		return nil, fmt.Errorf("target must be > 0, got %d", target)
	}
	s := &State{
		target: target,
		clock:  clockFunc(func() time.Time { return time.Now().UTC() }),
		phase:  PhaseIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Target returns the fixed completion value.
func (s *State) Target() int64 {
	return s.target
}

// Current returns the latest fully written progress value.
func (s *State) Current() int64 {
	return s.current.Load()
}

// Running reports whether a run is active.
func (s *State) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Begin resets progress to zero and marks a new run active. It returns
// ErrAlreadyRunning without touching the in-flight run when one is active.
func (s *State) Begin(runID string) (Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return Ticket{}, ErrAlreadyRunning
	}
	s.generation++
	s.running = true
	s.phase = PhaseObserving
	s.runID = runID
	s.reason = ""
	s.startedAt = s.clock.Now()
	s.finishedAt = time.Time{}
	s.current.Store(0)
	return Ticket{Generation: s.generation, RunID: runID}, nil
}

// Advance adds delta to the progress value, clamping at the target, and
// returns the new value. Negative deltas are ignored so progress never
// moves backwards.
func (s *State) Advance(t Ticket, delta int64) (int64, error) {
	return s.AdvanceFunc(t, delta, nil)
}

// AdvanceFunc is Advance with a hook that sees the new value before any
// reader or observer can. publish runs under the state lock, so it must not
// block or call back into State.
func (s *State) AdvanceFunc(t Ticket, delta int64, publish func(next int64)) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.activeLocked(t) {
		return s.current.Load(), ErrStaleTicket
	}
	next := s.current.Load()
	if delta > 0 {
		next += delta
	}
	if next > s.target {
		next = s.target
	}
	if publish != nil {
		publish(next)
	}
	s.current.Store(next)
	return next, nil
}

// Complete settles the run as done if it has reached the target. It returns
// true only for the call that performed the transition.
func (s *State) Complete(t Ticket) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.activeLocked(t) || s.current.Load() < s.target {
		return false
	}
	s.settleLocked(PhaseDone, "")
	return true
}

// Fail settles the run as failed, leaving the progress value where the last
// successful unit put it.
func (s *State) Fail(t Ticket, reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.activeLocked(t) {
		return false
	}
	s.settleLocked(PhaseFailed, reason)
	return true
}

// Cancel settles the active run as canceled and returns its ticket.
func (s *State) Cancel() (Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return Ticket{}, ErrNotRunning
	}
	t := Ticket{Generation: s.generation, RunID: s.runID}
	s.settleLocked(PhaseCanceled, "canceled")
	return t, nil
}

// Active reports whether t still identifies the running run.
func (s *State) Active(t Ticket) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeLocked(t)
}

// Generation returns the generation of the most recent run.
func (s *State) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// Snapshot returns a consistent view of the state.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// SnapshotFor returns the snapshot and whether it still describes the run
// identified by t, active or settled.
func (s *State) SnapshotFor(t Ticket) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(), t.Generation == s.generation
}

func (s *State) snapshotLocked() Snapshot {
	snap := Snapshot{
		RunID:   s.runID,
		Current: s.current.Load(),
		Target:  s.target,
		Running: s.running,
		Phase:   s.phase,
		Reason:  s.reason,
	}
	if !s.startedAt.IsZero() {
		started := s.startedAt
		snap.StartedAt = &started
	}
	if !s.finishedAt.IsZero() {
		finished := s.finishedAt
		snap.FinishedAt = &finished
	}
	return snap
}

func (s *State) activeLocked(t Ticket) bool {
	return s.running && t.Generation == s.generation
}

func (s *State) settleLocked(phase Phase, reason string) {
	s.running = false
	s.phase = phase
	s.reason = reason
	s.finishedAt = s.clock.Now()
}

// Abandon settles the run identified by t as canceled. It is used when the
// worker observes its context ending without an explicit Cancel.
func (s *State) Abandon(t Ticket) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.activeLocked(t) {
		return false
	}
	s.settleLocked(PhaseCanceled, "canceled")
	return true
}
