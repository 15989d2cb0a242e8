package worker

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// Unit kinds accepted by NewUnit.
const (
	UnitSpin  = "spin"
	UnitDelay = "delay"
)

// Defaults for the built-in units.
const (
	DefaultSpinIterations = 1_000_000
	DefaultUnitDelay      = 500 * time.Millisecond
)

// Unit is one slice of the long computation. Implementations should return
// promptly once ctx is done when they are able to.
type Unit interface {
	Do(ctx context.Context) error
}

// UnitFunc adapts a function to the Unit interface.
type UnitFunc func(ctx context.Context) error

// Do implements Unit.
func (f UnitFunc) Do(ctx context.Context) error {
	return f(ctx)
}

// spinSink keeps the compiler from discarding the spin loop.
var spinSink atomic.Int64

// SpinUnit burns CPU for a fixed number of iterations. It cannot be
// interrupted mid-unit; cancellation is observed between units.
type SpinUnit struct {
	Iterations int
}

// Do implements Unit.
func (u SpinUnit) Do(context.Context) error {
	n := u.Iterations
	if n <= 0 {
		n = DefaultSpinIterations
	}
	var acc int64
	for i := 0; i < n; i++ {
		acc += int64(i) * 2
	}
	spinSink.Store(acc)
	return nil
}

// DelayUnit waits for a fixed duration, returning early when ctx ends.
type DelayUnit struct {
	Delay time.Duration
}

// Do implements Unit.
func (u DelayUnit) Do(ctx context.Context) error {
	d := u.Delay
	if d <= 0 {
		d = DefaultUnitDelay
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("delay interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

// UnitConfig selects and tunes a built-in unit.
type UnitConfig struct {
	Kind           string
	Delay          time.Duration
	SpinIterations int
}

// NewUnit builds the unit named by cfg.Kind.
func NewUnit(cfg UnitConfig) (Unit, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case UnitSpin:
		return SpinUnit{Iterations: cfg.SpinIterations}, nil
	case "", UnitDelay:
		return DelayUnit{Delay: cfg.Delay}, nil
	default:
		return nil, fmt.Errorf("unknown unit kind %q", cfg.Kind)
	}
}
