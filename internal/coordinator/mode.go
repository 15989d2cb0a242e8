package coordinator

import (
	"fmt"
	"strings"
)

// Source selects how the observer learns about new progress values.
type Source string

// Supported sources.
const (
	// SourceSharedState samples the shared value on the observer's ticker only.
	SourceSharedState Source = "shared_state"
	// SourceCallback also wakes the observer after every increment.
	SourceCallback Source = "callback"
)

// Execution selects whether StartRun waits for the run to settle.
type Execution string

// Supported execution modes.
const (
	ExecutionAsync Execution = "async"
	ExecutionSync  Execution = "sync"
)

// Mode combines a progress source with an execution mode.
type Mode struct {
	Source    Source
	Execution Execution
}

// DefaultMode polls shared state and runs asynchronously.
func DefaultMode() Mode {
	return Mode{Source: SourceSharedState, Execution: ExecutionAsync}
}

// ParseSource accepts "shared_state" (or "shared-state") and "callback".
func ParseSource(raw string) (Source, error) {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(raw), "-", "_")) {
	case "", string(SourceSharedState):
		return SourceSharedState, nil
	case string(SourceCallback):
		return SourceCallback, nil
	default:
		return "", fmt.Errorf("unknown progress source %q", raw)
	}
}

// ParseExecution accepts "async" and "sync".
func ParseExecution(raw string) (Execution, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", string(ExecutionAsync):
		return ExecutionAsync, nil
	case string(ExecutionSync):
		return ExecutionSync, nil
	default:
		return "", fmt.Errorf("unknown execution mode %q", raw)
	}
}

// ParseMode parses both halves of a Mode.
func ParseMode(source, execution string) (Mode, error) {
	src, err := ParseSource(source)
	if err != nil {
		return Mode{}, err
	}
	exec, err := ParseExecution(execution)
	if err != nil {
		return Mode{}, err
	}
	return Mode{Source: src, Execution: exec}, nil
}

func (m Mode) withDefaults() Mode {
	if m.Source == "" {
		m.Source = SourceSharedState
	}
	if m.Execution == "" {
		m.Execution = ExecutionAsync
	}
	return m
}

func (m Mode) String() string {
	return fmt.Sprintf("%s/%s", m.Source, m.Execution)
}
