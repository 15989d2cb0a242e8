// Package progress defines the event structures emitted over a run's lifecycle.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart    Stage = "RUN_START"
	StageRunAdvance  Stage = "RUN_ADVANCE"
	StageRunDone     Stage = "RUN_DONE"
	StageRunFailed   Stage = "RUN_FAILED"
	StageRunCanceled Stage = "RUN_CANCELED"
)

// Terminal reports whether the stage ends a run.
func (s Stage) Terminal() bool {
	switch s {
	case StageRunDone, StageRunFailed, StageRunCanceled:
		return true
	default:
		return false
	}
}

// Event captures a single milestone of a run.
type Event struct {
	// RunID uniquely identifies a run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle milestone occurred.
	Stage Stage
	// Current is the progress value after the milestone.
	Current int64
	// Target is the completion value of the run.
	Target int64
	// Unit is the 1-based index of the work unit that produced an advance.
	Unit int
	// Dur captures the unit latency for advances and the run latency for terminal stages.
	Dur time.Duration
	// Note carries low-volume context such as a failure reason.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageRunFailed, StageRunCanceled:
	case StageRunAdvance:
		if e.Unit <= 0 {
			return errors.New("advance requires unit index")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Target < 0 || e.Current < 0 {
		return errors.New("progress values must be >= 0")
	}
	if e.Target > 0 && e.Current > e.Target {
		return fmt.Errorf("current %d exceeds target %d", e.Current, e.Target)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID for repositories.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// ParseRunID converts a textual run ID into the Event form. Unparseable IDs
// yield the zero value, which Validate rejects.
func ParseRunID(runID string) [16]byte {
	id, err := uuid.Parse(runID)
	if err != nil {
		return [16]byte{}
	}
	return UUIDToBytes(id)
}
