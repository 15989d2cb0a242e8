package sinks

import (
	"github.com/JakeFAU/runprogress/internal/progress"
	"github.com/JakeFAU/runprogress/internal/store"
)

// statusFor maps a terminal stage to the persisted run status.
func statusFor(stage progress.Stage) store.RunStatus {
	switch stage {
	case progress.StageRunDone:
		return store.RunSuccess
	case progress.StageRunFailed:
		return store.RunError
	case progress.StageRunCanceled:
		return store.RunCanceled
	default:
		return store.RunRunning
	}
}
