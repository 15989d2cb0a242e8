package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("run record not found")

// RunStatus mirrors the runs.status column.
type RunStatus string

// Run statuses persisted in runs.status.
const (
	RunRunning  RunStatus = "running"
	RunSuccess  RunStatus = "success"
	RunError    RunStatus = "error"
	RunCanceled RunStatus = "canceled"
)

// ParseRunStatus validates a status filter.
func ParseRunStatus(raw string) (RunStatus, error) {
	status := RunStatus(strings.ToLower(strings.TrimSpace(raw)))
	switch status {
	case RunRunning, RunSuccess, RunError, RunCanceled:
		return status, nil
	default:
		return "", fmt.Errorf("invalid run status %q", raw)
	}
}

// Run models the runs table for API responses.
type Run struct {
	// ID is the run identifier handed out when the run started.
	ID uuid.UUID
	// StartedAt captures when the run was first marked running.
	StartedAt time.Time
	// FinishedAt is nil until the run settles.
	FinishedAt *time.Time
	// Status is running/success/error/canceled.
	Status RunStatus
	// Current is the last persisted progress value.
	Current int64
	// Target is the completion value of the run.
	Target int64
	// Units counts completed work units.
	Units int
	// UpdatedAt is the time of the most recent write.
	UpdatedAt time.Time
	// ErrorMessage optionally stores the failure or cancel reason.
	ErrorMessage *string
}

// RunRepository persists run history.
type RunRepository interface {
	// UpsertRunStart inserts (or idempotently refreshes) a running row.
	UpsertRunStart(ctx context.Context, runID uuid.UUID, target int64, startedAt time.Time) error
	// RecordProgress raises the stored progress; it never lowers it.
	RecordProgress(ctx context.Context, runID uuid.UUID, current int64, units int, at time.Time) error
	// CompleteRun marks the run finished with the provided status and reason.
	CompleteRun(
		ctx context.Context,
		runID uuid.UUID,
		finishedAt time.Time,
		status RunStatus,
		current int64,
		errMsg *string,
	) error

	// GetRun loads a single run or returns ErrNotFound.
	GetRun(ctx context.Context, runID uuid.UUID) (Run, error)
	// ListRuns returns runs, newest first, filtered by optional status plus limit/offset.
	ListRuns(ctx context.Context, status *RunStatus, limit, offset int) ([]Run, error)
}
