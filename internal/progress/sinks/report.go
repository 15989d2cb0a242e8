package sinks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/runprogress/internal/progress"
	"github.com/JakeFAU/runprogress/internal/store"
)

// BlobStore persists report objects.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Hasher digests report bodies.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// RunReport is the JSON document written when a run settles.
type RunReport struct {
	RunID      string          `json:"run_id"`
	Status     store.RunStatus `json:"status"`
	Current    int64           `json:"current"`
	Target     int64           `json:"target"`
	Units      int             `json:"units"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt time.Time       `json:"finished_at"`
	DurationMS int64           `json:"duration_ms"`
	Reason     string          `json:"reason,omitempty"`
}

// ReportSink writes one JSON report per finished run to a blob store under
// <prefix>/YYYY/MM/DD/<run_id>.json. With a Hasher it also writes a
// sha256sum-style checksum file next to each report.
type ReportSink struct {
	blobs  BlobStore
	prefix string
	hasher Hasher

	mu   sync.Mutex
	runs map[uuid.UUID]*reportState
}

type reportState struct {
	startedAt time.Time
	units     int
}

// NewReportSink constructs a ReportSink rooted at prefix. hasher may be nil.
func NewReportSink(blobs BlobStore, prefix string, hasher Hasher) *ReportSink {
	return &ReportSink{
		blobs:  blobs,
		prefix: prefix,
		hasher: hasher,
		runs:   make(map[uuid.UUID]*reportState),
	}
}

// Consume tracks run starts and advances, writing a report on terminal events.
func (s *ReportSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.blobs == nil {
		return nil
	}
	for _, evt := range batch {
		runID := evt.RunUUID()
		switch {
		case evt.Stage == progress.StageRunStart:
			s.mu.Lock()
			s.runs[runID] = &reportState{startedAt: evt.TS}
			s.mu.Unlock()
		case evt.Stage == progress.StageRunAdvance:
			s.mu.Lock()
			// Advances for runs never started here or already reported are dropped.
			if st := s.runs[runID]; st != nil {
				st.units = max(st.units, evt.Unit)
			}
			s.mu.Unlock()
		case evt.Stage.Terminal():
			if err := s.write(ctx, runID, evt); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *ReportSink) write(ctx context.Context, runID uuid.UUID, evt progress.Event) error {
	s.mu.Lock()
	st := s.runs[runID]
	delete(s.runs, runID)
	s.mu.Unlock()

	report := RunReport{
		RunID:      runID.String(),
		Status:     statusFor(evt.Stage),
		Current:    evt.Current,
		Target:     evt.Target,
		FinishedAt: evt.TS.UTC(),
		DurationMS: evt.Dur.Milliseconds(),
		Reason:     evt.Note,
	}
	if st != nil {
		report.Units = st.units
		if !st.startedAt.IsZero() {
			started := st.startedAt.UTC()
			report.StartedAt = &started
		}
	}

	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode run report: %w", err)
	}
	reportPath := ReportPath(s.prefix, runID, report.FinishedAt)
	if _, err := s.blobs.PutObject(ctx, reportPath, "application/json", bytes.NewReader(body)); err != nil {
		return fmt.Errorf("write run report %s: %w", runID, err)
	}
	if s.hasher == nil {
		return nil
	}
	digest, err := s.hasher.Hash(body)
	if err != nil {
		return fmt.Errorf("hash run report %s: %w", runID, err)
	}
	line := fmt.Sprintf("%s  %s\n", digest, path.Base(reportPath))
	if _, err := s.blobs.PutObject(ctx, reportPath+".sha256", "text/plain", strings.NewReader(line)); err != nil {
		return fmt.Errorf("write run report checksum %s: %w", runID, err)
	}
	return nil
}

// Close drops any partially tracked runs.
func (s *ReportSink) Close(context.Context) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.runs)
	return nil
}

// ReportPath returns the object path of a run's report.
func ReportPath(prefix string, runID uuid.UUID, finishedAt time.Time) string {
	return path.Join(prefix, finishedAt.UTC().Format("2006/01/02"), runID.String()+".json")
}
