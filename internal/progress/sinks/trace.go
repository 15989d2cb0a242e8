package sinks

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/JakeFAU/runprogress/internal/progress"
)

const tracerName = "github.com/JakeFAU/runprogress/internal/progress/sinks"

// TraceSink records each run as one span, with an event per advance. Span
// timestamps come from the events, so batching delays do not skew them.
type TraceSink struct {
	tracer trace.Tracer

	mu    sync.Mutex
	spans map[uuid.UUID]trace.Span
}

// NewTraceSink constructs a TraceSink; a nil provider uses the global one.
func NewTraceSink(tp trace.TracerProvider) *TraceSink {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &TraceSink{
		tracer: tp.Tracer(tracerName),
		spans:  make(map[uuid.UUID]trace.Span),
	}
}

// Consume opens, annotates and ends run spans.
func (s *TraceSink) Consume(ctx context.Context, batch []progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range batch {
		runID := evt.RunUUID()
		switch {
		case evt.Stage == progress.StageRunStart:
			_, span := s.tracer.Start(ctx, "run",
				trace.WithNewRoot(),
				trace.WithTimestamp(evt.TS),
				trace.WithAttributes(
					attribute.String("run.id", runID.String()),
					attribute.Int64("run.target", evt.Target),
				),
			)
			s.spans[runID] = span
		case evt.Stage == progress.StageRunAdvance:
			if span, ok := s.spans[runID]; ok {
				span.AddEvent("advance",
					trace.WithTimestamp(evt.TS),
					trace.WithAttributes(
						attribute.Int64("run.current", evt.Current),
						attribute.Int("run.unit", evt.Unit),
						attribute.Int64("run.unit_duration_ms", evt.Dur.Milliseconds()),
					),
				)
			}
		case evt.Stage.Terminal():
			span, ok := s.spans[runID]
			if !ok {
				continue
			}
			delete(s.spans, runID)
			span.SetAttributes(
				attribute.Int64("run.current", evt.Current),
				attribute.String("run.status", string(statusFor(evt.Stage))),
			)
			switch evt.Stage {
			case progress.StageRunFailed:
				span.SetStatus(codes.Error, evt.Note)
			case progress.StageRunDone:
				span.SetStatus(codes.Ok, "")
			}
			span.End(trace.WithTimestamp(evt.TS))
		}
	}
	return nil
}

// Close ends spans for runs that never settled.
func (s *TraceSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for runID, span := range s.spans {
		span.AddEvent("abandoned")
		span.End()
		delete(s.spans, runID)
	}
	return nil
}
