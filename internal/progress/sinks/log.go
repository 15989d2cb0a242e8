package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/runprogress/internal/progress"
)

// LogSink emits structured logs for run events. It is useful during
// development or audits where a durable store is unavailable.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch. Advances log at debug level so a
// production logger only records the lifecycle.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.Stringer("run_id", evt.RunUUID()),
			zap.String("stage", string(evt.Stage)),
			zap.Int64("current", evt.Current),
			zap.Int64("target", evt.Target),
		}
		if evt.Unit > 0 {
			fields = append(fields, zap.Int("unit", evt.Unit))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		if evt.Stage == progress.StageRunAdvance {
			s.logger.Debug("run event", fields...)
			continue
		}
		s.logger.Info("run event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
