package sinks

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/runprogress/internal/progress"
	"github.com/JakeFAU/runprogress/internal/store"
)

// Publisher delivers a payload to a topic and returns the broker message ID.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// RunNotification is published once per run when it settles.
type RunNotification struct {
	RunID      string          `json:"run_id"`
	Status     store.RunStatus `json:"status"`
	Current    int64           `json:"current"`
	Target     int64           `json:"target"`
	FinishedAt time.Time       `json:"finished_at"`
	DurationMS int64           `json:"duration_ms"`
	Reason     string          `json:"reason,omitempty"`
}

// Attributes returns broker attributes used for subscription filtering.
func (n RunNotification) Attributes() map[string]string {
	return map[string]string{
		"run_id": n.RunID,
		"status": string(n.Status),
	}
}

// PublishSink announces terminal run events on a topic.
type PublishSink struct {
	publisher Publisher
	topic     string
	logger    *zap.Logger
}

// NewPublishSink constructs a PublishSink. Advances and starts are ignored.
func NewPublishSink(publisher Publisher, topic string, logger *zap.Logger) *PublishSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublishSink{publisher: publisher, topic: topic, logger: logger}
}

// Consume publishes a RunNotification for every terminal event in the batch.
func (s *PublishSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.publisher == nil {
		return nil
	}
	for _, evt := range batch {
		if !evt.Stage.Terminal() {
			continue
		}
		note := notificationFor(evt)
		id, err := s.publisher.Publish(ctx, s.topic, note)
		if err != nil {
			return fmt.Errorf("publish run %s: %w", note.RunID, err)
		}
		s.logger.Debug("run notification published",
			zap.String("run_id", note.RunID),
			zap.String("message_id", id),
			zap.String("status", string(note.Status)),
		)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PublishSink) Close(context.Context) error {
	return nil
}

func notificationFor(evt progress.Event) RunNotification {
	return RunNotification{
		RunID:      evt.RunUUID().String(),
		Status:     statusFor(evt.Stage),
		Current:    evt.Current,
		Target:     evt.Target,
		FinishedAt: evt.TS.UTC(),
		DurationMS: evt.Dur.Milliseconds(),
		Reason:     evt.Note,
	}
}
