package sinks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/media-fetcher/internal/download"
	"github.com/JakeFAU/media-fetcher/internal/progress"
)

// Notification is the payload published when a job reaches a terminal status.
type Notification struct {
	JobID       string           `json:"job_id"`
	URL         string           `json:"url,omitempty"`
	Status      string           `json:"status"`
	Progress    float64          `json:"progress"`
	Output      *download.Output `json:"output,omitempty"`
	ErrorDetail string           `json:"error_detail,omitempty"`
	FinishedAt  time.Time        `json:"finished_at"`
}

// PublisherSink publishes a Notification for every terminal event. Progress
// ticks and non-terminal stages are ignored.
type PublisherSink struct {
	publisher download.Publisher
	topic     string
	logger    *zap.Logger
}

// NewPublisherSink builds a sink publishing to topic.
func NewPublisherSink(publisher download.Publisher, topic string, logger *zap.Logger) *PublisherSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublisherSink{publisher: publisher, topic: topic, logger: logger}
}

// Consume publishes terminal events in order. Every event is attempted; the
// returned error joins individual failures.
func (s *PublisherSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.publisher == nil {
		return nil
	}
	var errs []error
	for _, evt := range batch {
		if !evt.Stage.Terminal() {
			continue
		}
		note := notificationFor(evt)
		id, err := s.publisher.Publish(ctx, s.topic, note)
		if err != nil {
			errs = append(errs, fmt.Errorf("publish %s notification for %s: %w", note.Status, note.JobID, err))
			continue
		}
		s.logger.Debug("published job notification",
			zap.String("job_id", note.JobID),
			zap.String("status", note.Status),
			zap.String("message_id", id))
	}
	return errors.Join(errs...)
}

// Close implements the Sink interface; it performs no action.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}

func notificationFor(evt progress.Event) Notification {
	status := download.StatusCancelled
	switch evt.Stage {
	case progress.StageJobDone:
		status = download.StatusCompleted
	case progress.StageJobError:
		status = download.StatusFailed
	}
	return Notification{
		JobID:       evt.JobUUID().String(),
		URL:         evt.URL,
		Status:      status.String(),
		Progress:    evt.Progress,
		Output:      evt.Output,
		ErrorDetail: evt.Note,
		FinishedAt:  evt.TS,
	}
}
