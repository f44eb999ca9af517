package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/media-fetcher/internal/progress"
)

// LogSink emits structured logs for job milestones. Progress ticks are logged
// at debug level; lifecycle stages at info.
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

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("job_id", evt.JobUUID().String()),
			zap.String("stage", string(evt.Stage)),
			zap.Float64("progress", evt.Progress),
		}
		if evt.URL != "" {
			fields = append(fields, zap.String("url", evt.URL))
		}
		if evt.Output != nil {
			fields = append(fields, zap.String("file_path", evt.Output.Path), zap.Int64("file_size", evt.Output.Size))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("error_detail", evt.Note))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Stage == progress.StageJobProgress {
			s.logger.Debug("progress event", fields...)
			continue
		}
		s.logger.Info("progress event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
