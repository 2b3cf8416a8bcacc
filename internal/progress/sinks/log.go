package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/extraction-supervisor/internal/progress"
)

// LogSink writes one structured log line per event. Heartbeats log at debug.
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

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("user_id", evt.UserID),
			zap.String("source", string(evt.Source)),
			zap.String("stage", string(evt.Stage)),
			zap.String("status", string(evt.Status)),
			zap.Time("ts", evt.TS),
			zap.Int64("total_items", evt.TotalItems),
			zap.Int64("processed_items", evt.ProcessedItems),
			zap.Int64("failed_items", evt.FailedItems),
			zap.Int64("entities_extracted", evt.EntitiesExtracted),
		}
		if evt.RunTime > 0 {
			fields = append(fields, zap.Duration("run_time", evt.RunTime))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		if evt.Stage == progress.StageHeartbeat {
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
