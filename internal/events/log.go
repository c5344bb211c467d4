package events

import (
	"context"

	"go.uber.org/zap"
)

// LogSink writes each event as a structured log line
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("events")}
}

func (s *LogSink) Emit(_ context.Context, e Event) {
	fields := []zap.Field{
		zap.String("event_id", e.ID.String()),
		zap.String("type", string(e.Type)),
		zap.Time("occurred_at", e.OccurredAt),
	}
	if e.ProjectID != nil {
		fields = append(fields, zap.Uint64("project_id", uint64(*e.ProjectID)))
	}
	if e.Actor != "" {
		fields = append(fields, zap.String("actor", e.Actor))
	}
	if len(e.Data) > 0 {
		fields = append(fields, zap.Any("data", e.Data))
	}
	s.logger.Info("Escrow event", fields...)
}
