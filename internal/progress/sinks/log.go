package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/propwatch/listing-harvester/internal/progress"
)

// LogSink emits structured logs for harvest progress streams. Useful during
// development or audits where metrics alone are too coarse.
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
			zap.String("source", evt.Source),
			zap.String("stage", string(evt.Stage)),
			zap.Int("region_index", evt.RegionIndex),
			zap.Int("subregion_index", evt.SubRegionIndex),
		}
		if evt.UnitKey != "" {
			fields = append(fields, zap.String("unit", evt.UnitKey))
		}
		if evt.Listings > 0 {
			fields = append(fields, zap.Int64("listings", evt.Listings))
		}
		if evt.Cycle > 0 {
			fields = append(fields, zap.Int64("cycle", evt.Cycle))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Info("harvest progress", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
