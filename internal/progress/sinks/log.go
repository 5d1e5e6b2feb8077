package sinks

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Dankin/vmware-kb/internal/kb"
	"github.com/Dankin/vmware-kb/internal/progress"
)

// LogSink writes one structured line per event. Article successes and skips
// log at debug so that large runs stay readable at info.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wraps logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("run_id", uuid.UUID(evt.RunID).String()),
			zap.String("stage", string(evt.Stage)),
		}
		level := zapcore.InfoLevel
		msg := "crawl run"
		switch evt.Stage {
		case progress.StageArticleDone:
			msg = "article processed"
			fields = append(fields,
				zap.Int("kb", evt.KB),
				zap.String("status", string(evt.Status)),
				zap.Int("attempts", evt.Attempts),
				zap.Duration("dur", evt.Dur))
			level = zapcore.DebugLevel
			if evt.Status == kb.StatusFailed {
				level = zapcore.WarnLevel
			}
		case progress.StageRunStart:
			fields = append(fields, zap.Int("start", evt.RangeStart), zap.Int("end", evt.RangeEnd))
		case progress.StageRunError:
			level = zapcore.ErrorLevel
			fields = append(fields, zap.Duration("elapsed", evt.Dur))
		case progress.StageRunHeartbeat:
			level = zapcore.DebugLevel
			fields = append(fields, zap.Duration("elapsed", evt.Dur))
		default:
			fields = append(fields, zap.Duration("elapsed", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		if ce := s.logger.Check(level, msg); ce != nil {
			ce.Write(fields...)
		}
	}
	return nil
}

// Close implements progress.Sink.
func (s *LogSink) Close(context.Context) error {
	return nil
}
