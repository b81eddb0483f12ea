package segmentz

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds a JSON production logger at the given level.
func NewLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.DisableStacktrace = true
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}

func documentFields(doc *Document) []zap.Field {
	fields := []zap.Field{
		zap.String("trace_id", doc.TraceID),
		zap.String("segment_id", doc.ID),
		zap.String("name", doc.Name),
	}
	if doc.ParentID != "" {
		fields = append(fields, zap.String("parent_id", doc.ParentID))
	}
	return fields
}
