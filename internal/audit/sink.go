package audit

import (
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"facegate.org/internal/obs"
)

// Sink persists audit records. Write must report failures.
type Sink interface {
	Write(rec Record) error
	Sync() error
}

// CoreSink encodes records as JSON lines through a dedicated zapcore.Core.
// It never shares a core with the service logger.
type CoreSink struct {
	core zapcore.Core
}

var _ Sink = (*CoreSink)(nil)

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		MessageKey:     "event_type",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeTime:     zapcore.RFC3339NanoTimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	}
}

// NewSink writes to ws.
func NewSink(ws zapcore.WriteSyncer) *CoreSink {
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig()), ws, zapcore.InfoLevel)
	return &CoreSink{core: core}
}

// FileSinkConfig describes the rotated audit log.
type FileSinkConfig struct {
	Dir           string
	Rotation      time.Duration
	RetentionDays int
	Compress      bool
}

// NewFileSink opens <dir>/audit.log with rotation. The returned RotatingFile
// must be driven with Run for period rotation and closed on shutdown.
func NewFileSink(cfg FileSinkConfig) (*CoreSink, *obs.RotatingFile, error) {
	file, err := obs.NewRotatingFile(filepath.Join(cfg.Dir, obs.AuditLogName), cfg.Rotation, cfg.RetentionDays, cfg.Compress)
	if err != nil {
		return nil, nil, err
	}
	return NewSink(zapcore.AddSync(file)), file, nil
}

func (s *CoreSink) Write(rec Record) error {
	entry := zapcore.Entry{
		Level:   zapcore.InfoLevel,
		Time:    rec.Timestamp,
		Message: string(rec.EventType),
	}
	fields := []zapcore.Field{
		zap.String("audit_id", rec.ID),
		zap.String("category", rec.Category),
		zap.String("outcome", string(rec.Outcome)),
	}
	if rec.RequestID != "" {
		fields = append(fields, zap.String("request_id", rec.RequestID))
	}
	if rec.ClientID != "" {
		fields = append(fields, zap.String("client_id", rec.ClientID))
	}
	if rec.UserID != "" {
		fields = append(fields, zap.String("user_id", rec.UserID))
	}
	fields = append(fields, zap.Any("details", rec.Details))
	if rec.Error != "" {
		fields = append(fields, zap.String("error", rec.Error))
	}
	return s.core.Write(entry, fields)
}

func (s *CoreSink) Sync() error {
	return s.core.Sync()
}
