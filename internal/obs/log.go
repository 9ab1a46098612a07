package obs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	DebugLogName = "debug.log"
	AuditLogName = "audit.log"

	maxFileSizeMB = 100
)

// LogConfig controls the operational (debug) logger.
type LogConfig struct {
	Dir           string
	Level         string
	Rotation      time.Duration
	RetentionDays int
	Compress      bool
	// Stdout mirrors the log to standard output alongside the file.
	Stdout bool
}

// ParseRotation accepts "hourly", "daily" or a Go duration string.
func ParseRotation(s string) (time.Duration, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "hourly":
		return time.Hour, nil
	case "daily", "":
		return 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("obs: invalid rotation %q", s)
	}
	if d < time.Minute {
		return 0, fmt.Errorf("obs: rotation %s is shorter than a minute", d)
	}
	return d, nil
}

// RotatingFile is a lumberjack file that is additionally rolled over on
// fixed period boundaries by Run.
type RotatingFile struct {
	*lumberjack.Logger
	Period time.Duration
}

// NewRotatingFile prepares path for writing. The directory is created if needed.
func NewRotatingFile(path string, period time.Duration, retentionDays int, compress bool) (*RotatingFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("obs: create log dir: %w", err)
	}
	return &RotatingFile{
		Logger: &lumberjack.Logger{
			Filename:  path,
			MaxSize:   maxFileSizeMB,
			MaxAge:    retentionDays,
			Compress:  compress,
			LocalTime: false,
		},
		Period: period,
	}, nil
}

// Run rotates the file at every period boundary (UTC) until ctx is done.
func (f *RotatingFile) Run(ctx context.Context, logger *zap.Logger) {
	if f.Period <= 0 {
		return
	}
	for {
		wait := time.Until(nextBoundary(time.Now(), f.Period))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if err := f.Rotate(); err != nil && logger != nil {
				logger.Warn("log rotation failed", zap.String("file", f.Filename), zap.Error(err))
			}
		}
	}
}

func nextBoundary(now time.Time, period time.Duration) time.Time {
	return now.UTC().Truncate(period).Add(period)
}

// NewLogger builds the service logger: JSON to the rotated debug file, and to
// stdout when requested.
func NewLogger(cfg LogConfig) (*zap.Logger, *RotatingFile, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		l, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, nil, fmt.Errorf("obs: %w", err)
		}
		level = l
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var cores []zapcore.Core
	var file *RotatingFile
	if cfg.Dir != "" {
		f, err := NewRotatingFile(filepath.Join(cfg.Dir, DebugLogName), cfg.Rotation, cfg.RetentionDays, cfg.Compress)
		if err != nil {
			return nil, nil, err
		}
		file = f
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(f), level))
	}
	if cfg.Stdout || len(cores) == 0 {
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.Lock(os.Stdout), level))
	}
	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return logger, file, nil
}

// Component returns a child logger tagged with the component name.
func Component(l *zap.Logger, name string) *zap.Logger {
	return l.With(zap.String("component", name))
}
