// Package logger is the structured logger shared by the relay, the worker
// and the CLI. Lines scoped to a job always carry "jobId".
package logger

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const appName = "jobwatch"

type Logger struct {
	SugaredLogger *zap.SugaredLogger
}

// New builds a zap logger. mode selects production (JSON) or development
// (console) encoding; level is one of debug, info, warn, error.
func New(mode, level string) (*Logger, error) {
	var cfg zap.Config
	switch strings.ToLower(mode) {
	case "prod", "production":
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.InitialFields = map[string]interface{}{"app": appName}
	default:
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	zapLogger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return FromZap(zapLogger), nil
}

// ParseLevel maps a config level name to zap's. Empty means info.
func ParseLevel(level string) (zapcore.Level, error) {
	lvl := zapcore.InfoLevel
	if level == "" {
		return lvl, nil
	}
	err := lvl.UnmarshalText([]byte(strings.ToLower(level)))
	return lvl, err
}

// FromZap wraps an existing zap logger.
func FromZap(z *zap.Logger) *Logger {
	return &Logger{SugaredLogger: z.Sugar()}
}

// Nop discards everything. Used by tests and as a fallback when no logger is given.
func Nop() *Logger {
	return FromZap(zap.NewNop())
}

func (l *Logger) Sync() {
	_ = l.SugaredLogger.Sync()
}

func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.SugaredLogger.Debugw(msg, keysAndValues...)
}
func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.SugaredLogger.Infow(msg, keysAndValues...)
}
func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.SugaredLogger.Warnw(msg, keysAndValues...)
}
func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.SugaredLogger.Errorw(msg, keysAndValues...)
}
func (l *Logger) Fatal(msg string, keysAndValues ...interface{}) {
	l.SugaredLogger.Fatalw(msg, keysAndValues...)
}
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{SugaredLogger: l.SugaredLogger.With(keysAndValues...)}
}

// Component names the part of the relay emitting the line (hub, archive, ...).
func (l *Logger) Component(name string) *Logger {
	return l.With("component", name)
}

// Job scopes l to one job.
func (l *Logger) Job(jobID string) *Logger {
	return l.With("jobId", jobID)
}

// Subscription scopes l to one job and the epoch of its subscription, so
// lines from before and after a rearm can be told apart.
func (l *Logger) Subscription(jobID string, epoch uint64) *Logger {
	return l.With("jobId", jobID, "epoch", epoch)
}
