package log

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the structured logging surface components depend on. It is
// satisfied by *zap.SugaredLogger.
type Logger interface {
	Debugw(msg string, keysAndValues ...interface{})
	Infow(msg string, keysAndValues ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
	Errorw(msg string, keysAndValues ...interface{})
}

var (
	once       sync.Once
	shared     *zap.SugaredLogger
	syncLogger = func() error { return nil }
)

// Shared returns a lazily initialised process-wide logger.
func Shared() *zap.SugaredLogger {
	once.Do(func() {
		base, err := build(zapcore.InfoLevel)
		if err != nil {
			panic(err)
		}
		shared = base.Sugar()
		syncLogger = base.Sync
	})

	return shared
}

// New builds an independent logger at the requested level. Unlike Shared it
// owns no process-wide state; callers flush it themselves.
func New(level string) (*zap.SugaredLogger, error) {
	parsed, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}

	base, err := build(parsed)
	if err != nil {
		return nil, err
	}
	return base.Sugar(), nil
}

// ParseLevel maps a config string onto a zap level. Empty input means info.
func ParseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", level)
	}
}

func build(level zapcore.Level) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.MessageKey = "msg"
	cfg.EncoderConfig.LevelKey = "level"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}

// Sync flushes any buffered log entries from the shared logger.
func Sync() error {
	if err := syncLogger(); err != nil {
		if strings.Contains(err.Error(), "bad file descriptor") {
			return nil
		}
		return err
	}
	return nil
}
