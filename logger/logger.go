// Package logger provides a thread-safe, levelled logger backed by zap.
//
// The API mirrors the printf-style helpers used throughout the engine
// (Info/Infof, Error/Errorf, ...) while also accepting alternating key/value
// pairs so call sites can attach structured fields such as handle or request
// IDs.
package logger

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level represents a logging verbosity level.
type Level int

const (
	// LevelDebug emits all messages.
	LevelDebug Level = iota
	// LevelInfo emits INFO, WARN and ERROR messages.
	LevelInfo
	// LevelWarn emits WARN and ERROR messages.
	LevelWarn
	// LevelError emits only ERROR messages.
	LevelError
)

// ParseLevel converts a config string ("debug", "info", "warn", "error") into
// a Level.  Unknown strings return an error and LevelInfo.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("logger: unknown level %q", s)
}

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Logger is a structured, levelled logger.
//
// Thread-safety: zap loggers are safe for concurrent use, and the level is
// held in a zap.AtomicLevel shared by every child created with Named or With,
// so SetLevel on any of them affects the whole tree.
type Logger struct {
	z     *zap.Logger
	sugar *zap.SugaredLogger
	level zap.AtomicLevel
}

// New creates a Logger that writes JSON lines to stderr at the given minimum
// level.
func New(level Level) *Logger {
	return NewWithFormat(level, "json")
}

// NewWithFormat creates a Logger writing to stderr using either the "json" or
// the "console" encoder.
func NewWithFormat(level Level, format string) *Logger {
	atom := zap.NewAtomicLevelAt(level.zapLevel())

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	if format == "console" {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), atom)
	z := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	return &Logger{z: z, sugar: z.Sugar(), level: atom}
}

// NewNop returns a Logger that discards everything.  Intended for tests.
func NewNop() *Logger {
	z := zap.NewNop()
	return &Logger{z: z, sugar: z.Sugar(), level: zap.NewAtomicLevel()}
}

// FromZap wraps an existing zap logger.
func FromZap(z *zap.Logger) *Logger {
	return &Logger{z: z, sugar: z.Sugar(), level: zap.NewAtomicLevel()}
}

// SetLevel changes the minimum log level at runtime.  Safe for concurrent use.
func (l *Logger) SetLevel(level Level) {
	l.level.SetLevel(level.zapLevel())
}

// Named returns a child logger with name appended to the logger name.
func (l *Logger) Named(name string) *Logger {
	z := l.z.Named(name)
	return &Logger{z: z, sugar: z.Sugar(), level: l.level}
}

// With returns a child logger that always carries the given key/value pairs.
func (l *Logger) With(kv ...interface{}) *Logger {
	s := l.sugar.With(kv...)
	return &Logger{z: s.Desugar(), sugar: s, level: l.level}
}

// WithOptions returns a child logger with extra zap options, e.g. zap.Hooks.
func (l *Logger) WithOptions(opts ...zap.Option) *Logger {
	z := l.z.WithOptions(opts...)
	return &Logger{z: z, sugar: z.Sugar(), level: l.level}
}

// Zap exposes the underlying zap logger.
func (l *Logger) Zap() *zap.Logger { return l.z }

// Info logs a message at INFO level with optional key/value pairs.
func (l *Logger) Info(msg string, kv ...interface{}) { l.sugar.Infow(msg, kv...) }

// Infof logs a formatted message at INFO level.
func (l *Logger) Infof(format string, args ...interface{}) { l.sugar.Infof(format, args...) }

// Warn logs a message at WARN level with optional key/value pairs.
func (l *Logger) Warn(msg string, kv ...interface{}) { l.sugar.Warnw(msg, kv...) }

// Warnf logs a formatted message at WARN level.
func (l *Logger) Warnf(format string, args ...interface{}) { l.sugar.Warnf(format, args...) }

// Error logs a message at ERROR level with optional key/value pairs.
func (l *Logger) Error(msg string, kv ...interface{}) { l.sugar.Errorw(msg, kv...) }

// Errorf logs a formatted message at ERROR level.
func (l *Logger) Errorf(format string, args ...interface{}) { l.sugar.Errorf(format, args...) }

// Debug logs a message at DEBUG level with optional key/value pairs.
func (l *Logger) Debug(msg string, kv ...interface{}) { l.sugar.Debugw(msg, kv...) }

// Debugf logs a formatted message at DEBUG level.
func (l *Logger) Debugf(format string, args ...interface{}) { l.sugar.Debugf(format, args...) }

// Sync flushes buffered entries.  The error from syncing stderr on some
// platforms is not actionable and is dropped.
func (l *Logger) Sync() {
	_ = l.z.Sync()
}
