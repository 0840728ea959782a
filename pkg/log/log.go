// Package log provides the process-wide structured logger.
//
// The orchestrator logs from many goroutines (timers, pollers, HTTP
// handlers), so the logger is a lazily initialized global rather than a
// value threaded through every constructor.
package log

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level controls logging verbosity.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Config holds logger configuration.
type Config struct {
	Level  Level
	Format string // "console" or "json"
}

// DefaultConfig returns the configuration used when Init was never called.
func DefaultConfig() Config {
	return Config{Level: LevelInfo, Format: "console"}
}

var (
	globalLogger *zap.SugaredLogger
	globalMu     sync.RWMutex
)

// Init installs the global logger. Safe to call more than once; the last
// call wins.
func Init(cfg Config) error {
	logger := build(cfg)

	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = logger
	return nil
}

// Get returns the global logger, initializing it with defaults if needed.
func Get() *zap.SugaredLogger {
	globalMu.RLock()
	logger := globalLogger
	globalMu.RUnlock()
	if logger != nil {
		return logger
	}

	// Build outside the lock, then re-check under it.
	built := build(DefaultConfig())

	globalMu.Lock()
	defer globalMu.Unlock()
	if globalLogger != nil {
		return globalLogger
	}
	globalLogger = built
	return globalLogger
}

func build(cfg Config) *zap.SugaredLogger {
	encCfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalColorLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var enc zapcore.Encoder
	if cfg.Format == "json" {
		encCfg.EncodeLevel = zapcore.LowercaseLevelEncoder
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.AddSync(os.Stderr), zapLevel(cfg.Level))
	return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1), zap.AddStacktrace(zapcore.ErrorLevel)).Sugar()
}

func zapLevel(l Level) zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelInfo:
		return zapcore.InfoLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Debug logs a debug message with structured key/value pairs.
func Debug(msg string, args ...interface{}) { Get().Debugw(msg, args...) }

// Debugf logs a formatted debug message.
func Debugf(template string, args ...interface{}) { Get().Debugf(template, args...) }

// Info logs an info message with structured key/value pairs.
func Info(msg string, args ...interface{}) { Get().Infow(msg, args...) }

// Infof logs a formatted info message.
func Infof(template string, args ...interface{}) { Get().Infof(template, args...) }

// Warn logs a warning with structured key/value pairs.
func Warn(msg string, args ...interface{}) { Get().Warnw(msg, args...) }

// Warnf logs a formatted warning.
func Warnf(template string, args ...interface{}) { Get().Warnf(template, args...) }

// Error logs an error with structured key/value pairs.
func Error(msg string, args ...interface{}) { Get().Errorw(msg, args...) }

// Errorf logs a formatted error.
func Errorf(template string, args ...interface{}) { Get().Errorf(template, args...) }

// Fatal logs a fatal message and exits.
func Fatal(msg string, args ...interface{}) { Get().Fatalw(msg, args...) }

// With returns a logger with additional bound fields.
func With(args ...interface{}) *zap.SugaredLogger { return Get().With(args...) }

// Sync flushes buffered entries.
func Sync() error {
	globalMu.RLock()
	logger := globalLogger
	globalMu.RUnlock()
	if logger != nil {
		return logger.Sync()
	}
	return nil
}

// Reset drops the global logger. Intended for tests.
func Reset() {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalLogger != nil {
		_ = globalLogger.Sync()
	}
	globalLogger = nil
}
