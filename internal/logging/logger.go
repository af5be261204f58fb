// Package logging provides the structured logging facade used across the
// scheduler daemon, the injected client, and nvsharectl.
package logging

import (
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps a zap.SugaredLogger with level support matching the rest
// of this codebase's logging conventions.
type Logger struct {
	sugar *zap.SugaredLogger
	level LogLevel
	mu    sync.Mutex
}

var (
	defaultLogger *Logger
	mu            sync.RWMutex
)

// LogLevel represents the available log levels.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l LogLevel) zapLevel() zapcore.Level {
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

// Config holds logging configuration.
type Config struct {
	Level  LogLevel
	Output io.Writer
}

// DefaultConfig returns a sensible default configuration. NVSHARE_DEBUG
// (non-empty) raises the default level to debug.
func DefaultConfig() *Config {
	level := LevelInfo
	if os.Getenv("NVSHARE_DEBUG") != "" {
		level = LevelDebug
	}
	return &Config{
		Level:  level,
		Output: os.Stderr,
	}
}

// NewLogger creates a new logger backed by zap.
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	output := config.Output
	if output == nil {
		output = os.Stderr
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderCfg),
		zapcore.AddSync(output),
		zap.NewAtomicLevelAt(config.Level.zapLevel()),
	)

	return &Logger{
		sugar: zap.New(core).Sugar(),
		level: config.Level,
	}
}

// Default returns the default logger, creating it if necessary.
func Default() *Logger {
	mu.RLock()
	if defaultLogger != nil {
		defer mu.RUnlock()
		return defaultLogger
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		defaultLogger = NewLogger(nil)
	}
	return defaultLogger
}

// SetDefault sets the default logger.
func SetDefault(logger *Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = logger
}

func (l *Logger) log(level LogLevel, msg string, args ...any) {
	if level < l.level {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	switch level {
	case LevelDebug:
		l.sugar.Debugw(msg, args...)
	case LevelWarn:
		l.sugar.Warnw(msg, args...)
	case LevelError:
		l.sugar.Errorw(msg, args...)
	default:
		l.sugar.Infow(msg, args...)
	}
}

func (l *Logger) Debug(msg string, args ...any) { l.log(LevelDebug, msg, args...) }
func (l *Logger) Info(msg string, args ...any)   { l.log(LevelInfo, msg, args...) }
func (l *Logger) Warn(msg string, args ...any)   { l.log(LevelWarn, msg, args...) }
func (l *Logger) Error(msg string, args ...any)  { l.log(LevelError, msg, args...) }

// Debugf, Infof, Warnf, Errorf are printf-style equivalents for call
// sites that build a single formatted string rather than key/value pairs.
func (l *Logger) Debugf(format string, args ...any) {
	if LevelDebug < l.level {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sugar.Debugf(format, args...)
}

func (l *Logger) Infof(format string, args ...any) {
	if LevelInfo < l.level {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sugar.Infof(format, args...)
}

func (l *Logger) Warnf(format string, args ...any) {
	if LevelWarn < l.level {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sugar.Warnf(format, args...)
}

func (l *Logger) Errorf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sugar.Errorf(format, args...)
}

// Printf is kept for call sites migrated from the stdlib-log-backed
// facade this one replaces.
func (l *Logger) Printf(format string, args ...any) {
	l.Infof(format, args...)
}

// Sync flushes any buffered log entries; call before process exit.
func (l *Logger) Sync() error {
	return l.sugar.Sync()
}

// Global convenience functions delegate to the default logger.
func Debug(msg string, args ...any) { Default().Debug(msg, args...) }
func Info(msg string, args ...any)  { Default().Info(msg, args...) }
func Warn(msg string, args ...any)  { Default().Warn(msg, args...) }
func Error(msg string, args ...any) { Default().Error(msg, args...) }
