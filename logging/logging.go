// Package logging defines the logger the client writes to and adapters for
// log/slog and zap.
package logging

import (
	"log/slog"
	"strings"
	"sync/atomic"
)

// LogLevel represents the severity level for logging messages.
type LogLevel string

const (
	// LogLevelDebug is used for detailed information.
	LogLevelDebug LogLevel = "debug"
	// LogLevelInfo is used for general information messages.
	LogLevelInfo LogLevel = "info"
	// LogLevelWarn is used for warning conditions.
	LogLevelWarn LogLevel = "warn"
	// LogLevelError is used for error conditions.
	LogLevelError LogLevel = "error"
)

// ParseLevel normalizes a level name. Unknown names yield "".
func ParseLevel(s string) LogLevel {
	switch l := LogLevel(strings.ToLower(strings.TrimSpace(s))); l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return l
	case "warning":
		return LogLevelWarn
	}
	return ""
}

// SlogLevel converts l to a slog level. Unknown levels map to info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogLevelDebug:
		return slog.LevelDebug
	case LogLevelWarn:
		return slog.LevelWarn
	case LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Logger defines an interface for logging at different severity levels.
// *slog.Logger implements it.
type Logger interface {
	// Debug logs a message at debug level.
	Debug(msg string, args ...any)
	// Info logs a message at info level.
	Info(msg string, args ...any)
	// Warn logs a message at warning level.
	Warn(msg string, args ...any)
	// Error logs a message at error level.
	Error(msg string, args ...any)
}

// LogFunc returns the method of log matching level.
func LogFunc(level LogLevel, log Logger) func(msg string, args ...any) {
	switch level {
	case LogLevelDebug:
		return log.Debug
	case LogLevelWarn:
		return log.Warn
	case LogLevelError:
		return log.Error
	default:
		return log.Info
	}
}

type discard struct{}

func (discard) Debug(string, ...any) {}
func (discard) Info(string, ...any)  {}
func (discard) Warn(string, ...any)  {}
func (discard) Error(string, ...any) {}

// Discard drops every message.
var Discard Logger = discard{}

var defaultLogger atomic.Value

func init() {
	defaultLogger.Store(holder{slog.Default()})
}

type holder struct{ Logger }

// SetDefault sets the logger used when a config leaves Logger nil.
// slog.Default() is used by default.
func SetDefault(l Logger) {
	if l == nil {
		l = slog.Default()
	}
	defaultLogger.Store(holder{l})
}

// Default returns the logger set with SetDefault.
func Default() Logger {
	return defaultLogger.Load().(holder).Logger
}

// OrDefault returns l, or Default when l is nil.
func OrDefault(l Logger) Logger {
	if l == nil {
		return Default()
	}
	return l
}
