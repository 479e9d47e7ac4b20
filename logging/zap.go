package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type zapLogger struct {
	s *zap.SugaredLogger
}

// Zap adapts a zap logger. Arguments are passed as alternating keys and
// values, the same convention slog uses.
func Zap(l *zap.Logger) Logger {
	return zapLogger{s: l.WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

func (z zapLogger) Debug(msg string, args ...any) { z.s.Debugw(msg, args...) }
func (z zapLogger) Info(msg string, args ...any)  { z.s.Infow(msg, args...) }
func (z zapLogger) Warn(msg string, args ...any)  { z.s.Warnw(msg, args...) }
func (z zapLogger) Error(msg string, args ...any) { z.s.Errorw(msg, args...) }

// NewZap builds a production zap logger writing JSON to stderr at level.
func NewZap(level LogLevel) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel(level))
	cfg.Sampling = nil
	return cfg.Build()
}

func zapLevel(l LogLevel) zapcore.Level {
	switch l {
	case LogLevelDebug:
		return zapcore.DebugLevel
	case LogLevelWarn:
		return zapcore.WarnLevel
	case LogLevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
