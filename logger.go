package jrpc

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ErrorLogField is the key used for error fields in logs.
const ErrorLogField string = "error"

// Logger is the logging surface the engine writes to. Adapters for slog,
// logrus and zap are provided; NewNullLogger silences everything.
type Logger interface {
	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})

	WithFields(fields map[string]interface{}) Logger
	WithContext(ctx context.Context) Logger
	WithErr(err error) Logger
}

// NullLogger discards everything.
type NullLogger struct{}

// NewNullLogger creates a logger that does nothing.
func NewNullLogger() Logger { return &NullLogger{} }

func (l *NullLogger) Debug(args ...interface{})                {}
func (l *NullLogger) Info(args ...interface{})                 {}
func (l *NullLogger) Warn(args ...interface{})                 {}
func (l *NullLogger) Error(args ...interface{})                {}
func (l *NullLogger) WithFields(map[string]interface{}) Logger { return l }
func (l *NullLogger) WithContext(ctx context.Context) Logger   { return l }
func (l *NullLogger) WithErr(err error) Logger                 { return l }

// SlogLogger adapts the standard library's slog package.
type SlogLogger struct {
	logger *slog.Logger
}

// NewSlogLogger wraps the given slog.Logger, or slog.Default() when nil.
func NewSlogLogger(logger *slog.Logger) Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogLogger{logger: logger}
}

func (l *SlogLogger) Debug(args ...interface{}) { l.logger.Debug(fmt.Sprint(args...)) }
func (l *SlogLogger) Info(args ...interface{})  { l.logger.Info(fmt.Sprint(args...)) }
func (l *SlogLogger) Warn(args ...interface{})  { l.logger.Warn(fmt.Sprint(args...)) }
func (l *SlogLogger) Error(args ...interface{}) { l.logger.Error(fmt.Sprint(args...)) }

func (l *SlogLogger) WithFields(fields map[string]interface{}) Logger {
	attrs := make([]any, 0, len(fields))
	for k, v := range fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	return &SlogLogger{logger: l.logger.With(attrs...)}
}

func (l *SlogLogger) WithContext(ctx context.Context) Logger { return l }

func (l *SlogLogger) WithErr(err error) Logger {
	return &SlogLogger{logger: l.logger.With(slog.Any(ErrorLogField, err))}
}

// LogrusLogger adapts logrus.
type LogrusLogger struct {
	entry *logrus.Entry
}

// NewLogrusLogger wraps the given logrus.Logger, or the standard one when
// nil.
func NewLogrusLogger(logger *logrus.Logger) Logger {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LogrusLogger{entry: logrus.NewEntry(logger)}
}

func (l *LogrusLogger) Debug(args ...interface{}) { l.entry.Debug(args...) }
func (l *LogrusLogger) Info(args ...interface{})  { l.entry.Info(args...) }
func (l *LogrusLogger) Warn(args ...interface{})  { l.entry.Warn(args...) }
func (l *LogrusLogger) Error(args ...interface{}) { l.entry.Error(args...) }

func (l *LogrusLogger) WithFields(fields map[string]interface{}) Logger {
	return &LogrusLogger{entry: l.entry.WithFields(logrus.Fields(fields))}
}

func (l *LogrusLogger) WithContext(ctx context.Context) Logger {
	return &LogrusLogger{entry: l.entry.WithContext(ctx)}
}

func (l *LogrusLogger) WithErr(err error) Logger {
	return &LogrusLogger{entry: l.entry.WithError(err)}
}

// ZapLogger adapts uber-go/zap.
type ZapLogger struct {
	logger *zap.Logger
	sugar  *zap.SugaredLogger
}

// NewZapLogger wraps the given zap.Logger, or a production logger when nil.
func NewZapLogger(logger *zap.Logger) Logger {
	if logger == nil {
		logger, _ = zap.NewProduction()
	}
	return &ZapLogger{logger: logger, sugar: logger.Sugar()}
}

func (l *ZapLogger) Debug(args ...interface{}) { l.sugar.Debug(args...) }
func (l *ZapLogger) Info(args ...interface{})  { l.sugar.Info(args...) }
func (l *ZapLogger) Warn(args ...interface{})  { l.sugar.Warn(args...) }
func (l *ZapLogger) Error(args ...interface{}) { l.sugar.Error(args...) }

func (l *ZapLogger) WithFields(fields map[string]interface{}) Logger {
	zapFields := make([]zapcore.Field, 0, len(fields))
	for k, v := range fields {
		zapFields = append(zapFields, zap.Any(k, v))
	}
	next := l.logger.With(zapFields...)
	return &ZapLogger{logger: next, sugar: next.Sugar()}
}

func (l *ZapLogger) WithContext(ctx context.Context) Logger { return l }

func (l *ZapLogger) WithErr(err error) Logger {
	next := l.logger.With(zap.Error(err))
	return &ZapLogger{logger: next, sugar: next.Sugar()}
}
