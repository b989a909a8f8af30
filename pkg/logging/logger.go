// Package logging provides the process-wide structured logger used by the
// supervisor, control surface, and exchange gateway for operational
// (non-per-bot) messages. Per-bot trade/debug logging lives in
// internal/botlog, which implements the same Logger interface over a
// bounded async queue.
package logging

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the structured logging interface implemented by both the global
// zap-backed logger here and the per-bot async logger in internal/botlog.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) Logger
	WithFields(fields map[string]interface{}) Logger
}

// ZapLogger implements Logger over a zap.Logger.
type ZapLogger struct {
	z *zap.Logger
}

// NewZapLogger builds a console-encoded, ISO-8601-timestamped zap logger at
// the given level, matching the teacher's pkg/logging.NewZapLogger.
func NewZapLogger(levelStr string) (*ZapLogger, error) {
	level, err := ParseLevel(levelStr)
	if err != nil {
		level = InfoLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.AddSync(os.Stdout),
		level.zapLevel(),
	)

	return &ZapLogger{z: zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))}, nil
}

func toZapFields(fields []interface{}) []zap.Field {
	out := make([]zap.Field, 0, len(fields)/2)
	for i := 0; i < len(fields); i += 2 {
		if i+1 >= len(fields) {
			break
		}
		key, ok := fields[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", fields[i])
		}
		out = append(out, zap.Any(key, fields[i+1]))
	}
	return out
}

func (l *ZapLogger) Debug(msg string, fields ...interface{}) { l.z.Debug(msg, toZapFields(fields)...) }
func (l *ZapLogger) Info(msg string, fields ...interface{})  { l.z.Info(msg, toZapFields(fields)...) }
func (l *ZapLogger) Warn(msg string, fields ...interface{})  { l.z.Warn(msg, toZapFields(fields)...) }
func (l *ZapLogger) Error(msg string, fields ...interface{}) { l.z.Error(msg, toZapFields(fields)...) }
func (l *ZapLogger) Fatal(msg string, fields ...interface{}) { l.z.Fatal(msg, toZapFields(fields)...) }

func (l *ZapLogger) WithField(key string, value interface{}) Logger {
	return &ZapLogger{z: l.z.With(zap.Any(key, value))}
}

func (l *ZapLogger) WithFields(fields map[string]interface{}) Logger {
	zf := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		zf = append(zf, zap.Any(k, v))
	}
	return &ZapLogger{z: l.z.With(zf...)}
}

// Sync flushes buffered log entries.
func (l *ZapLogger) Sync() error { return l.z.Sync() }

// Level is a logging threshold.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

func (lv Level) String() string {
	switch lv {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	case FatalLevel:
		return "FATAL"
	default:
		return "INFO"
	}
}

func (lv Level) zapLevel() zapcore.Level {
	switch lv {
	case DebugLevel:
		return zap.DebugLevel
	case InfoLevel:
		return zap.InfoLevel
	case WarnLevel:
		return zap.WarnLevel
	case ErrorLevel:
		return zap.ErrorLevel
	case FatalLevel:
		return zap.FatalLevel
	default:
		return zap.InfoLevel
	}
}

// ParseLevel parses a log level string.
func ParseLevel(level string) (Level, error) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return DebugLevel, nil
	case "INFO":
		return InfoLevel, nil
	case "WARN":
		return WarnLevel, nil
	case "ERROR":
		return ErrorLevel, nil
	case "FATAL":
		return FatalLevel, nil
	default:
		return InfoLevel, fmt.Errorf("invalid log level: %s", level)
	}
}
