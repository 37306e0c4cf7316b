// Package logger provides structured logging for the engine, backed by
// zerolog. Components receive a *Logger and attach their identifying fields
// once with With; per-event fields ride along on each call.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"example.com/h3engine/internal/config"
)

// LogFields carries structured key/value pairs on a log event.
type LogFields map[string]interface{}

// Logger wraps a zerolog.Logger behind the level methods the engine uses.
type Logger struct {
	zl zerolog.Logger
}

// NewLogger builds a Logger writing JSON lines to w at the configured level.
// A nil cfg means the default (INFO) level.
func NewLogger(w io.Writer, cfg *config.LoggingConfig) *Logger {
	level := zerolog.InfoLevel
	if cfg != nil {
		level = zerologLevel(cfg.LogLevel)
	}
	zl := zerolog.New(w).Level(level).With().Timestamp().Logger()
	return &Logger{zl: zl}
}

// NewDefaultLogger writes to stderr at INFO.
func NewDefaultLogger() *Logger {
	return NewLogger(os.Stderr, nil)
}

// NewDiscardLogger drops everything. Useful as a test default.
func NewDiscardLogger() *Logger {
	return &Logger{zl: zerolog.New(io.Discard).Level(zerolog.Disabled)}
}

func zerologLevel(l config.LogLevel) zerolog.Level {
	switch l {
	case config.LogLevelDebug:
		return zerolog.DebugLevel
	case config.LogLevelWarning:
		return zerolog.WarnLevel
	case config.LogLevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// With returns a child logger carrying fields on every subsequent event.
func (l *Logger) With(fields LogFields) *Logger {
	return &Logger{zl: l.zl.With().Fields(map[string]interface{}(fields)).Logger()}
}

func (l *Logger) Debug(msg string, fields ...LogFields) { l.emit(l.zl.Debug(), msg, fields) }
func (l *Logger) Info(msg string, fields ...LogFields)  { l.emit(l.zl.Info(), msg, fields) }
func (l *Logger) Warn(msg string, fields ...LogFields)  { l.emit(l.zl.Warn(), msg, fields) }
func (l *Logger) Error(msg string, fields ...LogFields) { l.emit(l.zl.Error(), msg, fields) }

func (l *Logger) emit(ev *zerolog.Event, msg string, fields []LogFields) {
	for _, f := range fields {
		ev = ev.Fields(map[string]interface{}(f))
	}
	ev.Msg(msg)
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
