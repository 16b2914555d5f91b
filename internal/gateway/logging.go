package gateway

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// levelTrace sits below slog's debug level; pion is very chatty at trace.
const levelTrace = slog.LevelDebug - 4

// SlogLoggerFactory routes pion's internal logging into slog. Every pion
// scope becomes a "scope" attribute.
type SlogLoggerFactory struct {
	Logger *slog.Logger
}

func (f SlogLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	l := f.Logger
	if l == nil {
		l = slog.Default()
	}
	return slogLogger{log: l.With("component", "pion", "scope", scope)}
}

type slogLogger struct {
	log *slog.Logger
}

func (l slogLogger) emit(level slog.Level, msg string) {
	l.log.Log(context.Background(), level, msg)
}

func (l slogLogger) Trace(msg string) { l.emit(levelTrace, msg) }
func (l slogLogger) Tracef(format string, args ...interface{}) {
	l.emit(levelTrace, fmt.Sprintf(format, args...))
}
func (l slogLogger) Debug(msg string) { l.emit(slog.LevelDebug, msg) }
func (l slogLogger) Debugf(format string, args ...interface{}) {
	l.emit(slog.LevelDebug, fmt.Sprintf(format, args...))
}
func (l slogLogger) Info(msg string) { l.emit(slog.LevelInfo, msg) }
func (l slogLogger) Infof(format string, args ...interface{}) {
	l.emit(slog.LevelInfo, fmt.Sprintf(format, args...))
}
func (l slogLogger) Warn(msg string) { l.emit(slog.LevelWarn, msg) }
func (l slogLogger) Warnf(format string, args ...interface{}) {
	l.emit(slog.LevelWarn, fmt.Sprintf(format, args...))
}
func (l slogLogger) Error(msg string) { l.emit(slog.LevelError, msg) }
func (l slogLogger) Errorf(format string, args ...interface{}) {
	l.emit(slog.LevelError, fmt.Sprintf(format, args...))
}
