package util

import (
	"fmt"

	"github.com/pion/logging"
)

// Logger is a scoped logger. Every message is prefixed with "[scope]" and
// routed through the pterm leveled functions above. It also satisfies
// logging.LeveledLogger so pion libraries (turn, stun) share the same sink.
type Logger struct {
	scope string
}

var _ logging.LeveledLogger = (*Logger)(nil)

// NewLogger returns a logger for the given scope, e.g. "ice" or "session".
func NewLogger(scope string) *Logger {
	return &Logger{scope: scope}
}

// With returns a child logger whose scope is appended, e.g. "session/4f1c".
func (l *Logger) With(sub string) *Logger {
	return &Logger{scope: l.scope + "/" + sub}
}

func (l *Logger) prefix(format string) string {
	return "[" + l.scope + "] " + format
}

func (l *Logger) Trace(msg string) { LogTrace("%s", l.prefix(msg)) }
func (l *Logger) Debug(msg string) { LogDebug("%s", l.prefix(msg)) }
func (l *Logger) Info(msg string)  { LogInfo("%s", l.prefix(msg)) }
func (l *Logger) Warn(msg string)  { LogWarning("%s", l.prefix(msg)) }
func (l *Logger) Error(msg string) { LogError("%s", l.prefix(msg)) }

func (l *Logger) Tracef(format string, args ...interface{}) { LogTrace(l.prefix(format), args...) }
func (l *Logger) Debugf(format string, args ...interface{}) { LogDebug(l.prefix(format), args...) }
func (l *Logger) Infof(format string, args ...interface{})  { LogInfo(l.prefix(format), args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { LogWarning(l.prefix(format), args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { LogError(l.prefix(format), args...) }

// LoggerFactory hands out scoped loggers to pion components.
type LoggerFactory struct {
	// Prefix is prepended to every scope requested by pion, e.g. "turn".
	Prefix string
}

var _ logging.LoggerFactory = LoggerFactory{}

// NewLogger implements logging.LoggerFactory.
func (f LoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	if f.Prefix != "" {
		scope = fmt.Sprintf("%s:%s", f.Prefix, scope)
	}
	return NewLogger(scope)
}
