// Package logx provides the structured logger used across geoguard.
// Call sites pass alternating key/value pairs after the message, which
// are rendered as logrus fields.
package logx

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger wraps a logrus logger with a fixed component field and a
// key/value convenience API.
type Logger struct {
	base      *logrus.Logger
	component string
}

// NewLogger creates a logger at the given level ("trace"|"debug"|"info"|
// "warn"|"error"). An empty component omits the component field.
func NewLogger(level, component string) *Logger {
	base := logrus.New()
	base.SetOutput(os.Stderr)
	base.SetFormatter(&logrus.JSONFormatter{})
	base.SetLevel(parseLevel(level))
	return &Logger{base: base, component: component}
}

// WithComponent returns a child logger tagged with the given component
// name, sharing the parent's output and level.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{base: l.base, component: component}
}

// SetOutput redirects log output, primarily for tests.
func (l *Logger) SetOutput(w io.Writer) {
	l.base.SetOutput(w)
}

func parseLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "trace":
		return logrus.TraceLevel
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

func (l *Logger) entry(keysAndValues ...interface{}) *logrus.Entry {
	fields := logrus.Fields{}
	if l.component != "" {
		fields["component"] = l.component
	}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			key = fmt.Sprintf("arg%d", i)
		}
		fields[key] = keysAndValues[i+1]
	}
	return l.base.WithFields(fields)
}

func (l *Logger) Trace(msg string, keysAndValues ...interface{}) {
	l.entry(keysAndValues...).Trace(msg)
}

func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.entry(keysAndValues...).Debug(msg)
}

func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.entry(keysAndValues...).Info(msg)
}

func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.entry(keysAndValues...).Warn(msg)
}

func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.entry(keysAndValues...).Error(msg)
}

// LogStateChange records a component state transition at info level.
func (l *Logger) LogStateChange(component, from, to, reason string, context map[string]interface{}) {
	fields := logrus.Fields{
		"state_component": component,
		"from":            from,
		"to":              to,
		"reason":          reason,
	}
	for k, v := range context {
		fields[k] = v
	}
	l.entry().WithFields(fields).Info("state_change")
}

// LogVerbose records a high-volume diagnostic event at debug level.
func (l *Logger) LogVerbose(event string, context map[string]interface{}) {
	fields := logrus.Fields{}
	for k, v := range context {
		fields[k] = v
	}
	l.entry().WithFields(fields).Debug(event)
}
