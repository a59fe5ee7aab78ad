// Package logging provides the JSON structured logger shared by every radarcore component.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"gonum.org/v1/gonum/spatial/r2"

	"driftpursuit/radarcore/internal/config"
)

// ComponentField names the field carrying the emitting subsystem.
const ComponentField = "component"

var (
	globalMu     sync.RWMutex
	globalLogger = newNopLogger()
)

// Level represents log verbosity ordering.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

var levelNames = [...]string{"debug", "info", "warn", "error", "fatal"}

func (l Level) String() string {
	if l < DebugLevel || l > FatalLevel {
		return "info"
	}
	return levelNames[l]
}

// ParseLevel maps a configured level name onto a Level. Empty means info.
func ParseLevel(raw string) (Level, error) {
	name := strings.ToLower(strings.TrimSpace(raw))
	switch name {
	case "":
		return InfoLevel, nil
	case "warning":
		return WarnLevel, nil
	}
	for i, candidate := range levelNames {
		if candidate == name {
			return Level(i), nil
		}
	}
	return InfoLevel, fmt.Errorf("unknown log level %q", raw)
}

// Field represents a structured logging attribute.
type Field struct {
	Key   string
	Value any
}

// String returns a string field.
func String(key, value string) Field { return Field{Key: key, Value: value} }

// Strings returns a string slice field.
func Strings(key string, values []string) Field { return Field{Key: key, Value: values} }

// Int returns an int field.
func Int(key string, value int) Field { return Field{Key: key, Value: value} }

// Int64 returns an int64 field.
func Int64(key string, value int64) Field { return Field{Key: key, Value: value} }

// Uint64 returns an uint64 field.
func Uint64(key string, value uint64) Field { return Field{Key: key, Value: value} }

// Float64 returns a float64 field.
func Float64(key string, value float64) Field { return Field{Key: key, Value: value} }

// Duration returns a duration field rendered as a Go duration string.
func Duration(key string, value time.Duration) Field { return Field{Key: key, Value: value.String()} }

// Bool returns a bool field.
func Bool(key string, value bool) Field { return Field{Key: key, Value: value} }

// Vec returns a plane position rendered as [x, y].
func Vec(key string, value r2.Vec) Field { return Field{Key: key, Value: [2]float64{value.X, value.Y}} }

// Component tags entries with the emitting subsystem.
func Component(name string) Field { return Field{Key: ComponentField, Value: name} }

// Error returns an error field holding the message, since error values rarely marshal to JSON.
func Error(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

// syncWriter describes a writer that can flush to durable storage.
type syncWriter interface {
	io.Writer
	Sync() error
}

// Logger emits one JSON object per line. Derived loggers share the writer and its lock.
type Logger struct {
	mu     *sync.Mutex
	level  Level
	writer syncWriter
	fields map[string]any
	now    func() time.Time
}

// New constructs a JSON logger mirrored to stdout and, when a path is configured, to a rotating file.
// The logger also becomes the global fallback.
func New(cfg config.LoggingConfig) (*Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	sinks := teeWriter{os.Stdout}
	if strings.TrimSpace(cfg.Path) != "" {
		file, err := newRotatingWriter(cfg, time.Now)
		if err != nil {
			return nil, err
		}
		sinks = append(teeWriter{file}, sinks...)
	}
	logger := newLogger(sinks, level)
	logger.fields["service"] = "radarcore"
	ReplaceGlobals(logger)
	return logger, nil
}

// NewTestLogger returns a logger that discards output.
func NewTestLogger() *Logger {
	return newNopLogger()
}

// NewWriterLogger emits JSON lines to w at the given level.
func NewWriterLogger(w io.Writer, level Level) *Logger {
	return newLogger(teeWriter{nopSyncWriter{Writer: w}}, level)
}

func newNopLogger() *Logger {
	return newLogger(teeWriter{nopSyncWriter{Writer: io.Discard}}, DebugLevel)
}

func newLogger(w syncWriter, level Level) *Logger {
	return &Logger{mu: &sync.Mutex{}, level: level, writer: w, fields: make(map[string]any), now: time.Now}
}

// ReplaceGlobals swaps the fallback logger used when no logger is injected.
func ReplaceGlobals(logger *Logger) {
	if logger == nil {
		return
	}
	globalMu.Lock()
	globalLogger = logger
	globalMu.Unlock()
}

// L returns the current global logger.
func L() *Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// With augments the logger with additional structured fields.
func (l *Logger) With(fields ...Field) *Logger {
	if l == nil {
		return L().With(fields...)
	}
	clone := *l
	clone.fields = make(map[string]any, len(l.fields)+len(fields))
	for k, v := range l.fields {
		clone.fields[k] = v
	}
	for _, field := range fields {
		clone.fields[field.Key] = field.Value
	}
	return &clone
}

// Named derives a logger tagged with component.
func (l *Logger) Named(component string) *Logger {
	return l.With(Component(component))
}

// Enabled reports whether entries at level would be written.
func (l *Logger) Enabled(level Level) bool {
	if l == nil {
		return L().Enabled(level)
	}
	return level >= l.level
}

// Sync flushes buffered output to durable storage.
func (l *Logger) Sync() error {
	if l == nil || l.writer == nil {
		return nil
	}
	return l.writer.Sync()
}

// Debug logs a debug message.
func (l *Logger) Debug(message string, fields ...Field) { l.log(DebugLevel, message, fields...) }

// Info logs an informational message.
func (l *Logger) Info(message string, fields ...Field) { l.log(InfoLevel, message, fields...) }

// Warn logs a warning message.
func (l *Logger) Warn(message string, fields ...Field) { l.log(WarnLevel, message, fields...) }

// Error logs an error message.
func (l *Logger) Error(message string, fields ...Field) { l.log(ErrorLevel, message, fields...) }

// Fatal logs a fatal message and exits the process.
func (l *Logger) Fatal(message string, fields ...Field) { l.log(FatalLevel, message, fields...) }

func (l *Logger) log(level Level, message string, fields ...Field) {
	if l == nil {
		L().log(level, message, fields...)
		return
	}
	if level < l.level {
		return
	}
	//1.- Call-site fields override inherited ones; the envelope keys override both.
	payload := make(map[string]any, len(l.fields)+len(fields)+3)
	for k, v := range l.fields {
		payload[k] = v
	}
	for _, field := range fields {
		payload[field.Key] = field.Value
	}
	payload["timestamp"] = l.now().UTC().Format(time.RFC3339Nano)
	payload["level"] = level.String()
	payload["message"] = message
	data, err := json.Marshal(payload)
	if err != nil {
		data, _ = json.Marshal(map[string]any{"level": level.String(), "message": message, "log_error": err.Error()})
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.writer.Write(append(data, '\n'))
	if level == FatalLevel {
		_ = l.writer.Sync()
		os.Exit(1)
	}
}

// teeWriter writes every entry to each sink in order.
type teeWriter []syncWriter

func (t teeWriter) Write(p []byte) (int, error) {
	for _, w := range t {
		if _, err := w.Write(p); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

func (t teeWriter) Sync() error {
	var firstErr error
	for _, w := range t {
		if err := w.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

type nopSyncWriter struct {
	io.Writer
}

func (nopSyncWriter) Sync() error { return nil }
