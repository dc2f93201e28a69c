package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/austindbirch/logship/internal/tracing"
)

// LogLevel represents the severity of the log entry
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
	LevelFatal LogLevel = "fatal"
)

// LogEntry represents a structured log entry
type LogEntry struct {
	Time    time.Time      `json:"time"`
	Level   LogLevel       `json:"level"`
	Message string         `json:"msg"`
	Service string         `json:"service,omitempty"`
	TraceID string         `json:"trace_id,omitempty"`
	BatchID string         `json:"batch_id,omitempty"`
	Queue   string         `json:"queue,omitempty"`
	Fields  map[string]any `json:"fields,omitempty"`
}

var (
	outMu  sync.Mutex
	output io.Writer = os.Stdout
)

// SetOutput redirects every logger in the process. Passing nil restores stdout.
func SetOutput(w io.Writer) {
	outMu.Lock()
	defer outMu.Unlock()
	if w == nil {
		w = os.Stdout
	}
	output = w
}

// Logger provides structured logging with trace correlation
type Logger struct {
	service string
}

// New creates a new structured logger for the given service
func New(service string) *Logger {
	return &Logger{
		service: service,
	}
}

// Service returns the service name stamped on every entry.
func (l *Logger) Service() string {
	return l.service
}

// WithContext creates a log entry with trace correlation from context
func (l *Logger) WithContext(ctx context.Context) *LogEntry {
	entry := l.Plain()
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		entry.TraceID = traceID
	}
	return entry
}

// WithFields creates a log entry with arbitrary key-value pairs
func (l *Logger) WithFields(fields map[string]any) *LogEntry {
	return l.Plain().WithFields(fields)
}

// Plain creates a basic log entry without context
func (l *Logger) Plain() *LogEntry {
	return &LogEntry{
		Time:    time.Now().UTC(),
		Service: l.service,
		Fields:  make(map[string]any),
	}
}

// WithTraceID sets the trace ID for the log entry
func (e *LogEntry) WithTraceID(traceID string) *LogEntry {
	e.TraceID = traceID
	return e
}

// WithBatch sets the batch ID for the log entry
func (e *LogEntry) WithBatch(batchID string) *LogEntry {
	e.BatchID = batchID
	return e
}

// WithQueue sets the queue directory for the log entry
func (e *LogEntry) WithQueue(dir string) *LogEntry {
	e.Queue = dir
	return e
}

// WithField adds a single field to the log entry
func (e *LogEntry) WithField(key string, value any) *LogEntry {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

// WithFields adds multiple fields to the log entry
func (e *LogEntry) WithFields(fields map[string]any) *LogEntry {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	for k, v := range fields {
		e.Fields[k] = v
	}
	return e
}

// WithError adds an error field to the log entry
func (e *LogEntry) WithError(err error) *LogEntry {
	if err != nil {
		e.WithField("error", err.Error())
	}
	return e
}

// Debug logs at debug level
func (e *LogEntry) Debug(message string) {
	e.emit(LevelDebug, message)
}

// Debugf logs at debug level with formatting
func (e *LogEntry) Debugf(format string, args ...any) {
	e.emit(LevelDebug, fmt.Sprintf(format, args...))
}

// Info logs at info level
func (e *LogEntry) Info(message string) {
	e.emit(LevelInfo, message)
}

// Infof logs at info level with formatting
func (e *LogEntry) Infof(format string, args ...any) {
	e.emit(LevelInfo, fmt.Sprintf(format, args...))
}

// Warn logs at warn level
func (e *LogEntry) Warn(message string) {
	e.emit(LevelWarn, message)
}

// Warnf logs at warn level with formatting
func (e *LogEntry) Warnf(format string, args ...any) {
	e.emit(LevelWarn, fmt.Sprintf(format, args...))
}

// Error logs at error level
func (e *LogEntry) Error(message string) {
	e.emit(LevelError, message)
}

// Errorf logs at error level with formatting
func (e *LogEntry) Errorf(format string, args ...any) {
	e.emit(LevelError, fmt.Sprintf(format, args...))
}

// Fatal logs at fatal level and exits
func (e *LogEntry) Fatal(message string) {
	e.emit(LevelFatal, message)
	os.Exit(1)
}

// Fatalf logs at fatal level with formatting and exits
func (e *LogEntry) Fatalf(format string, args ...any) {
	e.emit(LevelFatal, fmt.Sprintf(format, args...))
	os.Exit(1)
}

func (e *LogEntry) emit(level LogLevel, message string) {
	e.Level = level
	e.Message = message
	e.output()
}

// output writes the log entry as a single JSON line
func (e *LogEntry) output() {
	if len(e.Fields) == 0 {
		e.Fields = nil
	}

	data, err := json.Marshal(e)

	outMu.Lock()
	defer outMu.Unlock()
	if err != nil {
		// Fallback to plain text if JSON marshaling fails
		fmt.Fprintf(os.Stderr, "logging error: %v\n", err)
		fmt.Fprintf(output, "%s [%s] %s\n", e.Time.Format(time.RFC3339), e.Level, e.Message)
		return
	}
	data = append(data, '\n')
	_, _ = output.Write(data)
}
