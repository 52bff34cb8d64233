package model

import (
	"maps"
	"time"
)

// LogLevel is the severity of a job log entry.
type LogLevel string

const (
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LogEntry is one element of a job's append-only audit trail.
type LogEntry struct {
	Level     LogLevel       `json:"level"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewLogEntry builds an entry from alternating key/value pairs.
func NewLogEntry(level LogLevel, at time.Time, message string, kv ...any) LogEntry {
	e := LogEntry{Level: level, Message: message, Timestamp: at.UTC()}
	if len(kv) > 1 {
		e.Data = make(map[string]any, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			if k, ok := kv[i].(string); ok {
				e.Data[k] = kv[i+1]
			}
		}
	}
	return e
}

// Clone returns a copy whose data map is not shared.
func (e LogEntry) Clone() LogEntry {
	e.Data = maps.Clone(e.Data)
	return e
}

// ErrorRef records a terminal dispatch failure.
type ErrorRef struct {
	Message   string    `json:"message"`
	Stack     string    `json:"stack,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
