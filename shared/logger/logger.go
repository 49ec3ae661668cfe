// Copyright 2025 CouncilFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logger

import (
	"encoding/json"
	"io"
	"log"
	"os"
	"strings"
	"time"
)

// LogLevel represents the severity of a log entry
type LogLevel string

const (
	DEBUG LogLevel = "DEBUG"
	INFO  LogLevel = "INFO"
	WARN  LogLevel = "WARN"
	ERROR LogLevel = "ERROR"
)

var levelRank = map[LogLevel]int{
	DEBUG: 0,
	INFO:  1,
	WARN:  2,
	ERROR: 3,
}

// ParseLevel converts a LOG_LEVEL value into a LogLevel. Unknown values map to INFO.
func ParseLevel(s string) LogLevel {
	switch LogLevel(strings.ToUpper(strings.TrimSpace(s))) {
	case DEBUG:
		return DEBUG
	case WARN, "WARNING":
		return WARN
	case ERROR:
		return ERROR
	default:
		return INFO
	}
}

// Logger writes one JSON object per line, scoped to a component.
// Entries carry the conversation and execution they belong to so a single
// council run can be followed across concurrent node tasks.
type Logger struct {
	Component  string
	InstanceID string
	Container  string

	minLevel LogLevel
	out      *log.Logger
}

// LogEntry is the serialized form of a single log line
type LogEntry struct {
	Timestamp      string                 `json:"timestamp"`
	Level          LogLevel               `json:"level"`
	Component      string                 `json:"component"`
	InstanceID     string                 `json:"instance_id"`
	Container      string                 `json:"container"`
	ConversationID string                 `json:"conversation_id,omitempty"`
	ExecutionID    string                 `json:"execution_id,omitempty"`
	Message        string                 `json:"message"`
	Fields         map[string]interface{} `json:"fields,omitempty"`
}

// New creates a Logger for the component writing to stdout.
func New(component string) *Logger {
	return NewWithWriter(component, os.Stdout)
}

// NewWithWriter creates a Logger that writes to w instead of stdout.
func NewWithWriter(component string, w io.Writer) *Logger {
	instanceID := os.Getenv("INSTANCE_ID")
	if instanceID == "" {
		instanceID = "unknown"
	}

	container, err := os.Hostname()
	if err != nil {
		container = "unknown"
	}

	if w == nil {
		w = io.Discard
	}

	return &Logger{
		Component:  component,
		InstanceID: instanceID,
		Container:  container,
		minLevel:   ParseLevel(os.Getenv("LOG_LEVEL")),
		out:        log.New(w, "", 0),
	}
}

// Discard returns a Logger that drops everything. Handy in tests.
func Discard(component string) *Logger {
	return NewWithWriter(component, io.Discard)
}

// SetLevel changes the minimum level that gets written.
func (l *Logger) SetLevel(level LogLevel) {
	l.minLevel = level
}

// Enabled reports whether entries at level would be written.
func (l *Logger) Enabled(level LogLevel) bool {
	return levelRank[level] >= levelRank[l.minLevel]
}

// Log writes a structured entry
func (l *Logger) Log(level LogLevel, conversationID, executionID, message string, fields map[string]interface{}) {
	if !l.Enabled(level) {
		return
	}

	entry := LogEntry{
		Timestamp:      time.Now().UTC().Format(time.RFC3339Nano),
		Level:          level,
		Component:      l.Component,
		InstanceID:     l.InstanceID,
		Container:      l.Container,
		ConversationID: conversationID,
		ExecutionID:    executionID,
		Message:        message,
		Fields:         fields,
	}

	jsonBytes, err := json.Marshal(entry)
	if err != nil {
		l.out.Printf("ERROR: Failed to marshal log entry: %v", err)
		return
	}

	l.out.Println(string(jsonBytes))
}

// Info logs an informational message
func (l *Logger) Info(conversationID, executionID, message string, fields map[string]interface{}) {
	l.Log(INFO, conversationID, executionID, message, fields)
}

// Error logs an error message
func (l *Logger) Error(conversationID, executionID, message string, fields map[string]interface{}) {
	l.Log(ERROR, conversationID, executionID, message, fields)
}

// Warn logs a warning message
func (l *Logger) Warn(conversationID, executionID, message string, fields map[string]interface{}) {
	l.Log(WARN, conversationID, executionID, message, fields)
}

// Debug logs a debug message
func (l *Logger) Debug(conversationID, executionID, message string, fields map[string]interface{}) {
	l.Log(DEBUG, conversationID, executionID, message, fields)
}

// InfoWithDuration logs an info message with a duration_ms field
func (l *Logger) InfoWithDuration(conversationID, executionID, message string, d time.Duration, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["duration_ms"] = float64(d.Microseconds()) / 1000.0
	l.Info(conversationID, executionID, message, fields)
}

// ErrorWithErr logs an error entry carrying err under the "error" field
func (l *Logger) ErrorWithErr(conversationID, executionID, message string, err error, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	l.Error(conversationID, executionID, message, fields)
}
