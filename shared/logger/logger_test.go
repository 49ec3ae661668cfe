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
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func decodeEntry(t *testing.T, output string) LogEntry {
	t.Helper()
	line := strings.TrimSpace(output)
	var entry LogEntry
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("Failed to parse JSON log: %v\nOutput: %s", err, output)
	}
	return entry
}

// TestNew tests logger initialization
func TestNew(t *testing.T) {
	tests := []struct {
		name           string
		instanceID     string
		expectedInstID string
	}{
		{name: "with instance ID set", instanceID: "instance-123", expectedInstID: "instance-123"},
		{name: "without instance ID", instanceID: "", expectedInstID: "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("INSTANCE_ID", tt.instanceID)

			l := New("council")

			if l.Component != "council" {
				t.Errorf("Expected component council, got %s", l.Component)
			}
			if l.InstanceID != tt.expectedInstID {
				t.Errorf("Expected instance ID %s, got %s", tt.expectedInstID, l.InstanceID)
			}
			if l.Container == "" {
				t.Error("Expected container to be set from hostname")
			}
		})
	}
}

// TestLogLevels tests all log level methods
func TestLogLevels(t *testing.T) {
	tests := []struct {
		name    string
		logFunc func(*Logger, string, string, string, map[string]interface{})
		level   LogLevel
	}{
		{name: "Info log", logFunc: (*Logger).Info, level: INFO},
		{name: "Error log", logFunc: (*Logger).Error, level: ERROR},
		{name: "Warn log", logFunc: (*Logger).Warn, level: WARN},
		{name: "Debug log", logFunc: (*Logger).Debug, level: DEBUG},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			l := NewWithWriter("test-component", &buf)
			l.SetLevel(DEBUG)

			tt.logFunc(l, "conv-1", "exec-1", "message", map[string]interface{}{"nodes": 3})

			entry := decodeEntry(t, buf.String())
			if entry.Level != tt.level {
				t.Errorf("Expected level %s, got %s", tt.level, entry.Level)
			}
			if entry.ConversationID != "conv-1" {
				t.Errorf("Expected conversation ID conv-1, got %s", entry.ConversationID)
			}
			if entry.ExecutionID != "exec-1" {
				t.Errorf("Expected execution ID exec-1, got %s", entry.ExecutionID)
			}
			if entry.Component != "test-component" {
				t.Errorf("Expected component test-component, got %s", entry.Component)
			}
			if _, err := time.Parse(time.RFC3339Nano, entry.Timestamp); err != nil {
				t.Errorf("Invalid timestamp format: %s", entry.Timestamp)
			}
			if n, ok := entry.Fields["nodes"].(float64); !ok || int(n) != 3 {
				t.Errorf("Expected nodes field 3, got %v", entry.Fields["nodes"])
			}
		})
	}
}

func TestLevelThreshold(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("cost", &buf)
	l.SetLevel(WARN)

	l.Info("", "", "dropped", nil)
	l.Debug("", "", "dropped", nil)
	if buf.Len() != 0 {
		t.Fatalf("expected no output below WARN, got %q", buf.String())
	}

	l.Warn("", "", "kept", nil)
	if !strings.Contains(buf.String(), "kept") {
		t.Errorf("expected WARN entry to be written, got %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"debug":   DEBUG,
		"WARN":    WARN,
		"warning": WARN,
		" error ": ERROR,
		"":        INFO,
		"verbose": INFO,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

// TestInfoWithDuration tests the InfoWithDuration helper method
func TestInfoWithDuration(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("council", &buf)
	l.SetLevel(INFO)

	l.InfoWithDuration("conv-1", "exec-1", "Execution completed", 1500*time.Microsecond, map[string]interface{}{
		"outcome": "completed",
	})

	entry := decodeEntry(t, buf.String())
	if entry.Fields["duration_ms"] != 1.5 {
		t.Errorf("Expected duration_ms 1.5, got %v", entry.Fields["duration_ms"])
	}
	if entry.Fields["outcome"] != "completed" {
		t.Errorf("Expected outcome field to be preserved, got %v", entry.Fields["outcome"])
	}
}

func TestErrorWithErr(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("gateway", &buf)

	l.ErrorWithErr("", "exec-9", "Node call failed", errors.New("upstream 503"), nil)

	entry := decodeEntry(t, buf.String())
	if entry.Level != ERROR {
		t.Errorf("Expected ERROR level, got %s", entry.Level)
	}
	if entry.Fields["error"] != "upstream 503" {
		t.Errorf("Expected error field, got %v", entry.Fields["error"])
	}
}

// TestJSONMarshalError tests behavior when JSON marshaling fails
func TestJSONMarshalError(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("council", &buf)

	l.Error("", "", "Test message", map[string]interface{}{
		"channel": make(chan int),
	})

	if !strings.Contains(buf.String(), "Failed to marshal log entry") {
		t.Error("Expected error message about JSON marshaling failure")
	}
}

func TestDiscard(t *testing.T) {
	l := Discard("council")
	l.Error("", "", "nothing happens", nil)
}
