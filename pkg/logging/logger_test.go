package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

// TestJSONLoggerOutput tests that log entries are valid JSON with the expected shape
func TestJSONLoggerOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf, InfoLevel)

	logger.Info("worker registered", WorkerID("shard-3"), PartitionID(3))

	var entry LogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output is not valid JSON: %v", err)
	}

	if entry.Level != "INFO" {
		t.Errorf("expected level INFO, got %s", entry.Level)
	}
	if entry.Message != "worker registered" {
		t.Errorf("unexpected message: %s", entry.Message)
	}
	if entry.Fields["worker_id"] != "shard-3" {
		t.Errorf("expected worker_id field, got %v", entry.Fields)
	}
}

// TestLevelFiltering tests that messages below the level are suppressed
func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf, WarnLevel)

	logger.Debug("suppressed")
	logger.Info("suppressed")
	logger.Warn("emitted")
	logger.Error("emitted")

	lines := strings.Count(buf.String(), "\n")
	if lines != 2 {
		t.Errorf("expected 2 log lines, got %d: %q", lines, buf.String())
	}
}

// TestWithFields tests that child loggers carry pre-set fields
func TestWithFields(t *testing.T) {
	var buf bytes.Buffer
	base := NewJSONLogger(&buf, InfoLevel)
	child := base.With(Component("reconciler"))

	child.Info("pass complete", Count(4))

	var entry LogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if entry.Fields["component"] != "reconciler" {
		t.Errorf("pre-set field missing: %v", entry.Fields)
	}
	if entry.Fields["count"] != float64(4) {
		t.Errorf("call-site field missing: %v", entry.Fields)
	}
}

// TestParseLevel tests level parsing round trips
func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", DebugLevel},
		{"INFO", InfoLevel},
		{"warning", WarnLevel},
		{"error", ErrorLevel},
		{"bogus", InfoLevel},
	}

	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
