package log

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/forgeline/foreman/internal/errors"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{"INFO", LevelInfo},
		{"warning", LevelWarn},
		{"ERROR", LevelError},
		{"bogus", LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelDebug, Format: FormatJSON, Output: NewOutput(&buf)})

	logger.WithThread("t-42").WithNode("generating").Info("node dispatched")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if entry["thread_id"] != "t-42" {
		t.Errorf("expected thread_id t-42, got %v", entry["thread_id"])
	}
	if entry["node_id"] != "generating" {
		t.Errorf("expected node_id generating, got %v", entry["node_id"])
	}
	if entry["msg"] != "node dispatched" {
		t.Errorf("expected message, got %v", entry["msg"])
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelWarn, Format: FormatText, Output: NewOutput(&buf)})

	logger.Debug("hidden")
	logger.Info("hidden too")
	logger.Warn("visible")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("expected debug/info suppressed, got %q", out)
	}
	if !strings.Contains(out, "visible") {
		t.Errorf("expected warn emitted, got %q", out)
	}
}

func TestWithError(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelDebug, Format: FormatJSON, Output: NewOutput(&buf)})

	err := errors.Wrap(errors.ErrCodeStoreStaleParent, "stale parent", fmt.Errorf("raced"))
	logger.WithError(err).Error("append rejected")

	var entry map[string]any
	if jerr := json.Unmarshal(buf.Bytes(), &entry); jerr != nil {
		t.Fatalf("output is not valid JSON: %v", jerr)
	}
	if entry["error_code"] != "STORE-001" {
		t.Errorf("expected error_code STORE-001, got %v", entry["error_code"])
	}
	if entry["cause"] != "raced" {
		t.Errorf("expected cause raced, got %v", entry["cause"])
	}
}

func TestDefaultLogger(t *testing.T) {
	SetDefaultLogger(nil)
	if DefaultLogger() == nil {
		t.Fatal("expected lazily initialized default logger")
	}

	custom := Development()
	SetDefaultLogger(custom)
	if DefaultLogger() != custom {
		t.Error("expected configured default logger to be returned")
	}
}
