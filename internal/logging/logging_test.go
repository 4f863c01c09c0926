package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLoggerWithWriter_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(slog.LevelInfo, "text", &buf)

	logger.Info("job submitted", "item_id", 7)

	output := buf.String()
	if !strings.Contains(output, "job submitted") {
		t.Errorf("expected message in output, got: %s", output)
	}
	if !strings.Contains(output, "item_id=7") {
		t.Errorf("expected 'item_id=7' in output, got: %s", output)
	}
	if strings.Contains(output, "source=") {
		t.Errorf("info logger should not add source, got: %s", output)
	}
}

func TestNewLoggerWithWriter_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(slog.LevelInfo, "JSON", &buf)

	logger.Info("job submitted", "session_id", "s1")

	output := buf.String()
	if !strings.Contains(output, `"msg":"job submitted"`) {
		t.Errorf("expected JSON msg field in output, got: %s", output)
	}
	if !strings.Contains(output, `"session_id":"s1"`) {
		t.Errorf("expected JSON session_id field in output, got: %s", output)
	}
}

func TestNewLoggerWithWriter_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(slog.LevelWarn, "text", &buf)

	logger.Info("should not appear")
	logger.Warn("should appear")

	output := buf.String()
	if strings.Contains(output, "should not appear") {
		t.Errorf("INFO message should be filtered at WARN level, got: %s", output)
	}
	if !strings.Contains(output, "should appear") {
		t.Errorf("WARN message should appear at WARN level, got: %s", output)
	}
}

func TestNewLoggerWithWriter_DebugAddsSource(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(slog.LevelDebug, "text", &buf)
	child := logger.With("component", "runner")

	child.Debug("job status", "status", "in_progress")

	output := buf.String()
	if !strings.Contains(output, "component=runner") {
		t.Errorf("expected component in output, got: %s", output)
	}
	if !strings.Contains(output, "source=") {
		t.Errorf("expected source location at debug level, got: %s", output)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"info+2", slog.LevelInfo + 2},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if err != nil {
			t.Errorf("ParseLevel(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}

	if _, err := ParseLevel("loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestValidateFormat(t *testing.T) {
	if err := ValidateFormat("json"); err != nil {
		t.Errorf("json: %v", err)
	}
	if err := ValidateFormat("xml"); err == nil {
		t.Error("expected error for xml")
	}
}
