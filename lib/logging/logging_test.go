package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"debug", DEBUG},
		{"INFO", INFO},
		{"warning", WARN},
		{"Error", ERROR},
		{"fatal", FATAL},
		{"", INFO},
		{"verbose", INFO},
	}

	for _, tt := range tests {
		if got := ParseLogLevel(tt.in); got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLevelFilteringAndFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(WARN, &buf)

	logger.Info("hidden")
	logger.Warn("visible", map[string]interface{}{"b": 2, "a": 1})

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("INFO line written at WARN level: %q", out)
	}
	if !strings.Contains(out, "[WARN] visible | a=1 b=2") {
		t.Errorf("unexpected line: %q", out)
	}
}

func TestGlobalLoggerReplace(t *testing.T) {
	var buf bytes.Buffer
	previous := GetLogger()
	SetLogger(NewWriterLogger(DEBUG, &buf))
	defer SetLogger(previous)

	Debugf("sweep removed %d events", 3)

	if !strings.Contains(buf.String(), "[DEBUG] sweep removed 3 events") {
		t.Errorf("unexpected output: %q", buf.String())
	}
}
