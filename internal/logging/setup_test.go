package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
		{"  debug  ", slog.LevelDebug},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseLevel(tt.input); got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON log: %v (output: %s)", err, buf.String())
	}
	return entry
}

func TestSetupWithConfig_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	SetupWithConfig("info", "json", &buf)

	slog.Info("bridge started", "tcp", "127.0.0.1:7531")

	entry := decodeLine(t, &buf)
	if entry["msg"] != "bridge started" {
		t.Errorf("msg = %v, want %q", entry["msg"], "bridge started")
	}
	if entry["tcp"] != "127.0.0.1:7531" {
		t.Errorf("tcp = %v", entry["tcp"])
	}
}

func TestSetupWithConfig_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	SetupWithConfig("info", "TEXT", &buf)

	slog.Info("hello text")

	if !strings.Contains(buf.String(), "hello text") {
		t.Errorf("text output should contain message, got: %s", buf.String())
	}
	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err == nil {
		t.Errorf("text format should not parse as JSON")
	}
}

func TestLevelVar_RuntimeChange(t *testing.T) {
	var buf bytes.Buffer
	SetupWithConfig("error", "json", &buf)

	slog.Info("before change")
	if buf.Len() > 0 {
		t.Errorf("INFO should be filtered at ERROR level")
	}

	Level.Set(slog.LevelDebug)

	slog.Debug("after change")
	if buf.Len() == 0 {
		t.Error("DEBUG should pass after level change to DEBUG")
	}
}

func TestSlogWriter_BridgesStdlib(t *testing.T) {
	var buf bytes.Buffer
	SetupWithConfig("info", "json", &buf)

	w := newSlogWriter(slog.Default())
	_, _ = w.Write([]byte("stdlib message\n"))

	entry := decodeLine(t, &buf)
	if entry["msg"] != "stdlib message" {
		t.Errorf("msg = %v, want %q", entry["msg"], "stdlib message")
	}
	if entry["source"] != "stdlib" {
		t.Errorf("source = %v, want %q", entry["source"], "stdlib")
	}
}

func TestBestEffort(t *testing.T) {
	var buf bytes.Buffer
	SetupWithConfig("info", "json", &buf)

	BestEffort("close pty", nil)
	if buf.Len() != 0 {
		t.Fatalf("nil error should not log, got %s", buf.String())
	}

	BestEffort("close pty", errors.New("bad file descriptor"), "terminalID", "pty-1")
	entry := decodeLine(t, &buf)
	if entry["level"] != "WARN" {
		t.Errorf("level = %v, want WARN", entry["level"])
	}
	if entry["op"] != "close pty" || entry["terminalID"] != "pty-1" {
		t.Errorf("unexpected attrs: %v", entry)
	}
	if entry["error"] != "bad file descriptor" {
		t.Errorf("error = %v", entry["error"])
	}
}

func TestComponent(t *testing.T) {
	var buf bytes.Buffer
	SetupWithConfig("info", "json", &buf)

	Component("registry").Info("ready")
	if entry := decodeLine(t, &buf); entry["component"] != "registry" {
		t.Errorf("component = %v", entry["component"])
	}
}
