package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/nerrad567/casa-relay/internal/infrastructure/config"
)

func decodeEntries(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()

	var entries []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var e map[string]any
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("log line is not JSON: %q: %v", line, err)
		}
		entries = append(entries, e)
	}
	return entries
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input  string
		want   slog.Level
		wantOK bool
	}{
		{"debug", slog.LevelDebug, true},
		{"info", slog.LevelInfo, true},
		{"warn", slog.LevelWarn, true},
		{"warning", slog.LevelWarn, true},
		{"error", slog.LevelError, true},
		{" DEBUG ", slog.LevelDebug, true},
		{"", slog.LevelInfo, false},
		{"verbose", slog.LevelInfo, false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, ok := ParseLevel(tt.input)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("ParseLevel(%q) = (%v, %v), want (%v, %v)", tt.input, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestNewWithOptions_DefaultAttributes(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithOptions(config.LoggingConfig{Level: "info"}, Options{Version: "1.2.3", Writer: &buf})

	log.Info("session registered", "session_id", "s1")

	entries := decodeEntries(t, &buf)
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	e := entries[0]
	if e["service"] != DefaultService || e["version"] != "1.2.3" {
		t.Errorf("default attributes = service:%v version:%v", e["service"], e["version"])
	}
	if e["msg"] != "session registered" || e["session_id"] != "s1" {
		t.Errorf("entry = %v", e)
	}
}

func TestNewWithOptions_ServiceOverride(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithOptions(config.LoggingConfig{}, Options{Service: "casaagent", Writer: &buf})

	log.Info("dialing relay")

	e := decodeEntries(t, &buf)[0]
	if e["service"] != "casaagent" {
		t.Errorf("service = %v, want casaagent", e["service"])
	}
	if _, ok := e["version"]; ok {
		t.Error("version attribute should be omitted when empty")
	}
}

func TestNewWithOptions_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithOptions(config.LoggingConfig{Level: "warn"}, Options{Writer: &buf})

	log.Info("dropped")
	log.Warn("kept")

	entries := decodeEntries(t, &buf)
	if len(entries) != 1 || entries[0]["msg"] != "kept" {
		t.Errorf("entries = %v, want only the warn entry", entries)
	}
}

func TestNewWithOptions_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithOptions(config.LoggingConfig{Format: "TEXT"}, Options{Writer: &buf})

	log.Info("eviction", "reason", "closed")

	out := buf.String()
	if !strings.Contains(out, "msg=eviction") || !strings.Contains(out, "reason=closed") {
		t.Errorf("text output = %q", out)
	}
}

func TestLogger_Component(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithOptions(config.LoggingConfig{}, Options{Writer: &buf})

	child := log.Component("registry")
	if child == log {
		t.Fatal("Component() should return a new logger")
	}
	child.Info("index wiped")

	if got := decodeEntries(t, &buf)[0]["component"]; got != "registry" {
		t.Errorf("component = %v, want registry", got)
	}
}

func TestDefaultAndDiscard(t *testing.T) {
	if Default() == nil {
		t.Fatal("Default() returned nil")
	}

	d := Discard()
	if d.Enabled(context.Background(), slog.LevelWarn) {
		t.Error("Discard() should only enable error level")
	}
	d.Error("goes nowhere")
}
