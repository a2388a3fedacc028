package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

func resetForTest() {
	logger = nil
	once = *new(sync.Once)
}

func TestSetupWriterLevel(t *testing.T) {
	resetForTest()
	defer resetForTest()

	var buf bytes.Buffer
	SetupWriter(&buf, "WARN", "json")
	if logger == nil {
		t.Fatal("Logger should not be nil")
	}

	Info("dropped")
	Warn("kept")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Errorf("info line should be filtered at WARN, got %q", out)
	}
	if !strings.Contains(out, "kept") {
		t.Errorf("warn line missing, got %q", out)
	}
}

func TestSetupWriterTextFormat(t *testing.T) {
	resetForTest()
	defer resetForTest()

	var buf bytes.Buffer
	SetupWriter(&buf, "info", "text")
	Info("hello", "k", "v")

	if !strings.Contains(buf.String(), "k=v") {
		t.Errorf("expected text handler output, got %q", buf.String())
	}
}

func TestParseLevelFallback(t *testing.T) {
	if got := parseLevel("nonsense"); got != slog.LevelInfo {
		t.Errorf("parseLevel(nonsense) = %v, want INFO", got)
	}
	if got := parseLevel("debug"); got != slog.LevelDebug {
		t.Errorf("parseLevel(debug) = %v, want DEBUG", got)
	}
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger = slog.New(slog.NewJSONHandler(&buf, nil))
	defer resetForTest()

	WithComponent("engine").Info("hello")

	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("Failed to decode JSON: %v", err)
	}
	if out["component"] != "engine" {
		t.Errorf("Expected component 'engine', got %v", out["component"])
	}
	if out["msg"] != "hello" {
		t.Errorf("Expected msg 'hello', got %v", out["msg"])
	}
}

func TestWithStep(t *testing.T) {
	var buf bytes.Buffer
	logger = slog.New(slog.NewJSONHandler(&buf, nil))
	defer resetForTest()

	WithStep("run-1", "outline").Info("step msg")

	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("Failed to decode JSON: %v", err)
	}
	if out["run_id"] != "run-1" {
		t.Errorf("Expected run_id 'run-1', got %v", out["run_id"])
	}
	if out["step_id"] != "outline" {
		t.Errorf("Expected step_id 'outline', got %v", out["step_id"])
	}
}
