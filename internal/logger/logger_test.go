package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   LevelDebug,
		"INFO":    LevelInfo,
		"warning": LevelWarn,
		"ERROR":   LevelError,
		"none":    LevelNone,
		"bogus":   LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLoggerWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	l, err := New(LevelDebug, path, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	l.Info("hello %s", "world")
	l.Debug("detail %d", 42)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	out := string(data)
	if !strings.Contains(out, "[INFO] hello world") {
		t.Errorf("missing info line, got: %s", out)
	}
	if !strings.Contains(out, "[DEBUG] detail 42") {
		t.Errorf("missing debug line, got: %s", out)
	}
}

func TestLoggerLevelFilter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	l, err := New(LevelWarn, path, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	l.Debug("dropped")
	l.Info("dropped too")
	l.Warn("kept")

	data, _ := os.ReadFile(path)
	out := string(data)
	if strings.Contains(out, "dropped") {
		t.Errorf("level filter leaked: %s", out)
	}
	if !strings.Contains(out, "kept") {
		t.Errorf("warn line missing: %s", out)
	}
}

func TestWithComponent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	l, err := New(LevelInfo, path, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	l.WithComponent("orchestrator").WithComponent("triage").Info("ping")

	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "[orchestrator:triage] ping") {
		t.Errorf("component prefix missing: %s", data)
	}
}

func TestDisabledLogger(t *testing.T) {
	l, err := New(LevelNone, "", false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// Must not panic or write anywhere.
	l.Error("ignored")
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
