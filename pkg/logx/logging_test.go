package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestZeroLoggerIsNoop(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatal("expected zero logger")
	}
	// Must not panic.
	l.Info("hello", String("k", "v"))
}

func TestJSONLoggerWritesFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewJSON(&buf, "debug").With(String("comp", "test"))
	l.Warn("job failed", String("job", "tick"), Uint64("panics", 3), Err(errors.New("boom")))

	line := strings.TrimSpace(buf.String())
	var m map[string]any
	if err := json.Unmarshal([]byte(line), &m); err != nil {
		t.Fatalf("unmarshal %q: %v", line, err)
	}
	if m["message"] != "job failed" {
		t.Fatalf("message = %v", m["message"])
	}
	if m["comp"] != "test" || m["job"] != "tick" || m["err"] != "boom" {
		t.Fatalf("unexpected fields: %v", m)
	}
	if m["panics"] != float64(3) {
		t.Fatalf("panics = %v", m["panics"])
	}
	if m["level"] != "warn" {
		t.Fatalf("level = %v", m["level"])
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewJSON(&buf, "warn")
	l.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("expected info to be filtered, got %q", buf.String())
	}
	if l.Enabled(LevelDebug) {
		t.Fatal("debug should be disabled at warn level")
	}
	if !l.Enabled(LevelError) {
		t.Fatal("error should be enabled at warn level")
	}
}

func TestNewConsoleIsLive(t *testing.T) {
	l := NewConsole("error")
	if l.IsZero() {
		t.Fatal("console logger reports zero")
	}
	// Below the level; must not panic or write.
	l.Debug("ignored", Int("n", 1))
}
