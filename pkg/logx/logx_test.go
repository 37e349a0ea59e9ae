package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero value should report IsZero")
	}
	l.Info("ignored", String("k", "v"))
	l.With(Int("n", 1)).Error("ignored")
}

func TestJSONFieldsAndWith(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := NewJSON(&buf, "debug").Named("scheduler").With(String("job", "a"))
	l.Warn("tick failed", Err(errors.New("boom")), Int64("chat", 42), Err(nil))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	for k, want := range map[string]any{
		"comp":    "scheduler",
		"job":     "a",
		"err":     "boom",
		"message": "tick failed",
		"level":   "warn",
	} {
		if m[k] != want {
			t.Fatalf("%s = %v, want %v", k, m[k], want)
		}
	}
	if m["chat"] != float64(42) {
		t.Fatalf("chat = %v, want 42", m["chat"])
	}
	if c, _ := m["caller"].(string); !strings.HasPrefix(c, "logx_test.go:") {
		t.Fatalf("caller = %q, want logx_test.go:<line>", c)
	}
}

func TestLevelFiltering(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := NewJSON(&buf, "warn")
	l.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info logged at warn level: %q", buf.String())
	}
	if l.Enabled(LevelDebug) {
		t.Fatal("debug should be disabled at warn level")
	}
	if !l.Enabled(LevelError) {
		t.Fatal("error should be enabled at warn level")
	}
}

func TestServiceApplyFileSink(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "bot.log")
	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})
	log.Info("first")

	svc.Apply(Config{Level: "error", File: FileConfig{Enabled: true, Path: path}})
	log.Info("second")
	log.Error("third")
	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	out := string(b)
	if !strings.Contains(out, "first") || !strings.Contains(out, "third") {
		t.Fatalf("missing expected lines: %q", out)
	}
	if strings.Contains(out, "second") {
		t.Fatalf("info line written after level raised: %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := map[string]zerolog.Level{
		"trace":   zerolog.TraceLevel,
		" DEBUG ": zerolog.DebugLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := ParseLevel(in, zerolog.InfoLevel); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
