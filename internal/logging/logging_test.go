package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"loud":    slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q)=%v want %v", in, got, want)
		}
	}
}

func TestNewFormats(t *testing.T) {
	var buf bytes.Buffer
	New("JSON", slog.LevelInfo, &buf).Info("rx_drained", "frames", 3)
	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("json output %q: %v", buf.String(), err)
	}
	if rec["msg"] != "rx_drained" || rec["frames"] != float64(3) {
		t.Fatalf("record %v", rec)
	}

	buf.Reset()
	l := New("text", slog.LevelWarn, &buf)
	l.Info("hidden")
	l.Warn("fault_state", "state", "error-passive")
	if out := buf.String(); strings.Contains(out, "hidden") || !strings.Contains(out, "state=error-passive") {
		t.Fatalf("text output %q", out)
	}
}

func TestSetIgnoresNil(t *testing.T) {
	prev := L()
	t.Cleanup(func() { Set(prev) })
	d := Discard()
	Set(d)
	Set(nil)
	if L() != d {
		t.Fatalf("nil replaced the logger")
	}
	if d.Enabled(context.Background(), slog.LevelError) {
		t.Fatalf("discard logger enabled")
	}
}
