package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":  slog.LevelDebug,
		" WARN ": slog.LevelWarn,
		"error":  slog.LevelError,
		"":       slog.LevelInfo,
		"chatty": slog.LevelInfo,
	}
	for raw, want := range cases {
		if got := ParseLevel(raw); got != want {
			t.Fatalf("ParseLevel(%q) = %s, want %s", raw, got, want)
		}
	}
}

func TestNewWithWriterTagsServiceAndFilters(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, "lyra-worker", slog.LevelWarn)
	log.Info("dropped")
	log.Warn("kept", "environment_id", "e1")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected a single JSON line, got %q: %v", buf.String(), err)
	}
	if entry["service"] != "lyra-worker" || entry["msg"] != "kept" || entry["environment_id"] != "e1" {
		t.Fatalf("unexpected entry %v", entry)
	}
}
