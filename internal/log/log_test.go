package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"trace", zerolog.TraceLevel},
		{"debug", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"bogus", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestJSONLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	l := NewJSONLogger(&buf, "info")
	WithIdentity(l.With().Str("component", "mining").Logger(), "0xabc").Info().Str("outcome", "success").Msg("mining attempt")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v (%s)", err, buf.String())
	}
	for k, want := range map[string]string{
		"component": "mining",
		"identity":  "0xabc",
		"outcome":   "success",
		"message":   "mining attempt",
	} {
		if line[k] != want {
			t.Errorf("%s = %v, want %q", k, line[k], want)
		}
	}
}

func TestJSONLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := NewJSONLogger(&buf, "warn")
	l.Info().Msg("dropped")
	if buf.Len() != 0 {
		t.Errorf("info line written at warn level: %s", buf.String())
	}
	l.Warn().Msg("kept")
	if buf.Len() == 0 {
		t.Error("warn line was not written")
	}
}

func TestInit_File(t *testing.T) {
	file := t.TempDir() + "/seafloord.log"
	if err := Init("info", true, file); err != nil {
		t.Fatalf("Init() error: %v", err)
	}
	defer Init("info", false, "")
	Ledger.Info().Msg("hello")
	if Ledger.GetLevel() != zerolog.InfoLevel {
		t.Errorf("Ledger level = %v, want info", Ledger.GetLevel())
	}
}
