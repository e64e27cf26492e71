package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"", slog.LevelInfo, false},
		{"INFO", slog.LevelInfo, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseLevel(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	return m
}

func TestNew_JSONRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Options{Level: "info", Format: "json"}, &buf)

	logger.Info("alert sent", "channel", "telegram", "bot_token", "123:abc", "chain_id", "ethereum")

	m := decodeLine(t, &buf)
	if m["bot_token"] != MaskedValue {
		t.Errorf("bot_token = %v, want %q", m["bot_token"], MaskedValue)
	}
	if m["chain_id"] != "ethereum" {
		t.Errorf("chain_id = %v", m["chain_id"])
	}
	if strings.Contains(buf.String(), "123:abc") {
		t.Error("secret leaked into log output")
	}
}

func TestNew_RedactsInsideGroups(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Options{Format: "json"}, &buf)

	logger.Info("config", slog.Group("kafka", slog.String("sasl_password", "hunter2")))

	if strings.Contains(buf.String(), "hunter2") {
		t.Errorf("grouped secret leaked: %s", buf.String())
	}
}

func TestNew_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Options{Level: "warn", Format: "json"}, &buf)

	logger.Info("dropped")
	if buf.Len() != 0 {
		t.Errorf("info record written at warn level: %s", buf.String())
	}
	logger.Warn("kept")
	if buf.Len() == 0 {
		t.Error("warn record not written")
	}
}

func TestNew_TimestampFormats(t *testing.T) {
	t.Run("unix", func(t *testing.T) {
		var buf bytes.Buffer
		New(Options{Format: "json", TimestampFormat: "unix"}, &buf).Info("tick")

		m := decodeLine(t, &buf)
		ts, ok := m["time"].(float64)
		if !ok {
			t.Fatalf("time = %T %v, want number", m["time"], m["time"])
		}
		if d := time.Since(time.Unix(int64(ts), 0)); d < 0 || d > time.Minute {
			t.Errorf("unix time %v is not recent", ts)
		}
	})

	t.Run("rfc3339", func(t *testing.T) {
		var buf bytes.Buffer
		New(Options{Format: "json", TimestampFormat: "rfc3339"}, &buf).Info("tick")

		m := decodeLine(t, &buf)
		s, _ := m["time"].(string)
		if _, err := time.Parse(time.RFC3339, s); err != nil {
			t.Errorf("time %q is not RFC3339: %v", s, err)
		}
		if !strings.HasSuffix(s, "Z") {
			t.Errorf("time %q is not UTC", s)
		}
	})

	t.Run("rfc3339nano", func(t *testing.T) {
		var buf bytes.Buffer
		New(Options{Format: "json", TimestampFormat: "rfc3339nano"}, &buf).Info("tick")

		m := decodeLine(t, &buf)
		s, _ := m["time"].(string)
		if _, err := time.Parse(time.RFC3339Nano, s); err != nil {
			t.Errorf("time %q is not RFC3339Nano: %v", s, err)
		}
	})
}

func TestNew_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	New(Options{Format: "text"}, &buf).Info("scored", "score", 0.42)

	out := buf.String()
	if !strings.Contains(out, "level=INFO") || !strings.Contains(out, "score=0.42") {
		t.Errorf("text output = %q", out)
	}
}
