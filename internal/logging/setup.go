package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Options selects the logger's level, encoding and timestamp layout.
type Options struct {
	Level           string // debug, info, warn, error
	Format          string // json or text
	TimestampFormat string // rfc3339, rfc3339nano or unix
}

// ParseLevel maps a level name onto a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// New builds a logger writing to w, or stdout when w is nil. String
// attributes with sensitive keys are redacted at every nesting level.
func New(opts Options, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	level, err := ParseLevel(opts.Level)
	if err != nil {
		level = slog.LevelInfo
	}

	handlerOpts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: replaceAttr(opts.TimestampFormat),
	}

	var handler slog.Handler
	if strings.EqualFold(opts.Format, "text") {
		handler = slog.NewTextHandler(w, handlerOpts)
	} else {
		handler = slog.NewJSONHandler(w, handlerOpts)
	}
	return slog.New(handler)
}

func replaceAttr(timestampFormat string) func([]string, slog.Attr) slog.Attr {
	return func(groups []string, a slog.Attr) slog.Attr {
		if len(groups) == 0 && a.Key == slog.TimeKey && a.Value.Kind() == slog.KindTime {
			return formatTime(a, timestampFormat)
		}
		if a.Value.Kind() == slog.KindString && IsSensitiveField(a.Key) {
			if a.Value.String() == "" {
				return a
			}
			return slog.String(a.Key, MaskedValue)
		}
		return a
	}
}

func formatTime(a slog.Attr, layout string) slog.Attr {
	t := a.Value.Time().UTC()
	switch strings.ToLower(layout) {
	case "unix":
		return slog.Int64(a.Key, t.Unix())
	case "rfc3339nano":
		return slog.String(a.Key, t.Format(time.RFC3339Nano))
	default:
		return slog.String(a.Key, t.Format(time.RFC3339))
	}
}
