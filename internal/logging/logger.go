// Package logging builds the operational slog logger (with a TRACE level
// for per-batch detail) and the per-run JSONL training event trace.
package logging

import (
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// LevelTrace is a custom slog level below Debug for per-batch detail.
const LevelTrace = slog.LevelDebug - 4

// EventsFile is the name of the JSONL event trace inside a run directory.
const EventsFile = "events.jsonl"

// ParseLevel maps a string level name to a slog.Level.
// Supported values: "info", "debug", "trace" (case-insensitive).
// Unknown values default to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "trace":
		return LevelTrace
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a leveled slog.Logger writing to w.
func NewLogger(level string, w io.Writer) *slog.Logger {
	lvl := ParseLevel(level)
	opts := &slog.HandlerOptions{
		Level: lvl,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelTrace {
					a.Value = slog.StringValue("TRACE")
				}
			}
			return a
		},
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Discard returns a logger that drops everything. Components use it when
// constructed without a logger.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// OrDiscard returns l, or a discarding logger when l is nil.
func OrDiscard(l *slog.Logger) *slog.Logger {
	if l == nil {
		return Discard()
	}
	return l
}

// EventLogger appends one JSON object per training event to a run's
// events.jsonl: per-epoch losses and learning rate, checkpoint writes,
// learning-rate reductions, stop transitions and failed experiments.
// Trainers of one run share it, so writes are serialized. Methods on a nil
// *EventLogger do nothing, which is how tracing is switched off.
type EventLogger struct {
	mu   sync.Mutex
	file *os.File
}

// NewEventLogger opens dir/events.jsonl for append when level enables
// debug output, creating dir if needed. It returns nil at info level and
// when the file cannot be opened; training never fails because tracing is
// unavailable.
func NewEventLogger(dir string, level string) *EventLogger {
	if ParseLevel(level) >= slog.LevelInfo {
		return nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil
	}
	f, err := os.OpenFile(filepath.Join(dir, EventsFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil
	}
	return &EventLogger{file: f}
}

// Log records event with a UTC "time" stamp. Non-finite float values, such
// as the loss of a diverged epoch, are written as "NaN", "+Inf" or "-Inf".
// event itself is left untouched.
func (el *EventLogger) Log(event map[string]any) {
	if el == nil {
		return
	}

	line := make(map[string]any, len(event)+1)
	for k, v := range event {
		if f, ok := v.(float64); ok && (math.IsNaN(f) || math.IsInf(f, 0)) {
			v = strconv.FormatFloat(f, 'g', -1, 64)
		}
		line[k] = v
	}
	line["time"] = time.Now().UTC().Format(time.RFC3339Nano)

	data, err := json.Marshal(line)
	if err != nil {
		return
	}

	el.mu.Lock()
	defer el.mu.Unlock()
	if el.file != nil {
		el.file.Write(append(data, '\n'))
	}
}

// Close closes the underlying file. Safe to call on nil receiver.
func (el *EventLogger) Close() {
	if el == nil || el.file == nil {
		return
	}

	el.mu.Lock()
	defer el.mu.Unlock()

	el.file.Close()
	el.file = nil
}
