// Package obs provides the relay's logging and diagnostics surface.
package obs

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"
)

// LogLine is a single captured log record, exposed by /debug/logs.
type LogLine struct {
	Level   string         `json:"level"`
	Message string         `json:"msg"`
	Time    time.Time      `json:"ts"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// RingHandler is an slog.Handler that forwards to stderr and retains the
// last ringSize records in memory for operational inspection.
type RingHandler struct {
	inner     slog.Handler
	mu        sync.RWMutex
	ring      []LogLine
	ringSize  int
	ringPos   int
	ringCount int
	level     slog.Leveler
	attrs     []slog.Attr
	groups    []string
}

// NewRingHandler builds a RingHandler at the given level with a ring buffer
// of ringSize records (default 1000 when ringSize <= 0).
func NewRingHandler(level slog.Leveler, ringSize int) *RingHandler {
	if ringSize <= 0 {
		ringSize = 1000
	}
	return &RingHandler{
		inner:    slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
		ring:     make([]LogLine, ringSize),
		ringSize: ringSize,
		level:    level,
	}
}

func (h *RingHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *RingHandler) Handle(ctx context.Context, r slog.Record) error {
	if err := h.inner.Handle(ctx, r); err != nil {
		return err
	}

	attrs := make(map[string]any)
	prefix := groupPrefix(h.groups)
	for _, a := range h.attrs {
		attrs[prefix+a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs[prefix+a.Key] = a.Value.Any()
		return true
	})

	line := LogLine{
		Level:   r.Level.String(),
		Message: r.Message,
		Time:    r.Time,
		Attrs:   attrs,
	}

	h.mu.Lock()
	h.ring[h.ringPos] = line
	h.ringPos = (h.ringPos + 1) % h.ringSize
	if h.ringCount < h.ringSize {
		h.ringCount++
	}
	h.mu.Unlock()

	return nil
}

func (h *RingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &RingHandler{
		inner:     h.inner.WithAttrs(attrs),
		ring:      h.ring,
		ringSize:  h.ringSize,
		ringPos:   h.ringPos,
		ringCount: h.ringCount,
		level:     h.level,
		attrs:     append(append([]slog.Attr{}, h.attrs...), attrs...),
		groups:    h.groups,
	}
}

func (h *RingHandler) WithGroup(name string) slog.Handler {
	return &RingHandler{
		inner:     h.inner.WithGroup(name),
		ring:      h.ring,
		ringSize:  h.ringSize,
		ringPos:   h.ringPos,
		ringCount: h.ringCount,
		level:     h.level,
		attrs:     h.attrs,
		groups:    append(append([]string{}, h.groups...), name),
	}
}

// Recent returns up to n of the most recently captured log lines, newest last.
func (h *RingHandler) Recent(n int) []LogLine {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := h.ringCount
	if n > 0 && n < count {
		count = n
	}
	result := make([]LogLine, 0, count)
	start := h.ringPos - count
	for i := 0; i < count; i++ {
		idx := (start + i + h.ringSize) % h.ringSize
		result = append(result, h.ring[idx])
	}
	return result
}

func groupPrefix(groups []string) string {
	if len(groups) == 0 {
		return ""
	}
	prefix := ""
	for _, g := range groups {
		prefix += g + "."
	}
	return prefix
}

// LevelFromString maps a config/env log level string to an slog.Level,
// defaulting to Info for unrecognized values.
func LevelFromString(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
