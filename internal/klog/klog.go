// Package klog provides the kernel's structured logging output: a
// log/slog.Handler that formats records as single console lines instead of
// JSON, since a freestanding kernel's console has no JSON consumer
// attached to it. It is modeled on smoynes/elsie's internal/log package
// (itself "an exercise in learning about the slog module"), trimmed to a
// single-line-per-record format appropriate for a serial console rather
// than elsie's multi-line block format.
package klog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// LevelVar is the package's runtime-adjustable log level, mirroring
// elsie's log.LogLevel.
var LevelVar = &slog.LevelVar{}

// Handler formats slog.Record values as a single kernel-log line:
// "LEVEL message key=value ...", with attrs bound through WithAttrs (such
// as ForHart's hart=N) written before the record's own.
type Handler struct {
	mu    *sync.Mutex
	out   io.Writer
	attrs []slog.Attr
}

// NewHandler creates a Handler writing to out.
func NewHandler(out io.Writer) *Handler {
	return &Handler{mu: new(sync.Mutex), out: out}
}

// Enabled reports whether level is at or above the configured level.
func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= LevelVar.Level()
}

// Handle writes one formatted line per record.
func (h *Handler) Handle(_ context.Context, rec slog.Record) error {
	var line []byte
	line = append(line, rec.Level.String()...)
	line = append(line, ' ')
	line = fmt.Appendf(line, "%s", rec.Message)
	for _, a := range h.attrs {
		line = appendAttr(line, a)
	}
	rec.Attrs(func(a slog.Attr) bool {
		line = appendAttr(line, a)
		return true
	})
	line = append(line, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.out.Write(line)
	return err
}

func appendAttr(line []byte, a slog.Attr) []byte {
	a.Value = a.Value.Resolve()
	return fmt.Appendf(line, " %s=%v", a.Key, a.Value)
}

// WithAttrs returns a handler with additional attrs attached to every line.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &Handler{mu: h.mu, out: h.out, attrs: merged}
}

// WithGroup is unsupported; kernel log lines are flat.
func (h *Handler) WithGroup(_ string) slog.Handler { return h }

var defaultOnce sync.Once
var defaultLogger *slog.Logger

// SetOutput installs out as the destination for the default logger,
// typically the CharDevice-backed console once it is available; until
// SetOutput is called, Default's logger discards its output.
func SetOutput(out io.Writer) {
	defaultLogger = slog.New(NewHandler(out))
}

// Default returns the package-wide kernel logger.
func Default() *slog.Logger {
	defaultOnce.Do(func() {
		if defaultLogger == nil {
			defaultLogger = slog.New(NewHandler(io.Discard))
		}
	})
	return defaultLogger
}

// ForHart returns a logger with the hart id attached to every record, so
// concurrent harts' log lines are distinguishable on a shared console.
func ForHart(id int) *slog.Logger {
	return Default().With(slog.Int("hart", id))
}
