package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// chronoshareHandler is a custom slog.Handler that formats log records as:
//
//	<timestamp>\t<level>\t<device>\t<message>\t<key=value ...>
type chronoshareHandler struct {
	w      io.Writer
	device string
	attrs  []slog.Attr
}

func (h *chronoshareHandler) Enabled(_ context.Context, _ slog.Level) bool { return true }

func (h *chronoshareHandler) Handle(_ context.Context, r slog.Record) error {
	ts := r.Time.UTC().Format("2006-01-02T15:04:05Z")
	level := r.Level.String()

	_, err := fmt.Fprintf(h.w, "%s\t%s\t%s\t%s", ts, level, h.device, r.Message)
	if err != nil {
		return err
	}

	for _, a := range h.attrs {
		fmt.Fprintf(h.w, "\t%s=%v", a.Key, a.Value)
	}

	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(h.w, "\t%s=%v", a.Key, a.Value)
		return true
	})

	_, err = fmt.Fprintln(h.w)
	return err
}

func (h *chronoshareHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &chronoshareHandler{
		w:      h.w,
		device: h.device,
		attrs:  append(append([]slog.Attr{}, h.attrs...), attrs...),
	}
}

func (h *chronoshareHandler) WithGroup(string) slog.Handler { return h }

// newLogger creates a structured logger that writes to both
// logDir/chronoshare.log and stderr.
func newLogger(logDir string, device string) (*slog.Logger, *os.File, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("creating log directory: %w", err)
	}

	logPath := filepath.Join(logDir, "chronoshare.log")
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file: %w", err)
	}

	w := io.MultiWriter(f, os.Stderr)
	handler := &chronoshareHandler{w: w, device: device}
	return slog.New(handler), f, nil
}
