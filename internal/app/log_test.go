package app

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestChronoshareHandler_Handle(t *testing.T) {
	ts := time.Date(2024, 6, 15, 14, 30, 45, 0, time.UTC)

	tests := []struct {
		name    string
		device  string
		level   slog.Level
		message string
		attrs   []slog.Attr
		want    string
	}{
		{
			name:    "basic info message",
			device:  "/alice/device1",
			level:   slog.LevelInfo,
			message: "file synced",
			want:    "2024-06-15T14:30:45Z\tINFO\t/alice/device1\tfile synced\n",
		},
		{
			name:    "debug level",
			device:  "/alice/device2",
			level:   slog.LevelDebug,
			message: "checking cache",
			want:    "2024-06-15T14:30:45Z\tDEBUG\t/alice/device2\tchecking cache\n",
		},
		{
			name:    "with record attrs",
			device:  "/bob/device1",
			level:   slog.LevelInfo,
			message: "recorded local update",
			attrs:   []slog.Attr{slog.String("filename", "docs/file.txt"), slog.Int("seq", 42)},
			want:    "2024-06-15T14:30:45Z\tINFO\t/bob/device1\trecorded local update\tfilename=docs/file.txt\tseq=42\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			h := &chronoshareHandler{w: &buf, device: tt.device}

			r := slog.NewRecord(ts, tt.level, tt.message, 0)
			for _, a := range tt.attrs {
				r.AddAttrs(a)
			}

			if err := h.Handle(context.Background(), r); err != nil {
				t.Fatalf("Handle() error = %v", err)
			}

			if got := buf.String(); got != tt.want {
				t.Errorf("Handle() output =\n%q\nwant:\n%q", got, tt.want)
			}
		})
	}
}

func TestChronoshareHandler_WithAttrs(t *testing.T) {
	var buf bytes.Buffer
	h := &chronoshareHandler{w: &buf, device: "/alice/device1"}

	h2 := h.WithAttrs([]slog.Attr{slog.String("component", "actionlog")}).(*chronoshareHandler)

	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r := slog.NewRecord(ts, slog.LevelInfo, "sync", 0)
	r.AddAttrs(slog.String("key", "abc"))

	if err := h2.Handle(context.Background(), r); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	got := buf.String()
	if !strings.Contains(got, "component=actionlog") {
		t.Errorf("expected pre-set attr component=actionlog, got: %q", got)
	}
	if !strings.Contains(got, "key=abc") {
		t.Errorf("expected record attr key=abc, got: %q", got)
	}
}

func TestChronoshareHandler_WithAttrs_doesNotMutateOriginal(t *testing.T) {
	var buf bytes.Buffer
	h := &chronoshareHandler{w: &buf, device: "/alice/device1", attrs: []slog.Attr{slog.String("a", "1")}}

	h2 := h.WithAttrs([]slog.Attr{slog.String("b", "2")}).(*chronoshareHandler)

	if len(h.attrs) != 1 {
		t.Errorf("original handler attrs modified: got %d, want 1", len(h.attrs))
	}
	if len(h2.attrs) != 2 {
		t.Errorf("new handler attrs: got %d, want 2", len(h2.attrs))
	}
}

func TestChronoshareHandler_Enabled(t *testing.T) {
	h := &chronoshareHandler{}
	for _, level := range []slog.Level{slog.LevelDebug, slog.LevelInfo, slog.LevelWarn, slog.LevelError} {
		if !h.Enabled(context.Background(), level) {
			t.Errorf("Enabled(%v) = false, want true", level)
		}
	}
}

func TestNewLogger(t *testing.T) {
	dir := t.TempDir()

	logger, f, err := newLogger(dir, "/alice/device1")
	if err != nil {
		t.Fatalf("newLogger() error = %v", err)
	}
	defer f.Close()

	if logger == nil {
		t.Fatal("newLogger() returned nil logger")
	}
	if f == nil {
		t.Fatal("newLogger() returned nil file")
	}
}
