package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func newTestLogger(t *testing.T) (*SlogLogger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	h := slog.NewTextHandler(&buf, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})
	l := slog.New(h)
	return NewSlogLogger(l), &buf
}

func TestSlogLogger_Levels_WriteExpectedOutput(t *testing.T) {
	log, buf := newTestLogger(t)
	ctx := context.Background()

	log.Debug(ctx, "debug msg", "k", "v")
	log.Info(ctx, "info msg", "count", 3)
	log.Warn(ctx, "warn msg")
	log.Error(ctx, "error msg", "err", "boom")

	out := buf.String()
	for _, want := range []string{
		"level=DEBUG", "debug msg", "k=v",
		"level=INFO", "info msg", "count=3",
		"level=WARN", "warn msg",
		"level=ERROR", "error msg", "err=boom",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestSlogLogger_With_AddsPermanentAttrs(t *testing.T) {
	log, buf := newTestLogger(t)
	child := log.With("component", "scheduler")

	child.Info(context.Background(), "tick")

	out := buf.String()
	if !strings.Contains(out, "component=scheduler") {
		t.Fatalf("child logger must carry its attrs, got:\n%s", out)
	}
}
