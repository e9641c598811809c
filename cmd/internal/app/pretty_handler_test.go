package app

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestStripANSI(t *testing.T) {
	t.Parallel()

	in := ansiBlue + "INFO" + ansiReset + " plain " + ansiRed + "ERR" + ansiReset
	got := stripANSI(in)
	want := "INFO plain ERR"
	if got != want {
		t.Fatalf("stripANSI()=%q want=%q", got, want)
	}
}

func TestPrettyHandler_PlainLine(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, false))

	log.With("document_id", "doc-1").Warn("http.request",
		"status", 404,
		"status_class", "4xx",
		"duration_ms", int64(12),
		"note", "two words",
	)

	line := buf.String()
	if strings.Contains(line, "\x1b[") {
		t.Fatalf("unexpected ANSI in plain output: %q", line)
	}
	for _, want := range []string{
		"lvl=[WARN]",
		"msg=http.request",
		"document_id=doc-1",
		"status=404",
		"class=4xx",
		"duration=12ms",
		`note="two words"`,
	} {
		if !strings.Contains(line, want) {
			t.Fatalf("missing %q in %q", want, line)
		}
	}
	if !strings.HasSuffix(line, "\n") {
		t.Fatalf("line must end with newline: %q", line)
	}
}

func TestPrettyHandler_ColorStripsToPlain(t *testing.T) {
	t.Parallel()

	var plain, colored bytes.Buffer
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	slog.New(newPrettyHandler(&plain, opts, false)).Error("session.evict", "result", "server_error", "method", "get")
	slog.New(newPrettyHandler(&colored, opts, true)).Error("session.evict", "result", "server_error", "method", "get")

	if !strings.Contains(colored.String(), ansiRed) {
		t.Fatalf("expected red in colored output: %q", colored.String())
	}

	// Timestamps differ between the two records; compare everything after them.
	cut := func(s string) string { return s[strings.Index(s, " lvl="):] }
	if got, want := cut(stripANSI(colored.String())), cut(plain.String()); got != want {
		t.Fatalf("colored=%q plain=%q", got, want)
	}
}

func TestPrettyHandler_LevelFilterAndGroups(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}, false))

	log.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info record must be filtered: %q", buf.String())
	}

	log.WithGroup("peer").Warn("link.closed", "id", "p1", slog.Group("queue", "len", 3))
	line := buf.String()
	for _, want := range []string{"peer.id=p1", "peer.queue.len=3"} {
		if !strings.Contains(line, want) {
			t.Fatalf("missing %q in %q", want, line)
		}
	}
}
