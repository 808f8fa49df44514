package app

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStripANSI(t *testing.T) {
	t.Parallel()

	in := ansiBlue + "INFO" + ansiReset + " plain " + ansiRed + "ERR" + ansiReset
	if got := stripANSI(in); got != "INFO plain ERR" {
		t.Fatalf("stripANSI()=%q", got)
	}
}

func TestPrettyHandler_Line(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}, false))

	log.With("user_id", 42).Info("transport.state", slog.Group("conn", "to", "authenticated"), "err", errors.New("a b"))
	log.Debug("hidden")

	line := buf.String()
	require.Equal(t, 1, strings.Count(line, "\n"))
	require.Contains(t, line, "[INFO] transport.state")
	require.Contains(t, line, " user_id=42")
	require.Contains(t, line, " conn.to=authenticated")
	require.Contains(t, line, ` err="a b"`)
	require.NotContains(t, line, "\x1b[")
}

func TestPrettyHandler_Color(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, nil, true))
	log.Warn("transport.state", "state", "disconnected")

	out := buf.String()
	require.Contains(t, out, ansiYellow+"[WARN]"+ansiReset)
	require.Contains(t, out, "state="+ansiRed+"disconnected"+ansiReset)
	require.Contains(t, stripANSI(out), "[WARN] transport.state state=disconnected")
}

func TestQuoteIfNeeded(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"":         `""`,
		"plain":    "plain",
		"two word": `"two word"`,
		"k=v":      `"k=v"`,
	}
	for in, want := range cases {
		if got := quoteIfNeeded(in); got != want {
			t.Fatalf("quoteIfNeeded(%q)=%q want=%q", in, got, want)
		}
	}
}
