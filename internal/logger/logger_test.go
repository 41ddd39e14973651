package logger

import (
	"bytes"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestWithAddsComponent(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stdout)
	SetLevel("debug")
	defer SetLevel("info")

	With("risk", "symbol", "SPY").Info("admitted")
	Debugf("hello %d", 7)

	out := buf.String()
	assert.Contains(t, out, "component=risk")
	assert.Contains(t, out, "symbol=SPY")
	assert.Contains(t, out, "hello 7")
}
