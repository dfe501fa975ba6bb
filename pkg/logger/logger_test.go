package logger

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warn"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestSetLevelFiltersOutput(t *testing.T) {
	var buf bytes.Buffer
	globalLogger = slog.New(newHandler(&buf, "json", false))
	t.Cleanup(func() { globalLogger = nil })

	SetLevel("warn")
	Info(context.Background(), "hidden")
	assert.Empty(t, buf.String())

	Warn(context.Background(), "visible", "k", "v")
	assert.Contains(t, buf.String(), `"msg":"visible"`)
	assert.Contains(t, buf.String(), `"k":"v"`)

	SetLevel("info")
	assert.Equal(t, slog.LevelInfo, Level())
}
