package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry), "output: %s", buf.String())
	return entry
}

func TestDispatcherLogger_Debug(t *testing.T) {
	var buf bytes.Buffer
	dl := NewDispatcherLogger(zerolog.New(&buf).Level(zerolog.DebugLevel))

	dl.Debug("handling event", "command", ":EVAL:", "args", 2)

	entry := decodeLine(t, &buf)
	assert.Equal(t, "debug", entry["level"])
	assert.Equal(t, "handling event", entry["message"])
	assert.Equal(t, ":EVAL:", entry["command"])
	assert.Equal(t, float64(2), entry["args"])
}

func TestDispatcherLogger_Info(t *testing.T) {
	var buf bytes.Buffer
	dl := NewDispatcherLogger(zerolog.New(&buf))

	dl.Info("registered", "command", ":SOURCE:LOAD:")

	entry := decodeLine(t, &buf)
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, ":SOURCE:LOAD:", entry["command"])
}

func TestDispatcherLogger_Error(t *testing.T) {
	var buf bytes.Buffer
	dl := NewDispatcherLogger(zerolog.New(&buf))

	dl.Error("event failed", "error", "boom")

	entry := decodeLine(t, &buf)
	assert.Equal(t, "error", entry["level"])
	assert.Equal(t, "boom", entry["error"])
}

func TestDispatcherLogger_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	dl := NewDispatcherLogger(zerolog.New(&buf).Level(zerolog.InfoLevel))

	dl.Debug("hidden")
	assert.Empty(t, buf.String())
}

func TestToFields(t *testing.T) {
	fields := toFields([]any{"a", 1, 2, "ignored", "dangling"})
	assert.Equal(t, map[string]any{"a": 1}, fields)
}

func TestNewConsoleDispatcherLogger(t *testing.T) {
	var buf bytes.Buffer
	dl := NewConsoleDispatcherLogger(&buf, "bogus")

	dl.Debug("filtered at info")
	dl.Info("queued", "command", ":EVAL:ALL:")

	out := buf.String()
	assert.NotContains(t, out, "filtered at info")
	assert.Contains(t, out, "queued")
	assert.Contains(t, out, "component=dispatcher")
	assert.Contains(t, out, "command=:EVAL:ALL:")
}
