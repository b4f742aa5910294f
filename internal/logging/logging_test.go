package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestLogger_JSONFields(t *testing.T) {
	var buf bytes.Buffer
	logger := New("info", "json", &buf)

	logger.Info("pass finished", "pass", "pipelines", "rows", 3, "error", errors.New("boom"))

	entry := decode(t, &buf)
	assert.Equal(t, "pass finished", entry["msg"])
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "pipelines", entry["pass"])
	assert.EqualValues(t, 3, entry["rows"])
	assert.Equal(t, "boom", entry["error"])
}

func TestLogger_With(t *testing.T) {
	var buf bytes.Buffer
	logger := New("debug", "json", &buf).With("component", "reconciler")

	logger.Debug("tick", "dangling")

	entry := decode(t, &buf)
	assert.Equal(t, "reconciler", entry["component"])
	assert.Equal(t, "dangling", entry["!BADKEY"])
}

func TestLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := New("warn", "json", &buf)

	logger.Info("hidden")
	assert.Zero(t, buf.Len())

	logger.Warn("shown")
	assert.Equal(t, "warning", decode(t, &buf)["level"])
}

func TestLogger_InvalidLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := New("loud", "json", &buf)

	logger.Debug("hidden")
	assert.Zero(t, buf.Len())
	logger.Info("shown")
	assert.NotZero(t, buf.Len())
}

func TestLogger_LogError(t *testing.T) {
	var buf bytes.Buffer
	New("info", "json", &buf).LogError("services", "Submit", "create ticket", errors.New("rate limited"))

	entry := decode(t, &buf)
	assert.Equal(t, "rate limited", entry["msg"])
	assert.Equal(t, "services", entry["module"])
	assert.Equal(t, "Submit", entry["funcName"])
	assert.Equal(t, "create ticket", entry["context"])
}
