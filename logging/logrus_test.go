package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogrusWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New("debug", &buf).WithField("component", "sweeper")

	logger.Warn("job %s removed %d rows", "invitations", 3)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "warning", line["level"])
	assert.Equal(t, "job invitations removed 3 rows", line["msg"])
	assert.Equal(t, "sweeper", line["component"])
}

func TestLogrusRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New("warn", &buf)

	logger.Debug("hidden")
	logger.Info("hidden")
	assert.Zero(t, buf.Len())

	logger.Error("shown")
	assert.NotZero(t, buf.Len())
}

func TestLogrusUnknownLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := New("chatty", &buf)

	logger.Debug("hidden")
	assert.Zero(t, buf.Len())
	logger.Info("shown")
	assert.NotZero(t, buf.Len())
}
