package logging

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestLoggerJSONFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithOutput(LevelInfo, FormatJSON, &buf)

	logger.WithFields(map[string]interface{}{"period": "weekly", "users": 3}).
		WithField("run_id", "r1").
		Info("period computed")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "info", lines[0]["level"])
	assert.Equal(t, "period computed", lines[0]["message"])
	assert.Equal(t, "weekly", lines[0]["period"])
	assert.Equal(t, "r1", lines[0]["run_id"])
	assert.EqualValues(t, 3, lines[0]["users"])
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithOutput(LevelWarn, FormatJSON, &buf)

	logger.Debug("hidden")
	logger.Info("hidden")
	logger.Warn("shown")
	logger.WithError(errors.New("provider down")).Error("enrichment failed")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "warn", lines[0]["level"])
	assert.Equal(t, "provider down", lines[1]["error"])
	assert.NotEmpty(t, lines[1]["caller"])
}

func TestLoggerDerivedDoesNotLeakFields(t *testing.T) {
	var buf bytes.Buffer
	base := NewLoggerWithOutput(LevelInfo, FormatJSON, &buf)
	_ = base.WithField("user", "alice")
	base.Info("plain")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	_, ok := lines[0]["user"]
	assert.False(t, ok)
}

func TestFromContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithOutput(LevelInfo, FormatJSON, &buf).WithField("component", "stats")
	ctx := WithLogger(context.Background(), logger)

	FromContext(ctx).Info("hello")
	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "stats", lines[0]["component"])

	assert.NotNil(t, FromContext(context.Background()))
}

func TestTextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithOutput(LevelInfo, FormatText, &buf)
	logger.WithField("kind", "monthly").Info("noop")
	assert.Contains(t, buf.String(), "noop")
	assert.Contains(t, buf.String(), "kind=monthly")
}

func TestParseLogLevelAndFormat(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLogLevel("debug"))
	assert.Equal(t, LevelWarn, ParseLogLevel("warning"))
	assert.Equal(t, LevelInfo, ParseLogLevel("nonsense"))
	assert.Equal(t, FormatText, ParseLogFormat("console"))
	assert.Equal(t, FormatJSON, ParseLogFormat("xml"))
}
