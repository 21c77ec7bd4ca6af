package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZeroLoggerIsNop(t *testing.T) {
	var l Logger
	assert.True(t, l.IsZero())
	l.Info("dropped", String("k", "v"))
}

func TestWriterLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, "debug").With(String("comp", "engine"))
	l.Warn("task.failed", Int("attempts", 1), Err(errors.New("boom")))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "warn", rec["level"])
	assert.Equal(t, "task.failed", rec["message"])
	assert.Equal(t, "engine", rec["comp"])
	assert.Equal(t, float64(1), rec["attempts"])
	assert.Equal(t, "boom", rec["err"])
	assert.Contains(t, rec["caller"], "logging_test.go")
}

func TestWriterLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, "warn")
	l.Debug("hidden")
	assert.Zero(t, buf.Len())
	assert.False(t, l.Enabled(LevelInfo))
	assert.True(t, l.Enabled(LevelError))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, parseLevel(" debug ", LevelInfo))
	assert.Equal(t, LevelWarn, parseLevel("WARNING", LevelInfo))
	assert.Equal(t, LevelInfo, parseLevel("nonsense", LevelInfo))
}
