package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Level: "info", Format: "json", Output: &buf})
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("anomaly detected", zap.String("metric", "fps"))
	require.NoError(t, logger.Close())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "anomaly detected", entry["message"])
	assert.Equal(t, "fps", entry["metric"])
	assert.Contains(t, entry, "timestamp")
	assert.Contains(t, entry, "caller")
}

func TestNewTextLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Level: "debug", Format: "text", Output: &buf})
	require.NoError(t, err)

	logger.Debug("baseline restored", zap.Int("metrics", 3))
	assert.Contains(t, buf.String(), "debug")
	assert.Contains(t, buf.String(), "baseline restored")
	assert.False(t, json.Valid(bytes.TrimSpace(buf.Bytes())))
}

func TestSetLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Level: "warn", Output: &buf})
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, logger.Level())

	logger.Info("before")
	require.NoError(t, logger.SetLevel("info"))
	logger.Info("after")

	assert.NotContains(t, buf.String(), "before")
	assert.Contains(t, buf.String(), "after")

	assert.Error(t, logger.SetLevel("loud"))
	assert.Equal(t, zapcore.InfoLevel, logger.Level())
}

func TestInvalidConfig(t *testing.T) {
	_, err := New(Config{Level: "verbose"})
	assert.Error(t, err)

	_, err = New(Config{Format: "xml"})
	assert.Error(t, err)
}

func TestRotatingFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "perf.log")
	var buf bytes.Buffer
	logger, err := New(Config{
		Level:      "info",
		Format:     "text",
		FilePath:   path,
		MaxSizeMB:  1,
		MaxBackups: 1,
		MaxAgeDays: 1,
		Output:     &buf,
	})
	require.NoError(t, err)

	logger.Warn("listener panicked", zap.String("event_type", "anomaly"))
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &entry))
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "anomaly", entry["event_type"])
	assert.Contains(t, buf.String(), "listener panicked")
}
