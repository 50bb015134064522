package logging

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warning"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("bogus"))
}

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fogsched.log")
	logger, closer, err := New(Options{Level: "info", Format: "json", File: path})
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("fog task started", "task_id", "abc")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "fog task started", entry["msg"])
	assert.Equal(t, "abc", entry["task_id"])
}

func TestNewWithoutFile(t *testing.T) {
	logger, closer, err := New(Options{})
	require.NoError(t, err)
	require.NotNil(t, logger)
	assert.NoError(t, closer.Close())
}

func TestNewCustomOutput(t *testing.T) {
	var buf strings.Builder
	logger, _, err := New(Options{Level: "warn", Output: &buf})
	require.NoError(t, err)

	logger.Info("dropped")
	logger.Warn("tick skipped")
	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), "tick skipped")
}
