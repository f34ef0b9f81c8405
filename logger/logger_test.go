package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsBadLevel(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	assert.ErrorContains(t, err, "invalid log level")
}

func TestNewWritesJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	l, err := New(Config{Level: "debug", OutputPaths: []string{path}})
	require.NoError(t, err)

	l.Named("ring").Debug("ring write")
	require.NoError(t, l.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(data, &entry))
	assert.Equal(t, "ring write", entry["message"])
	assert.Equal(t, "debug", entry["level"])
	assert.Equal(t, "ring", entry["logger"])
}

func TestInitReplacesGlobal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "global.log")
	require.NoError(t, Init(Config{Level: "warn", OutputPaths: []string{path}}))

	Get().Info("dropped")
	Named("server").Warn("kept")
	require.NoError(t, Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "dropped")
	assert.Contains(t, string(data), "kept")
}
