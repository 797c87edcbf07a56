package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskflow/internal/config"
)

func TestInitLogger_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "taskflow.log")
	err := InitLogger(config.LogConfig{
		Level:    "info",
		Format:   "json",
		Output:   "file",
		FilePath: path,
	})
	require.NoError(t, err)

	l := Component("broker")
	l.Info().Str("workspace", "ws-1").Msg("hello")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"component":"broker"`)
	assert.Contains(t, string(data), `"workspace":"ws-1"`)
}

func TestInitLogger_BadLevel(t *testing.T) {
	err := InitLogger(config.LogConfig{Level: "loud"})
	assert.Error(t, err)
}
