package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	require.Equal(t, slog.LevelWarn, parseLevel(" warning "))
	require.Equal(t, slog.LevelError, parseLevel("error"))
	require.Equal(t, slog.LevelInfo, parseLevel(""))
	require.Equal(t, slog.LevelInfo, parseLevel("verbose"))
}

func TestInitWritesToFile(t *testing.T) {
	defer slog.SetDefault(slog.Default())

	path := filepath.Join(t.TempDir(), "logs", "node.log")
	closer, err := Init(Config{Level: "info", File: path, MaxSizeMB: 1, MaxBackups: 1})
	require.NoError(t, err)
	require.NotNil(t, closer)

	slog.Info("block committed", "number", 7)
	slog.Debug("filtered out")
	require.NoError(t, closer.Close())

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(content), "block committed"))
	require.False(t, strings.Contains(string(content), "filtered out"))
}

func TestInitWithoutFile(t *testing.T) {
	defer slog.SetDefault(slog.Default())

	closer, err := Init(Config{Level: "warn"})
	require.NoError(t, err)
	require.Nil(t, closer)
}
