package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"WARNING", slog.LevelWarn},
		{"warn", slog.LevelWarn},
		{"ERROR", slog.LevelError},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, parseLogLevel(tt.in))
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("TIMESKETCH_HOST", "")
	t.Setenv("TSIMPORT_RETRY_COUNT", "")
	t.Setenv("TSIMPORT_RETRY_BACKOFF", "")
	t.Setenv("LOGLEVEL", "")

	cfg := Load()
	assert.Equal(t, "http://localhost:5000", cfg.Host)
	assert.Equal(t, 5, cfg.RetryCount)
	assert.Equal(t, time.Second, cfg.RetryBackoff)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("TIMESKETCH_HOST", "https://ts.example.com")
	t.Setenv("TSIMPORT_RETRY_COUNT", "3")
	t.Setenv("TSIMPORT_RETRY_BACKOFF", "250ms")
	t.Setenv("LOGLEVEL", "DEBUG")

	cfg := Load()
	assert.Equal(t, "https://ts.example.com", cfg.Host)
	assert.Equal(t, 3, cfg.RetryCount)
	assert.Equal(t, 250*time.Millisecond, cfg.RetryBackoff)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
}

func TestLoadImportFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "import.yaml")
	content := `
host: https://ts.example.com
sketch_id: 7
timeline_name: evtx dump
message_format_string: '{user} logged in'
entry_threshold: 1000
wait: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	s, err := LoadImportFile(path)
	require.NoError(t, err)
	assert.Equal(t, "https://ts.example.com", s.Host)
	assert.Equal(t, 7, s.SketchID)
	assert.Equal(t, "evtx dump", s.TimelineName)
	assert.Equal(t, "{user} logged in", s.FormatString)
	assert.Equal(t, 1000, s.EntryThreshold)
	assert.True(t, s.Wait)
}

func TestLoadImportFileRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "import.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sketch: 1\n"), 0o644))

	_, err := LoadImportFile(path)
	require.Error(t, err)
}

func TestLoadImportFileEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "import.yaml")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	s, err := LoadImportFile(path)
	require.NoError(t, err)
	assert.Equal(t, ImportSettings{}, s)
}

func TestSetupLoggerWithWriters(t *testing.T) {
	var stderr, file bytes.Buffer
	logger := SetupLoggerWithWriters(&stderr, &file, slog.LevelWarn)

	logger.Info("hidden")
	logger.Warn("visible", "attempt", 1)

	assert.NotContains(t, stderr.String(), "hidden")
	assert.Contains(t, stderr.String(), "visible")
	assert.True(t, strings.HasPrefix(file.String(), "{"), "file output should be JSON")
	assert.Contains(t, file.String(), `"attempt":1`)
}

func TestLoggerRedactsSecrets(t *testing.T) {
	var stderr, file bytes.Buffer
	logger := SetupLoggerWithWriters(&stderr, &file, slog.LevelInfo)

	logger.Info("connecting", "host", "https://ts.example", "token", "s3cr3t", "Session_Cookie", "abc")

	for _, out := range []string{stderr.String(), file.String()} {
		assert.NotContains(t, out, "s3cr3t")
		assert.NotContains(t, out, "abc")
		assert.Contains(t, out, "[REDACTED]")
		assert.Contains(t, out, "https://ts.example")
	}
}
