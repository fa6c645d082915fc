package app

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

func TestLoadConfigDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.AppAddr)
	assert.Equal(t, 6, cfg.PropagationHorizon)
	assert.Equal(t, 3, cfg.PropagationBatchSize)
	assert.Equal(t, 2*time.Minute, cfg.PropagationLockTTL)
	assert.Equal(t, 50*time.Millisecond, cfg.RetryBaseDelay)
	assert.False(t, cfg.IsProduction())
}

func TestLoadConfigRejectsHorizon(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("PROPAGATION_HORIZON", "30")
	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "between 1 and 24")
}

func TestLoadConfigReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("APP_ENV=production\nRETRY_MAX_ATTEMPTS=7\n"), 0o600))
	// restore whatever godotenv writes into the process environment
	for _, key := range []string{"APP_ENV", "RETRY_MAX_ATTEMPTS"} {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, 7, cfg.RetryMaxAttempts)
}

func TestInTestMode(t *testing.T) {
	t.Setenv(testModeEnv, "1")
	assert.True(t, InTestMode())
	t.Setenv(testModeEnv, "0")
	assert.False(t, InTestMode())
}

func TestLoggerFormatAndLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&Config{LogFormat: "json", LogLevel: "warn"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown", slog.String("k", "v"))
	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.True(t, strings.HasPrefix(out, "{"))
	assert.Contains(t, out, `"k":"v"`)
}
