package app

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"expectline/internal/config"
	"expectline/internal/events"
)

func TestOpenWithDefaults(t *testing.T) {
	var logs bytes.Buffer
	rt, err := Open(context.Background(), Options{Workspace: t.TempDir(), LogOutput: &logs})
	require.NoError(t, err)
	defer rt.Close()

	assert.Equal(t, "expiration-sweeper", rt.Config.Expiration.SourceID)
	assert.IsType(t, events.NopPublisher{}, rt.Engine.Publisher)
	assert.Same(t, rt.Logger, rt.Engine.Logger)
}

func TestOpenReadsWorkspaceConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(config.Path(dir), []byte("expiration:\n  source_id: custom-expiry\nlogging:\n  format: json\n"), 0o644))
	var logs bytes.Buffer
	rt, err := Open(context.Background(), Options{Workspace: dir, LogOutput: &logs, LogLevel: "debug"})
	require.NoError(t, err)
	defer rt.Close()

	assert.Equal(t, "custom-expiry", rt.Config.Expiration.SourceID)
	assert.Equal(t, 60, rt.Config.ExpirationMinutes("DETECTION"))
	assert.Contains(t, logs.String(), `"msg":"migration applied"`)
}

func TestOpenRejectsBadConfigPath(t *testing.T) {
	_, err := Open(context.Background(), Options{Workspace: t.TempDir(), ConfigPath: filepath.Join(t.TempDir(), "missing.yml")})
	require.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
}
