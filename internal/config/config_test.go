package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"expectline/internal/domain"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 3, cfg.Engine.MaxPassRetries)
	assert.Equal(t, "expiration-sweeper", cfg.Expiration.SourceID)
	assert.Equal(t, 60, cfg.ExpirationMinutes(domain.TypeDetection))
	assert.Equal(t, 0, cfg.ExpirationMinutes(domain.TypeText))
	assert.Equal(t, time.Minute, cfg.SweepInterval())
}

func TestFromYAMLKeepsDefaultsForMissingSections(t *testing.T) {
	cfg, err := FromYAML([]byte("logging:\n  level: debug\n  format: json\n"))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "/v1", cfg.Server.BasePath)
	assert.Equal(t, 60, cfg.ExpirationMinutes(domain.TypePrevention))
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"negative retries":   "engine:\n  max_pass_retries: -1\n",
		"human expiration":   "expiration:\n  minutes:\n    TEXT: 10\n",
		"zero minutes":       "expiration:\n  minutes:\n    DETECTION: 0\n",
		"bad interval":       "expiration:\n  interval: soon\n",
		"unknown level":      "logging:\n  level: loud\n",
		"unknown format":     "logging:\n  format: xml\n",
		"stream missing":     "publisher:\n  redis_url: redis://localhost:6379\n  stream: \"\"\n",
		"empty sweep source": "expiration:\n  source_id: \" \"\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadOptionalFallsBackToDefault(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	_, err = Load(dir)
	assert.ErrorContains(t, err, "xl config init")

	require.NoError(t, os.WriteFile(Path(dir), []byte("expiration:\n  interval: 30s\n"), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.SweepInterval())
}
