package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestrohq/maestro/pkg/errors"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "maestro.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "ma:requests", cfg.Redis.RequestStream)
	assert.Equal(t, 120000, cfg.Personas.DefaultTimeoutMS)
	assert.Equal(t, 2, cfg.Personas.DefaultMaxRetries)
	assert.Equal(t, int64(256<<10), cfg.Policy.MaxFetchBytes)
	assert.Equal(t, "external_id", cfg.Engine.DuplicateMode)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
redis:
  addr: redis.internal:6379
  group_prefix: prod
personas:
  default_timeout_ms: 60000
  overrides:
    project-manager:
      unlimited_retries: true
    qa-engineer:
      timeout_ms: 300000
      max_retries: 5
policy:
  deny_hosts: [169.254.169.254, metadata.internal]
  allowed_languages: [go, python]
log:
  format: json
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "redis.internal:6379", cfg.Redis.Addr)
	assert.Equal(t, "prod", cfg.Redis.GroupPrefix)
	assert.Equal(t, "ma:events", cfg.Redis.EventStream, "unset keys keep defaults")
	assert.Equal(t, 60000, cfg.Personas.DefaultTimeoutMS)

	pm := cfg.Personas.Overrides["project-manager"]
	assert.True(t, pm.UnlimitedRetries)

	qa := cfg.Personas.Overrides["qa-engineer"]
	require.NotNil(t, qa.MaxRetries)
	assert.Equal(t, 5, *qa.MaxRetries)

	assert.Equal(t, []string{"169.254.169.254", "metadata.internal"}, cfg.Policy.DenyHosts)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadEnvOverridesToken(t *testing.T) {
	t.Setenv("MAESTRO_DASHBOARD_TOKEN", "env-token")
	path := writeConfig(t, "dashboard:\n  token: file-token\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "env-token", cfg.Dashboard.Token)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name  string
		yaml  string
		field string
	}{
		{"zero timeout", "personas:\n  default_timeout_ms: 0\n", "personas.default_timeout_ms"},
		{"bad log format", "log:\n  format: xml\n", "log.format"},
		{"bad duplicate strategy", "engine:\n  duplicate_strategy: fuzzy\n", "engine.duplicate_strategy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			var verr *errors.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}
