package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWritesDefaultsWhenMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://notebooklm.google.com/", cfg.NotebookLM.BaseURL)
	assert.Equal(t, 3, cfg.Retry.StepAttempts)
	assert.Equal(t, 5000, cfg.Typing.ChunkSize)
	assert.Equal(t, 500*time.Millisecond, cfg.Typing.ChunkPause.Duration)
	assert.True(t, cfg.Browser.UseStealth())

	_, err = os.Stat(path)
	require.NoError(t, err, "default config should be written")

	again, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Timeouts.Workflow, again.Timeouts.Workflow)
	assert.Equal(t, cfg.Pipeline.Materials, again.Pipeline.Materials)
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[timeouts]
step = "45s"
manual_wait = "5m"

[typing]
chunk_size = 1000

[notebooklm]
language = "de"
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.Timeouts.Step.Duration)
	assert.Equal(t, 5*time.Minute, cfg.Timeouts.ManualWait.Duration)
	assert.Equal(t, 30*time.Second, cfg.Timeouts.Resolve.Duration)
	assert.Equal(t, 1000, cfg.Typing.ChunkSize)
	assert.Equal(t, "de", cfg.NotebookLM.Language)
	assert.Equal(t, "8080", cfg.Server.Port)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "key-from-env")
	t.Setenv("NOTEBOOKWING_HEADLESS", "true")
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[upstream]\ngemini_api_key = \"file-key\"\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "key-from-env", cfg.Upstream.GeminiAPIKey)
	assert.True(t, cfg.Browser.Headless)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"relative base url", func(c *Config) { c.NotebookLM.BaseURL = "notebooklm" }},
		{"step longer than workflow", func(c *Config) { c.Timeouts.Step = dur(time.Hour) }},
		{"poll longer than strategy share", func(c *Config) { c.Timeouts.PollInterval = dur(5 * time.Second) }},
		{"too many attempts", func(c *Config) { c.Retry.StepAttempts = 50 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	assert.NoError(t, Default().Validate())
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[timeouts]\nstep = \"soon\"\n"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}
