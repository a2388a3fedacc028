package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr string
		checkFn func(t *testing.T, cfg *Config)
	}{
		{
			name: "empty file gets defaults",
			yaml: ``,
			checkFn: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "quill", cfg.Service.Name)
				assert.Equal(t, "info", cfg.Service.LogLevel)
				assert.Equal(t, "./data/quill.db", cfg.State.Path)
				assert.Equal(t, 3, cfg.Engine.MaxConcurrentSteps)
				assert.Equal(t, 2*time.Minute, cfg.Engine.AttemptTimeout)
				assert.Equal(t, 256, cfg.Events.Buffer)
				assert.Equal(t, "echo", cfg.DefaultProvider)
				assert.Equal(t, ProviderEcho, cfg.Providers["echo"].Kind)
			},
		},
		{
			name: "full config",
			yaml: `
service:
  name: writer
  log_level: DEBUG
  log_format: text
state:
  path: ./state/w.db
engine:
  max_concurrent_steps: 5
  attempt_timeout: 45s
  persist_transitions: true
api:
  enabled: true
  listen: 0.0.0.0:9000
  auth:
    tokens:
      - token: ro-token
        scopes: ["runs:ro"]
templates_dir: ./pipelines
providers:
  openrouter:
    kind: openai
    api_key: sk-test
    base_url: https://openrouter.ai/api/v1
    model: anthropic/claude
default_provider: openrouter
`,
			checkFn: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "writer", cfg.Service.Name)
				assert.Equal(t, "debug", cfg.Service.LogLevel)
				assert.Equal(t, 5, cfg.Engine.MaxConcurrentSteps)
				assert.Equal(t, 45*time.Second, cfg.Engine.AttemptTimeout)
				assert.True(t, cfg.Engine.PersistTransitions)
				assert.Equal(t, "0.0.0.0:9000", cfg.API.Listen)
				require.Len(t, cfg.API.Auth.Tokens, 1)
				assert.Equal(t, "./pipelines", cfg.TemplatesDir)
				assert.Equal(t, "anthropic/claude", cfg.Providers["openrouter"].Model)
				_, hasEcho := cfg.Providers["echo"]
				assert.False(t, hasEcho, "default echo provider is not merged into explicit providers")
			},
		},
		{
			name: "env var interpolation",
			yaml: `
state:
  path: ${QUILL_TEST_DB}
providers:
  openai:
    kind: openai
    api_key: ${QUILL_TEST_KEY}
`,
			env: map[string]string{"QUILL_TEST_DB": "/tmp/q.db", "QUILL_TEST_KEY": "secret123"},
			checkFn: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "/tmp/q.db", cfg.State.Path)
				assert.Equal(t, "secret123", cfg.Providers["openai"].APIKey)
				assert.Equal(t, "openai", cfg.DefaultProvider, "single provider becomes the default")
			},
		},
		{
			name: "missing env var fails validation",
			yaml: `
providers:
  openai:
    kind: openai
    api_key: ${QUILL_TEST_UNSET_KEY}
`,
			wantErr: "${QUILL_TEST_UNSET_KEY} is not set",
		},
		{
			name:    "invalid log level",
			yaml:    "service:\n  log_level: loud\n",
			wantErr: "service.log_level",
		},
		{
			name:    "unknown field",
			yaml:    "service:\n  tick_interval: 60s\n",
			wantErr: "tick_interval",
		},
		{
			name: "unknown provider kind",
			yaml: `
providers:
  x:
    kind: carrier-pigeon
`,
			wantErr: "kind must be",
		},
		{
			name: "default provider must exist",
			yaml: `
providers:
  a: {kind: echo}
  b: {kind: echo}
default_provider: c
`,
			wantErr: "default_provider",
		},
		{
			name: "openai needs key or base url",
			yaml: `
providers:
  openai: {kind: openai}
`,
			wantErr: "api_key is required",
		},
		{
			name: "api token without scopes",
			yaml: `
api:
  enabled: true
  auth:
    tokens:
      - token: abc
`,
			wantErr: "scopes must be non-empty",
		},
		{
			name:    "negative concurrency",
			yaml:    "engine:\n  max_concurrent_steps: -1\n",
			wantErr: "max_concurrent_steps",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := writeConfig(t, t.TempDir(), "config.yaml", tt.yaml)

			cfg, err := Load(path)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			if tt.checkFn != nil {
				tt.checkFn(t, cfg)
			}
		})
	}
}

func TestLoadDirectoryResolvesConfigYAML(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "config.yaml", "service:\n  name: from-dir\n")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "from-dir", cfg.Service.Name)
	assert.Equal(t, filepath.Join(dir, "config.yaml"), cfg.SourcePath)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config file not found")
}

func TestLoadIncludesMergeSecrets(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "secrets.yaml", `
providers:
  openai:
    kind: openai
    api_key: sk-included
api:
  auth:
    api_key: admin-key
include: [config.yaml]
`)
	path := writeConfig(t, dir, "config.yaml", `
include: [secrets.yaml]
providers:
  local: {kind: echo}
default_provider: openai
api:
  enabled: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sk-included", cfg.Providers["openai"].APIKey)
	assert.Equal(t, ProviderEcho, cfg.Providers["local"].Kind)
	assert.Equal(t, "admin-key", cfg.API.Auth.APIKey)
}

func TestLoadIncludeDuplicateProvider(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "more.yaml", "providers:\n  local: {kind: echo}\n")
	path := writeConfig(t, dir, "config.yaml", "include: [more.yaml]\nproviders:\n  local: {kind: echo}\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "defined more than once")
}

func TestDiscoverConfigPathPrefersEnv(t *testing.T) {
	t.Setenv("QUILL_CONFIG", "/etc/quill/custom.yaml")
	p, err := DiscoverConfigPath()
	require.NoError(t, err)
	assert.Equal(t, "/etc/quill/custom.yaml", p)
}
