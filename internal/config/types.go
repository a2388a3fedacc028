package config

import "time"

// Config represents the complete quill configuration.
type Config struct {
	Service         ServiceConfig           `yaml:"service"`
	State           StateConfig             `yaml:"state"`
	Engine          EngineConfig            `yaml:"engine"`
	API             APIConfig               `yaml:"api,omitempty"`
	Events          EventsConfig            `yaml:"events,omitempty"`
	TemplatesDir    string                  `yaml:"templates_dir"`
	Providers       map[string]ProviderConf `yaml:"providers"`
	DefaultProvider string                  `yaml:"default_provider,omitempty"`

	// Include lists extra files (relative to this one) whose providers and
	// API tokens are merged in. Used to keep secrets out of the main file.
	Include []string `yaml:"include,omitempty"`

	// SourcePath is the absolute path the config was loaded from.
	SourcePath string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// StateConfig defines state storage settings.
type StateConfig struct {
	Path string `yaml:"path"`
}

// EngineConfig tunes run orchestration.
type EngineConfig struct {
	MaxConcurrentSteps int           `yaml:"max_concurrent_steps"`
	AttemptTimeout     time.Duration `yaml:"attempt_timeout"`
	PersistTransitions bool          `yaml:"persist_transitions"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is the legacy single bearer token (admin/full access).
	// Prefer Tokens for scoped access.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// EventsConfig sizes the in-memory event hub.
type EventsConfig struct {
	Buffer int `yaml:"buffer"`
}

// Provider kinds.
const (
	ProviderOpenAI = "openai"
	ProviderEcho   = "echo"
)

// ProviderConf configures one generation backend.
type ProviderConf struct {
	Kind    string `yaml:"kind"`
	Model   string `yaml:"model,omitempty"`
	APIKey  string `yaml:"api_key,omitempty"`
	BaseURL string `yaml:"base_url,omitempty"`
	// Delay simulates latency for echo providers.
	Delay time.Duration `yaml:"delay,omitempty"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "quill",
			LogLevel:  "info",
			LogFormat: "json",
		},
		State: StateConfig{
			Path: "./data/quill.db",
		},
		Engine: EngineConfig{
			MaxConcurrentSteps: 3,
			AttemptTimeout:     2 * time.Minute,
			ShutdownTimeout:    30 * time.Second,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
		Events: EventsConfig{
			Buffer: 256,
		},
		TemplatesDir: "./templates",
		Providers: map[string]ProviderConf{
			"echo": {Kind: ProviderEcho},
		},
		DefaultProvider: "echo",
	}
}
