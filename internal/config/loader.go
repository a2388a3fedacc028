package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Load reads, merges and validates the configuration at configPath. A
// directory is resolved to its config.yaml.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	visited := map[string]bool{absPath: true}
	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, err
	}
	if err := loadIncludes(cfg, cfg.Include, filepath.Dir(absPath), visited); err != nil {
		return nil, err
	}
	cfg.SourcePath = absPath

	cfg = applyConfigDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DiscoverConfigPath returns the first config file found in the usual
// locations: $QUILL_CONFIG, ./quill.yaml, ./config.yaml, then
// ~/.config/quill/config.yaml.
func DiscoverConfigPath() (string, error) {
	if p := os.Getenv("QUILL_CONFIG"); p != "" {
		return p, nil
	}
	candidates := []string{"quill.yaml", "config.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "quill", "config.yaml"))
	}
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c, nil
		}
	}
	return "", fmt.Errorf("no config file found (tried %s)", strings.Join(candidates, ", "))
}

func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return parse(data, path)
}

func parse(data []byte, source string) (*Config, error) {
	interpolated := interpolateEnv(string(data))

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader([]byte(interpolated)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config %s: %w", source, err)
	}
	return &cfg, nil
}

// loadIncludes merges providers and API tokens from included files.
// Includes may nest; a file is read at most once.
func loadIncludes(cfg *Config, includes []string, baseDir string, visited map[string]bool) error {
	for _, inc := range includes {
		incPath := interpolateEnv(inc)
		if !filepath.IsAbs(incPath) {
			incPath = filepath.Join(baseDir, incPath)
		}
		incPath = filepath.Clean(incPath)
		if visited[incPath] {
			continue
		}
		visited[incPath] = true

		part, err := loadConfigFile(incPath)
		if err != nil {
			return fmt.Errorf("include %q: %w", inc, err)
		}
		if err := mergeInclude(cfg, part, incPath); err != nil {
			return err
		}
		if err := loadIncludes(cfg, part.Include, filepath.Dir(incPath), visited); err != nil {
			return err
		}
	}
	return nil
}

func mergeInclude(dst, src *Config, source string) error {
	if len(src.Providers) > 0 && dst.Providers == nil {
		dst.Providers = make(map[string]ProviderConf, len(src.Providers))
	}
	for name, p := range src.Providers {
		if _, dup := dst.Providers[name]; dup {
			return fmt.Errorf("provider %q defined more than once (again in %s)", name, source)
		}
		dst.Providers[name] = p
	}
	dst.API.Auth.Tokens = append(dst.API.Auth.Tokens, src.API.Auth.Tokens...)
	if src.API.Auth.APIKey != "" {
		if dst.API.Auth.APIKey != "" {
			return fmt.Errorf("api.auth.api_key defined more than once (again in %s)", source)
		}
		dst.API.Auth.APIKey = src.API.Auth.APIKey
	}
	return nil
}

// applyConfigDefaults merges default values into config where not explicitly set.
func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	cfg.Service.LogLevel = strings.ToLower(cfg.Service.LogLevel)
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}

	if cfg.State.Path == "" {
		cfg.State.Path = defaults.State.Path
	}

	if cfg.Engine.MaxConcurrentSteps == 0 {
		cfg.Engine.MaxConcurrentSteps = defaults.Engine.MaxConcurrentSteps
	}
	if cfg.Engine.AttemptTimeout == 0 {
		cfg.Engine.AttemptTimeout = defaults.Engine.AttemptTimeout
	}
	if cfg.Engine.ShutdownTimeout == 0 {
		cfg.Engine.ShutdownTimeout = defaults.Engine.ShutdownTimeout
	}

	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}
	if cfg.Events.Buffer == 0 {
		cfg.Events.Buffer = defaults.Events.Buffer
	}
	if cfg.TemplatesDir == "" {
		cfg.TemplatesDir = defaults.TemplatesDir
	}

	if len(cfg.Providers) == 0 {
		cfg.Providers = defaults.Providers
		if cfg.DefaultProvider == "" {
			cfg.DefaultProvider = defaults.DefaultProvider
		}
	}
	if cfg.DefaultProvider == "" && len(cfg.Providers) == 1 {
		for name := range cfg.Providers {
			cfg.DefaultProvider = name
		}
	}
	return cfg
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is so validation can name them.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

func unresolvedEnv(field, value string) error {
	if m := envVarPattern.FindStringSubmatch(value); len(m) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, m[1])
	}
	return nil
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if f := cfg.Service.LogFormat; f != "json" && f != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", f)
	}
	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}

	if cfg.Engine.MaxConcurrentSteps < 1 {
		return fmt.Errorf("engine.max_concurrent_steps must be at least 1 (got %d)", cfg.Engine.MaxConcurrentSteps)
	}
	if cfg.Engine.AttemptTimeout < 0 {
		return fmt.Errorf("engine.attempt_timeout must not be negative")
	}
	if cfg.Events.Buffer < 0 {
		return fmt.Errorf("events.buffer must not be negative")
	}

	if cfg.API.Enabled {
		if err := unresolvedEnv("api.auth.api_key", cfg.API.Auth.APIKey); err != nil {
			return err
		}
		for i, tok := range cfg.API.Auth.Tokens {
			field := fmt.Sprintf("api.auth.tokens[%d]", i)
			if tok.Token == "" {
				return fmt.Errorf("%s.token is required", field)
			}
			if err := unresolvedEnv(field+".token", tok.Token); err != nil {
				return err
			}
			if len(tok.Scopes) == 0 {
				return fmt.Errorf("%s.scopes must be non-empty", field)
			}
		}
	}

	names := make([]string, 0, len(cfg.Providers))
	for name := range cfg.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p := cfg.Providers[name]
		if strings.Contains(name, "/") {
			return fmt.Errorf("provider %q: name must not contain '/'", name)
		}
		switch p.Kind {
		case ProviderEcho:
		case ProviderOpenAI:
			if err := unresolvedEnv(fmt.Sprintf("provider %q: api_key", name), p.APIKey); err != nil {
				return err
			}
			if p.APIKey == "" && p.BaseURL == "" {
				return fmt.Errorf("provider %q: api_key is required unless base_url points at a local gateway", name)
			}
		default:
			return fmt.Errorf("provider %q: kind must be %s or %s (got %q)", name, ProviderOpenAI, ProviderEcho, p.Kind)
		}
	}
	if _, ok := cfg.Providers[cfg.DefaultProvider]; !ok {
		return fmt.Errorf("default_provider %q is not a configured provider (have %v)", cfg.DefaultProvider, names)
	}
	return nil
}
