package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sort"

	"github.com/mattjoyce/quill/internal/api"
	"github.com/mattjoyce/quill/internal/auth"
	"github.com/mattjoyce/quill/internal/config"
	"github.com/mattjoyce/quill/internal/engine"
	"github.com/mattjoyce/quill/internal/events"
	"github.com/mattjoyce/quill/internal/log"
	"github.com/mattjoyce/quill/internal/provider"
	"github.com/mattjoyce/quill/internal/runner"
	"github.com/mattjoyce/quill/internal/service"
	"github.com/mattjoyce/quill/internal/storage"
	"github.com/mattjoyce/quill/internal/store"
	"github.com/mattjoyce/quill/internal/template"
)

// app is the wired service stack shared by every local command.
type app struct {
	cfg  *config.Config
	db   *sql.DB
	repo *store.SQLite
	hub  *events.Hub
	svc  *service.Service
}

// loadConfig loads configPath, or the discovered config, or the defaults
// when nothing is found.
func loadConfig(configPath string) (*config.Config, error) {
	if configPath == "" {
		discovered, err := config.DiscoverConfigPath()
		if err != nil {
			return config.Defaults(), nil
		}
		configPath = discovered
	}
	return config.Load(configPath)
}

func openApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	// stdout carries command output, so logs go to stderr.
	log.SetupWriter(os.Stderr, cfg.Service.LogLevel, cfg.Service.LogFormat)

	p, err := buildProvider(cfg)
	if err != nil {
		return nil, err
	}

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		return nil, fmt.Errorf("open state %s: %w", cfg.State.Path, err)
	}
	repo := store.NewSQLite(db)
	hub := events.NewHub(cfg.Events.Buffer)
	svc := service.New(repo, p, hub, service.Options{
		Engine: engine.Options{
			MaxConcurrentSteps: cfg.Engine.MaxConcurrentSteps,
			PersistTransitions: cfg.Engine.PersistTransitions,
		},
		Runner: runner.Options{AttemptTimeout: cfg.Engine.AttemptTimeout},
	})
	return &app{cfg: cfg, db: db, repo: repo, hub: hub, svc: svc}, nil
}

// Close drains the service and closes the database.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Engine.ShutdownTimeout)
	defer cancel()
	if err := a.svc.Shutdown(ctx); err != nil {
		log.Warn("shutdown did not drain cleanly", "error", err)
	}
	_ = a.db.Close()
}

// buildProvider routes model preferences over the configured backends.
func buildProvider(cfg *config.Config) (provider.Provider, error) {
	names := make([]string, 0, len(cfg.Providers))
	for name := range cfg.Providers {
		names = append(names, name)
	}
	sort.Strings(names)

	backends := make(map[string]provider.Provider, len(names))
	for _, name := range names {
		pc := cfg.Providers[name]
		switch pc.Kind {
		case config.ProviderEcho:
			backends[name] = &provider.Echo{Delay: pc.Delay}
		case config.ProviderOpenAI:
			p, err := provider.NewOpenAI(provider.OpenAIConfig{
				Name:    name,
				APIKey:  pc.APIKey,
				Model:   pc.Model,
				BaseURL: pc.BaseURL,
			})
			if err != nil {
				return nil, fmt.Errorf("provider %q: %w", name, err)
			}
			backends[name] = p
		default:
			return nil, fmt.Errorf("provider %q: unsupported kind %q", name, pc.Kind)
		}
	}
	return provider.NewRouter(backends, cfg.DefaultProvider)
}

func apiConfig(cfg *config.Config) api.Config {
	tokens := make([]auth.TokenConfig, 0, len(cfg.API.Auth.Tokens))
	for _, t := range cfg.API.Auth.Tokens {
		tokens = append(tokens, auth.TokenConfig{
			Token:  t.Token,
			Scopes: t.Scopes,
		})
	}
	return api.Config{
		Listen: cfg.API.Listen,
		APIKey: cfg.API.Auth.APIKey,
		Tokens: tokens,
	}
}

// loadTemplateArg loads a single file or every template in a directory.
func loadTemplateArg(path string) ([]*template.Template, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return template.LoadDir(path)
	}
	t, err := template.Load(path)
	if err != nil {
		return nil, err
	}
	return []*template.Template{t}, nil
}
