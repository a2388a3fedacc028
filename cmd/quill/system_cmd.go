package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/quill/internal/api"
	"github.com/mattjoyce/quill/internal/lock"
	"github.com/mattjoyce/quill/internal/log"
	"github.com/mattjoyce/quill/internal/template"
	"github.com/mattjoyce/quill/internal/tui/watch"
)

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		printSystemNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printSystemNounHelp(os.Stdout)
		return 0
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "start":
		return runSystemStart(actionArgs)
	case "status":
		return runSystemStatus(actionArgs)
	case "watch":
		return runSystemWatch(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", action)
		return 1
	}
}

func printSystemNounHelp(w io.Writer) {
	fmt.Fprint(w, `Usage: quill system <action> [flags]

Actions:
  start [--config path]           Run the service and API server in the foreground
  status [--api url] [--json]     Show health of a running server
  watch [--api url] [--token t]   Live view of runs and events on a server
`)
}

func runSystemStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if _, err := parseArgs(fs, args); err != nil {
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	logger := log.WithComponent("main")
	logger.Info("quill starting", "version", version, "config", a.cfg.SourcePath, "state", a.cfg.State.Path)

	lockPath := lock.PathFor(a.cfg.State.Path)
	pidLock, err := lock.Acquire(lockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock", "path", lockPath, "error", err)
		_ = a.db.Close()
		return 1
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", lockPath)

	if err := importTemplatesDir(ctx, a); err != nil {
		logger.Error("template import failed", "dir", a.cfg.TemplatesDir, "error", err)
		_ = a.db.Close()
		return 1
	}

	g, gctx := errgroup.WithContext(ctx)
	if a.cfg.API.Enabled {
		server := api.New(apiConfig(a.cfg), a.svc, a.hub, log.WithComponent("api"))
		g.Go(func() error {
			if err := server.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("api: %w", err)
			}
			return nil
		})
		logger.Info("API server enabled", "listen", a.cfg.API.Listen)
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", "active_runs", len(a.svc.Active()))
		return nil
	})

	logger.Info("quill running (press Ctrl+C to stop)")
	err = g.Wait()
	a.Close()
	if err != nil {
		logger.Error("component failed", "error", err)
		return 1
	}
	logger.Info("quill stopped")
	return 0
}

// importTemplatesDir stores every template under the configured directory.
// A missing directory is not an error.
func importTemplatesDir(ctx context.Context, a *app) error {
	dir := a.cfg.TemplatesDir
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		log.Debug("templates directory not found, skipping import", "dir", dir)
		return nil
	}
	tmpls, err := template.LoadDir(dir)
	if err != nil {
		return err
	}
	for _, t := range tmpls {
		if _, err := a.svc.ImportTemplate(ctx, t); err != nil {
			return err
		}
		log.Info("template registered", "template", t.Key(), "steps", len(t.Steps))
	}
	return nil
}

func runSystemStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	apiURL := fs.String("api", "http://127.0.0.1:8080", "Base URL of a running quill server")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if _, err := parseArgs(fs, args); err != nil {
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h, err := newClient(*apiURL, "").health(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Server unreachable at %s: %v\n", *apiURL, err)
		return 1
	}
	if *jsonOut {
		return printJSON(h)
	}
	fmt.Printf("status: %s\n", h.Status)
	fmt.Printf("uptime: %s\n", (time.Duration(h.UptimeSeconds) * time.Second).String())
	fmt.Printf("active_runs: %d\n", h.ActiveRuns)
	fmt.Printf("events_dropped: %d\n", h.EventsDropped)
	return 0
}

func runSystemWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	apiURL := fs.String("api", "http://127.0.0.1:8080", "Base URL of a running quill server")
	token := fs.String("token", os.Getenv("QUILL_TOKEN"), "Bearer token with events:ro (default $QUILL_TOKEN)")
	if _, err := parseArgs(fs, args); err != nil {
		return 1
	}

	if _, err := tea.NewProgram(watch.New(*apiURL, *token)).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Watch failed: %v\n", err)
		return 1
	}
	return 0
}
