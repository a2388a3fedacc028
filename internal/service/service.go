// Package service is the execution API used by the CLI and the HTTP server.
// It resolves templates, validates inputs, binds runners and hands runs to
// the engine. It holds no orchestration logic of its own.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/mattjoyce/quill/internal/engine"
	"github.com/mattjoyce/quill/internal/graph"
	"github.com/mattjoyce/quill/internal/log"
	"github.com/mattjoyce/quill/internal/pipeline"
	"github.com/mattjoyce/quill/internal/provider"
	"github.com/mattjoyce/quill/internal/retry"
	"github.com/mattjoyce/quill/internal/runner"
	"github.com/mattjoyce/quill/internal/template"
)

var (
	ErrMissingInput = errors.New("missing required input")
	ErrRunNotActive = errors.New("run is not active")
	ErrShuttingDown = errors.New("service is shutting down")
)

// Repository is the persistence surface the service needs.
type Repository interface {
	engine.Repository
	ListRuns(ctx context.Context, limit int) ([]pipeline.Run, error)
	SaveTemplate(ctx context.Context, tmpl *template.Template) error
	ListTemplates(ctx context.Context) ([]*template.Template, error)
}

type Options struct {
	Engine engine.Options
	Runner runner.Options
}

type Service struct {
	repo      Repository
	provider  provider.Provider
	publisher engine.Publisher
	graphs    *graph.Cache
	opts      Options
	logger    *slog.Logger

	// runCtx outlives callers' request contexts; abort cancels it.
	runCtx context.Context
	abort  context.CancelFunc

	mu       sync.Mutex
	active   map[string]*Handle
	closed   bool
	inFlight sync.WaitGroup
}

// New creates a service. publisher may be nil.
func New(repo Repository, p provider.Provider, pub engine.Publisher, opts Options) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		repo:      repo,
		provider:  p,
		publisher: pub,
		graphs:    graph.NewCache(),
		opts:      opts,
		logger:    log.WithComponent("service"),
		runCtx:    ctx,
		abort:     cancel,
		active:    make(map[string]*Handle),
	}
}

// Handle tracks one run executing in this process.
type Handle struct {
	RunID string

	exec       *engine.Execution
	cancel     chan struct{}
	cancelOnce sync.Once
}

func (h *Handle) Progress() <-chan pipeline.Progress { return h.exec.Progress() }

// Wait blocks until the run finishes and returns its final state.
func (h *Handle) Wait() (pipeline.Run, error) { return h.exec.Wait() }

func (h *Handle) Done() <-chan struct{} { return h.exec.Done() }

func (h *Handle) requestCancel() {
	h.cancelOnce.Do(func() { close(h.cancel) })
}

// Execute starts a run of the stored template templateRef ("id" or
// "id@version").
func (s *Service) Execute(ctx context.Context, templateRef string, inputs map[string]any) (*Handle, error) {
	tmpl, err := s.repo.FindTemplate(ctx, templateRef)
	if err != nil {
		return nil, err
	}
	return s.start(ctx, tmpl, pipeline.NewRun(tmpl, inputs))
}

// ExecuteTemplate starts a run of an in-memory template. The template is
// normalized if needed and recorded so the run can be retried later.
func (s *Service) ExecuteTemplate(ctx context.Context, tmpl *template.Template, inputs map[string]any) (*Handle, error) {
	if _, err := s.ImportTemplate(ctx, tmpl); err != nil {
		return nil, err
	}
	return s.start(ctx, tmpl, pipeline.NewRun(tmpl, inputs))
}

// Retry plans a new run from fromStepID of a finished run and starts it.
func (s *Service) Retry(ctx context.Context, runID, fromStepID string, skipFailed bool) (*Handle, error) {
	if s.isActive(runID) {
		return nil, fmt.Errorf("%w: %s", retry.ErrRunActive, runID)
	}
	orig, err := s.repo.FindRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	tmpl, err := s.repo.FindTemplate(ctx, orig.TemplateID+"@"+orig.TemplateVersion)
	if err != nil {
		return nil, err
	}
	g, err := s.graphs.Get(tmpl)
	if err != nil {
		return nil, err
	}
	next, err := retry.Plan(orig, g, fromStepID, skipFailed)
	if err != nil {
		return nil, err
	}
	s.logger.Info("retrying run", "run_id", runID, "new_run_id", next.ID, "from_step", fromStepID, "skip_failed", skipFailed)
	return s.start(ctx, tmpl, next)
}

func (s *Service) start(_ context.Context, tmpl *template.Template, run *pipeline.Run) (*Handle, error) {
	if err := checkInputs(tmpl, run.Inputs); err != nil {
		return nil, err
	}
	g, err := s.graphs.Get(tmpl)
	if err != nil {
		return nil, fmt.Errorf("template %s: %w", tmpl.Key(), err)
	}
	r, err := runner.Bind(tmpl, s.provider, s.opts.Runner)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrShuttingDown
	}

	h := &Handle{RunID: run.ID, cancel: make(chan struct{})}
	h.exec = engine.New(r, s.repo, s.publisher, s.opts.Engine).Execute(s.runCtx, run, g, h.cancel)
	s.active[run.ID] = h
	s.inFlight.Add(1)

	go func() {
		defer s.inFlight.Done()
		<-h.exec.Done()
		s.mu.Lock()
		delete(s.active, h.RunID)
		s.mu.Unlock()
	}()

	s.logger.Info("run submitted", "run_id", run.ID, "template", tmpl.Key())
	return h, nil
}

func checkInputs(tmpl *template.Template, inputs map[string]any) error {
	for _, name := range tmpl.Inputs {
		if _, ok := inputs[name]; !ok {
			return fmt.Errorf("%w: %q", ErrMissingInput, name)
		}
	}
	return nil
}

// Cancel requests cooperative cancellation of a run in this process.
func (s *Service) Cancel(runID string) error {
	s.mu.Lock()
	h, ok := s.active[runID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotActive, runID)
	}
	h.requestCancel()
	s.logger.Info("run cancellation requested", "run_id", runID)
	return nil
}

// Active returns IDs of runs executing in this process, sorted.
func (s *Service) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Service) isActive(runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[runID]
	return ok
}

// Shutdown refuses new runs, cancels active ones cooperatively and waits for
// them. When ctx expires first, in-flight provider calls are aborted and
// ctx.Err() is returned once runs have finished recording their state.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	handles := make([]*Handle, 0, len(s.active))
	for _, h := range s.active {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		h.requestCancel()
	}

	done := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.abort()
		return nil
	case <-ctx.Done():
		s.logger.Warn("shutdown deadline reached, aborting in-flight steps", "active", len(handles))
		s.abort()
		<-done
		return ctx.Err()
	}
}

// ImportTemplate normalizes, validates and stores tmpl.
func (s *Service) ImportTemplate(ctx context.Context, tmpl *template.Template) (*template.Template, error) {
	if tmpl.Fingerprint == "" {
		if err := tmpl.Normalize(); err != nil {
			return nil, err
		}
	}
	if _, err := s.graphs.Get(tmpl); err != nil {
		return nil, fmt.Errorf("template %s: %w", tmpl.Key(), err)
	}
	if err := s.repo.SaveTemplate(ctx, tmpl); err != nil {
		return nil, err
	}
	return tmpl, nil
}

func (s *Service) FindTemplate(ctx context.Context, ref string) (*template.Template, error) {
	return s.repo.FindTemplate(ctx, ref)
}

func (s *Service) ListTemplates(ctx context.Context) ([]*template.Template, error) {
	return s.repo.ListTemplates(ctx)
}

func (s *Service) FindRun(ctx context.Context, id string) (pipeline.Run, error) {
	return s.repo.FindRun(ctx, id)
}

func (s *Service) ListRuns(ctx context.Context, limit int) ([]pipeline.Run, error) {
	return s.repo.ListRuns(ctx, limit)
}
