package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/mattjoyce/quill/internal/graph"
	"github.com/mattjoyce/quill/internal/log"
	"github.com/mattjoyce/quill/internal/pipeline"
	"github.com/mattjoyce/quill/internal/runner"
	"github.com/mattjoyce/quill/internal/template"
)

// DefaultMaxConcurrentSteps caps in-flight steps when Options leaves it unset.
const DefaultMaxConcurrentSteps = 3

// Repository persists runs and resolves templates.
type Repository interface {
	SaveRun(ctx context.Context, run pipeline.Run) error
	FindRun(ctx context.Context, id string) (pipeline.Run, error)
	FindTemplate(ctx context.Context, id string) (*template.Template, error)
}

// Publisher receives lifecycle events. Failures never affect a run.
type Publisher interface {
	Publish(ctx context.Context, kind, runID, stepID string, payload any) error
}

// StepRunner renders a step into an invocation.
type StepRunner interface {
	Prepare(stepID string, prior map[string]string, inputs map[string]any) (runner.Invocation, error)
}

// Options tunes the orchestrator.
type Options struct {
	// MaxConcurrentSteps bounds steps in flight per run.
	MaxConcurrentSteps int
	// PersistTransitions saves the run after every step transition in
	// addition to creation and finish.
	PersistTransitions bool
}

// Orchestrator drives runs of one bound template.
type Orchestrator struct {
	runner    StepRunner
	repo      Repository
	publisher Publisher
	opts      Options
	logger    *slog.Logger
}

// New creates an orchestrator. repo and publisher may be nil.
func New(r StepRunner, repo Repository, pub Publisher, opts Options) *Orchestrator {
	if opts.MaxConcurrentSteps <= 0 {
		opts.MaxConcurrentSteps = DefaultMaxConcurrentSteps
	}
	return &Orchestrator{
		runner:    r,
		repo:      repo,
		publisher: pub,
		opts:      opts,
		logger:    log.WithComponent("engine"),
	}
}

// Execution is a run in progress.
type Execution struct {
	runID    string
	progress chan pipeline.Progress
	done     chan struct{}

	final pipeline.Run
	err   error
}

// RunID returns the ID of the run being executed.
func (e *Execution) RunID() string { return e.runID }

// Progress streams one snapshot per transition. The channel is closed once
// the run has finished and been saved.
func (e *Execution) Progress() <-chan pipeline.Progress { return e.progress }

// Done is closed when Wait would return without blocking.
func (e *Execution) Done() <-chan struct{} { return e.done }

// Wait blocks until the run finishes. The error is non-nil only for
// invariant violations; step failures are recorded on the run.
func (e *Execution) Wait() (pipeline.Run, error) {
	<-e.done
	return e.final, e.err
}

// Execute starts driving run over g and returns immediately. The orchestrator
// owns run until Wait returns. Closing cancel stops further dispatch; steps
// already in flight are allowed to finish. Cancelling ctx also cancels the
// in-flight provider calls.
func (o *Orchestrator) Execute(ctx context.Context, run *pipeline.Run, g *graph.Graph, cancel <-chan struct{}) *Execution {
	exec := &Execution{
		runID: run.ID,
		// Each step emits at most three transitions, plus run start and finish.
		progress: make(chan pipeline.Progress, 4*len(run.Order)+2),
		done:     make(chan struct{}),
	}

	l := &loop{
		o:        o,
		ctx:      ctx,
		run:      run,
		graph:    g,
		cancel:   cancel,
		results:  make(chan stepResult, len(run.Order)),
		progress: exec.progress,
		logger:   log.WithRun(run.ID).With("component", "engine", "template", run.TemplateID),
	}

	go func() {
		err := l.drive()
		if err != nil {
			l.logger.Error("run aborted", "error", err)
			l.abort(err)
		}
		exec.final = run.Clone()
		exec.err = err
		close(exec.progress)
		close(exec.done)
	}()
	return exec
}

func (o *Orchestrator) save(ctx context.Context, run *pipeline.Run, logger *slog.Logger) {
	if o.repo == nil {
		return
	}
	if err := o.repo.SaveRun(ctx, run.Clone()); err != nil {
		logger.Error("failed to save run", "error", err)
	}
}

func (o *Orchestrator) publish(ctx context.Context, kind, runID, stepID string, payload any, logger *slog.Logger) {
	if o.publisher == nil {
		return
	}
	if err := o.publisher.Publish(ctx, kind, runID, stepID, payload); err != nil {
		logger.Error("failed to publish event", "event", kind, "step_id", stepID, "error", err)
	}
}

func now() time.Time { return time.Now().UTC() }
