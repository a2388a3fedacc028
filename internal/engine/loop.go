package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mattjoyce/quill/internal/graph"
	"github.com/mattjoyce/quill/internal/pipeline"
	"github.com/mattjoyce/quill/internal/runner"
)

type stepResult struct {
	stepID string
	result runner.Result
	err    error
}

// loop is the single writer of one run. Workers only send stepResults.
type loop struct {
	o        *Orchestrator
	ctx      context.Context
	run      *pipeline.Run
	graph    *graph.Graph
	cancel   <-chan struct{}
	results  chan stepResult
	progress chan pipeline.Progress
	logger   *slog.Logger

	inFlight  int
	cancelled bool
}

func (l *loop) drive() error {
	// Persistence and events outlive a cancelled ctx so the final state lands.
	persistCtx := context.WithoutCancel(l.ctx)

	l.o.save(persistCtx, l.run, l.logger)
	if err := l.run.Start(now()); err != nil {
		return err
	}
	l.emit(persistCtx, "", "run."+string(pipeline.RunRunning))
	l.logger.Info("run started", "steps", len(l.run.Order), "retried_from", l.run.RetriedFrom)

	// Retry runs may arrive with failed or skipped steps already settled.
	for _, id := range l.run.Order {
		if st := l.run.Steps[id].Status; st == pipeline.StepFailed || st == pipeline.StepSkipped {
			if err := l.skipDownstream(persistCtx, id); err != nil {
				return err
			}
		}
	}

	cancelCh := l.cancel
	ctxDone := l.ctx.Done()
	for {
		if !l.cancelled && l.cancelRequested() {
			l.markCancelled()
			cancelCh, ctxDone = nil, nil
		}

		if !l.cancelled {
			for {
				changed, err := l.advance(persistCtx)
				if err != nil {
					return err
				}
				if !changed {
					break
				}
			}
		}

		if l.inFlight == 0 {
			if l.cancelled || !l.hasActive() {
				break
			}
			return l.stalled()
		}

		select {
		case res := <-l.results:
			if err := l.apply(persistCtx, res); err != nil {
				return err
			}
		case <-cancelCh:
			l.markCancelled()
			cancelCh, ctxDone = nil, nil
		case <-ctxDone:
			l.markCancelled()
			cancelCh, ctxDone = nil, nil
		}
	}

	status, err := l.run.Finish(l.cancelled, now())
	if err != nil {
		return err
	}
	l.emit(persistCtx, "", "run."+string(status))
	l.o.save(persistCtx, l.run, l.logger)
	l.logger.Info("run finished", "status", status,
		"completed", l.run.Count(pipeline.StepCompleted),
		"failed", l.run.Count(pipeline.StepFailed),
		"skipped", l.run.Count(pipeline.StepSkipped))
	return nil
}

// abort records a run stopped by an invariant violation as failed so it
// does not stay running in the repository.
func (l *loop) abort(cause error) {
	persistCtx := context.WithoutCancel(l.ctx)
	l.run.Abort("run aborted: "+cause.Error(), now())
	l.emit(persistCtx, "", "run."+string(l.run.Status))
	l.o.save(persistCtx, l.run, l.logger)
}

func (l *loop) cancelRequested() bool {
	if l.ctx.Err() != nil {
		return true
	}
	if l.cancel == nil {
		return false
	}
	select {
	case <-l.cancel:
		return true
	default:
		return false
	}
}

func (l *loop) markCancelled() {
	if l.cancelled {
		return
	}
	l.cancelled = true
	l.logger.Info("cancellation requested", "in_flight", l.inFlight)
}

// advance marks newly ready steps and dispatches as many as the budget
// allows. It reports whether any transition happened.
func (l *loop) advance(ctx context.Context) (bool, error) {
	changed := false

	for _, id := range l.graph.ReadySet(l.run.Satisfied()) {
		step, ok := l.run.Step(id)
		if !ok || step.Status != pipeline.StepPending {
			continue
		}
		if err := l.transition(ctx, id, pipeline.StepReady); err != nil {
			return false, err
		}
		changed = true
	}

	for _, id := range l.run.Order {
		if l.inFlight >= l.o.opts.MaxConcurrentSteps {
			break
		}
		step := l.run.Steps[id]
		if step.Status != pipeline.StepReady {
			continue
		}

		inv, prepErr := l.o.runner.Prepare(id, l.run.Outputs(), l.run.Inputs)
		step.Prompt = inv.Prompt
		step.Error = ""
		step.Output = ""
		step.Model = ""
		if err := l.transition(ctx, id, pipeline.StepRunning); err != nil {
			return false, err
		}
		changed = true

		if prepErr != nil {
			if err := l.fail(ctx, id, prepErr); err != nil {
				return false, err
			}
			continue
		}

		l.inFlight++
		l.logger.Debug("step dispatched", "step_id", id, "attempt", step.Attempts, "in_flight", l.inFlight)
		go l.invoke(inv)
	}
	return changed, nil
}

// invoke runs on a worker goroutine. Provider calls see the process ctx but
// never the cooperative cancel channel.
func (l *loop) invoke(inv runner.Invocation) {
	res, err := inv.Invoke(l.ctx)
	l.results <- stepResult{stepID: inv.StepID, result: res, err: err}
}

func (l *loop) apply(ctx context.Context, res stepResult) error {
	l.inFlight--
	if l.inFlight < 0 {
		return &pipeline.InvariantError{Msg: fmt.Sprintf("run %s: concurrency budget underflow", l.run.ID)}
	}

	if res.err != nil {
		return l.fail(ctx, res.stepID, res.err)
	}

	step, ok := l.run.Step(res.stepID)
	if !ok {
		return &pipeline.InvariantError{Msg: fmt.Sprintf("run %s: result for unknown step %q", l.run.ID, res.stepID)}
	}
	step.Output = res.result.Output
	step.Model = res.result.Model
	if err := l.transition(ctx, res.stepID, pipeline.StepCompleted); err != nil {
		return err
	}
	l.logger.Debug("step completed", "step_id", res.stepID, "model", res.result.Model)
	return nil
}

func (l *loop) fail(ctx context.Context, stepID string, cause error) error {
	if step, ok := l.run.Step(stepID); ok {
		step.Error = cause.Error()
	}
	if err := l.transition(ctx, stepID, pipeline.StepFailed); err != nil {
		return err
	}
	l.logger.Warn("step failed", "step_id", stepID, "error", cause)
	return l.skipDownstream(ctx, stepID)
}

// skipDownstream settles every not-yet-started step that can no longer run
// because stepID will never complete.
func (l *loop) skipDownstream(ctx context.Context, stepID string) error {
	for _, id := range l.graph.DownstreamOf(stepID) {
		if l.run.Steps[id].Status != pipeline.StepPending {
			continue
		}
		if err := l.transition(ctx, id, pipeline.StepSkipped); err != nil {
			return err
		}
	}
	return nil
}

func (l *loop) transition(ctx context.Context, stepID string, to pipeline.StepStatus) error {
	if err := l.run.Transition(stepID, to, now()); err != nil {
		return err
	}
	l.emit(ctx, stepID, "step."+string(to))
	if l.o.opts.PersistTransitions {
		l.o.save(ctx, l.run, l.logger)
	}
	return nil
}

// emit sends a progress snapshot and publishes the matching event.
func (l *loop) emit(ctx context.Context, stepID, kind string) {
	snap := l.run.Snapshot(stepID, now())
	select {
	case l.progress <- snap:
	default:
		l.logger.Warn("progress buffer full, snapshot dropped", "step_id", stepID)
	}
	l.o.publish(ctx, kind, l.run.ID, stepID, snap, l.logger)
}

func (l *loop) hasActive() bool {
	for _, id := range l.run.Order {
		if l.run.Steps[id].Status.Active() {
			return true
		}
	}
	return false
}

func (l *loop) stalled() error {
	var stuck []string
	for _, id := range l.run.Order {
		if l.run.Steps[id].Status.Active() {
			stuck = append(stuck, id)
		}
	}
	return &pipeline.InvariantError{Msg: fmt.Sprintf("run %s stalled: steps %v cannot become ready", l.run.ID, stuck)}
}
