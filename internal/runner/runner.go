// Package runner executes single pipeline steps.
//
// A Runner is bound to one template. Binding resolves every step to one of
// two variants (generate or transform) up front, so dispatching a step never
// inspects the step kind again.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/quill/internal/prompt"
	"github.com/mattjoyce/quill/internal/provider"
	"github.com/mattjoyce/quill/internal/template"
)

// ErrUnknownStep is returned by Prepare for an ID not in the bound template.
var ErrUnknownStep = errors.New("unknown step")

// Options tunes step execution.
type Options struct {
	// AttemptTimeout bounds each provider call. Zero means no bound.
	AttemptTimeout time.Duration
}

// Result is the outcome of a successful step.
type Result struct {
	Output string
	// Model is the preference that produced Output. Empty for transform
	// steps and for the provider default.
	Model string
}

// Step is a bound, executable step. The set of implementations is closed.
type Step interface {
	ID() string
	execute(ctx context.Context, rendered string) (Result, error)
}

// Invocation is a step with its prompt already rendered.
type Invocation struct {
	StepID string
	Prompt string
	step   Step
}

// Invoke runs the step. It blocks until the provider returns or ctx is done.
func (inv Invocation) Invoke(ctx context.Context) (Result, error) {
	if inv.step == nil {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownStep, inv.StepID)
	}
	return inv.step.execute(ctx, inv.Prompt)
}

// Runner prepares and runs the steps of one template.
type Runner struct {
	templateKey string
	prompts     map[string]string
	steps       map[string]Step
}

// Bind resolves each step of tmpl to its variant.
func Bind(tmpl *template.Template, p provider.Provider, opts Options) (*Runner, error) {
	r := &Runner{
		templateKey: tmpl.Key(),
		prompts:     make(map[string]string, len(tmpl.Steps)),
		steps:       make(map[string]Step, len(tmpl.Steps)),
	}
	for _, s := range tmpl.Steps {
		var bound Step
		switch s.Kind {
		case template.KindGenerate, "":
			if p == nil {
				return nil, fmt.Errorf("bind %s: step %q needs a provider", r.templateKey, s.ID)
			}
			bound = &generateStep{
				id:       s.ID,
				models:   append([]string(nil), s.Models...),
				provider: p,
				timeout:  opts.AttemptTimeout,
			}
		case template.KindTransform:
			fn, ok := transforms[s.Transform]
			if !ok {
				return nil, fmt.Errorf("bind %s: step %q: unknown transform op %q", r.templateKey, s.ID, s.Transform)
			}
			bound = &transformStep{id: s.ID, op: s.Transform, apply: fn}
		default:
			return nil, fmt.Errorf("bind %s: step %q: unknown kind %q", r.templateKey, s.ID, s.Kind)
		}
		r.steps[s.ID] = bound
		r.prompts[s.ID] = s.Prompt
	}
	return r, nil
}

// TemplateKey returns the id@version the runner was bound to.
func (r *Runner) TemplateKey() string { return r.templateKey }

// Prepare renders the prompt for stepID against the outputs of completed
// steps and the run inputs. An unresolved placeholder is a template defect.
func (r *Runner) Prepare(stepID string, prior map[string]string, inputs map[string]any) (Invocation, error) {
	step, ok := r.steps[stepID]
	if !ok {
		return Invocation{StepID: stepID}, fmt.Errorf("%w: %q", ErrUnknownStep, stepID)
	}
	rendered, err := prompt.Render(r.prompts[stepID], inputs, prior)
	if err != nil {
		return Invocation{StepID: stepID}, fmt.Errorf("render step %q: %w", stepID, err)
	}
	return Invocation{StepID: stepID, Prompt: rendered, step: step}, nil
}

// Run prepares and invokes stepID in one call.
func (r *Runner) Run(ctx context.Context, stepID string, prior map[string]string, inputs map[string]any) (Result, error) {
	inv, err := r.Prepare(stepID, prior, inputs)
	if err != nil {
		return Result{}, err
	}
	return inv.Invoke(ctx)
}
