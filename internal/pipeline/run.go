// Package pipeline holds the run record and its state machines.
//
// A *Run is mutated only by the orchestrator that owns it. Everything handed
// to other goroutines (progress consumers, repositories, event payloads) is a
// Clone.
package pipeline

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mattjoyce/quill/internal/template"
)

// InvariantError marks a programming-error class failure: an illegal
// transition or a mutation of a terminal run. It is never a step outcome.
type InvariantError struct {
	Msg string
}

func (e *InvariantError) Error() string { return "invariant violation: " + e.Msg }

func invariantf(format string, args ...any) error {
	return &InvariantError{Msg: fmt.Sprintf(format, args...)}
}

// StepExecution is the runtime record of one step.
type StepExecution struct {
	StepID      string     `json:"step_id"`
	Status      StepStatus `json:"status"`
	Prompt      string     `json:"prompt,omitempty"`
	Output      string     `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
	Model       string     `json:"model,omitempty"`
	Attempts    int        `json:"attempts"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Run is one execution attempt of a template.
type Run struct {
	ID              string                    `json:"id"`
	TemplateID      string                    `json:"template_id"`
	TemplateVersion string                    `json:"template_version"`
	Inputs          map[string]any            `json:"inputs"`
	Status          RunStatus                 `json:"status"`
	RetriedFrom     string                    `json:"retried_from,omitempty"`
	CreatedAt       time.Time                 `json:"created_at"`
	StartedAt       *time.Time                `json:"started_at,omitempty"`
	CompletedAt     *time.Time                `json:"completed_at,omitempty"`
	Order           []string                  `json:"order"`
	Steps           map[string]*StepExecution `json:"steps"`
}

// NewRun creates a pending run with one pending execution per template step.
func NewRun(tmpl *template.Template, inputs map[string]any) *Run {
	r := &Run{
		ID:              uuid.NewString(),
		TemplateID:      tmpl.ID,
		TemplateVersion: tmpl.Version,
		Inputs:          cloneInputs(inputs),
		Status:          RunPending,
		CreatedAt:       time.Now().UTC(),
		Order:           tmpl.StepIDs(),
		Steps:           make(map[string]*StepExecution, len(tmpl.Steps)),
	}
	if r.Inputs == nil {
		r.Inputs = map[string]any{}
	}
	for _, id := range r.Order {
		r.Steps[id] = &StepExecution{StepID: id, Status: StepPending}
	}
	return r
}

// Step returns the execution record for id.
func (r *Run) Step(id string) (*StepExecution, bool) {
	s, ok := r.Steps[id]
	return s, ok
}

// Statuses returns step statuses in declaration order.
func (r *Run) Statuses() []StepStatus {
	out := make([]StepStatus, 0, len(r.Order))
	for _, id := range r.Order {
		out = append(out, r.Steps[id].Status)
	}
	return out
}

// Derive returns DeriveStatus over the run's steps.
func (r *Run) Derive() RunStatus {
	return DeriveStatus(r.Statuses())
}

// Outputs returns the outputs of completed steps. A step with an output
// satisfies its dependents regardless of which attempt produced it.
func (r *Run) Outputs() map[string]string {
	out := make(map[string]string, len(r.Order))
	for _, id := range r.Order {
		if s := r.Steps[id]; s.Status == StepCompleted {
			out[id] = s.Output
		}
	}
	return out
}

// Satisfied returns the completed step set used for readiness checks.
func (r *Run) Satisfied() map[string]bool {
	out := make(map[string]bool, len(r.Order))
	for _, id := range r.Order {
		if r.Steps[id].Status == StepCompleted {
			out[id] = true
		}
	}
	return out
}

// Count returns how many steps are in status s.
func (r *Run) Count(s StepStatus) int {
	n := 0
	for _, id := range r.Order {
		if r.Steps[id].Status == s {
			n++
		}
	}
	return n
}

// Start moves a pending run to running.
func (r *Run) Start(at time.Time) error {
	if r.Status != RunPending {
		return invariantf("run %s: start from status %q", r.ID, r.Status)
	}
	r.Status = RunRunning
	r.StartedAt = &at
	return nil
}

// Transition applies one step state-machine edge. Timestamps and attempt
// counts are maintained here. The run status stays running until Finish.
func (r *Run) Transition(stepID string, to StepStatus, at time.Time) error {
	if r.Status.Terminal() {
		return invariantf("run %s is %s; step %s cannot move to %s", r.ID, r.Status, stepID, to)
	}
	s, ok := r.Steps[stepID]
	if !ok {
		return invariantf("run %s has no step %q", r.ID, stepID)
	}
	if !CanTransition(s.Status, to) {
		return invariantf("step %s: illegal transition %s -> %s", stepID, s.Status, to)
	}

	s.Status = to
	switch to {
	case StepRunning:
		s.Attempts++
		s.StartedAt = &at
		s.CompletedAt = nil
	case StepCompleted, StepFailed, StepSkipped:
		s.CompletedAt = &at
	}
	return nil
}

// Finish sets the terminal status exactly once.
func (r *Run) Finish(cancelled bool, at time.Time) (RunStatus, error) {
	if r.Status.Terminal() {
		return r.Status, invariantf("run %s already finished as %s", r.ID, r.Status)
	}
	status := RunCancelled
	if !cancelled {
		status = r.Derive()
		if status == RunRunning {
			return r.Status, invariantf("run %s finished with active steps", r.ID)
		}
	}
	r.Status = status
	r.CompletedAt = &at
	return status, nil
}

// Abort settles a run the orchestrator could not finish. Unsettled steps are
// marked failed with reason outside the transition table, so the stored run
// is terminal and can be retried.
func (r *Run) Abort(reason string, at time.Time) {
	for _, id := range r.Order {
		s, ok := r.Steps[id]
		if !ok || s.Status.Settled() {
			continue
		}
		s.Status = StepFailed
		s.Error = reason
		s.CompletedAt = &at
	}
	if !r.Status.Terminal() {
		r.Status = RunFailed
		r.CompletedAt = &at
	}
}

// Clone returns a deep copy safe to hand to other goroutines.
func (r *Run) Clone() Run {
	c := *r
	c.Inputs = cloneInputs(r.Inputs)
	c.Order = append([]string(nil), r.Order...)
	c.StartedAt = cloneTime(r.StartedAt)
	c.CompletedAt = cloneTime(r.CompletedAt)
	c.Steps = make(map[string]*StepExecution, len(r.Steps))
	for id, s := range r.Steps {
		cs := *s
		cs.StartedAt = cloneTime(s.StartedAt)
		cs.CompletedAt = cloneTime(s.CompletedAt)
		c.Steps[id] = &cs
	}
	return c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneInputs(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		switch val := v.(type) {
		case map[string]any:
			out[k] = cloneInputs(val)
		case []any:
			out[k] = append([]any(nil), val...)
		default:
			out[k] = v
		}
	}
	return out
}
