// Package retry plans a new run that resumes a finished one from a chosen
// step.
package retry

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mattjoyce/quill/internal/graph"
	"github.com/mattjoyce/quill/internal/pipeline"
)

var (
	// ErrRunActive is returned when the original run has not finished.
	ErrRunActive = errors.New("run is still active")
	// ErrUnknownStep is returned when the retry step is not in the template.
	ErrUnknownStep = errors.New("unknown step")
	// ErrTemplateMismatch is returned when g was built from another template.
	ErrTemplateMismatch = errors.New("graph does not match run template")
)

// Plan builds a pending run that re-executes fromStepID and everything
// downstream of it. Completed steps outside that set are carried over
// unchanged, so their outputs feed the re-run steps.
//
// With skipFailed, failed steps that fromStepID does not depend on are
// settled as skipped instead of being run again.
func Plan(original pipeline.Run, g *graph.Graph, fromStepID string, skipFailed bool) (*pipeline.Run, error) {
	if !original.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrRunActive, original.ID, original.Status)
	}
	if key := original.TemplateID + "@" + original.TemplateVersion; key != g.TemplateKey() {
		return nil, fmt.Errorf("%w: run uses %s, graph is %s", ErrTemplateMismatch, key, g.TemplateKey())
	}
	if !g.Has(fromStepID) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStep, fromStepID)
	}

	src := original.Clone()

	affected := map[string]bool{fromStepID: true}
	for _, id := range g.DownstreamOf(fromStepID) {
		affected[id] = true
	}
	upstream := map[string]bool{}
	for _, id := range g.UpstreamOf(fromStepID) {
		upstream[id] = true
	}

	next := &pipeline.Run{
		ID:              uuid.NewString(),
		TemplateID:      src.TemplateID,
		TemplateVersion: src.TemplateVersion,
		Inputs:          src.Inputs,
		Status:          pipeline.RunPending,
		RetriedFrom:     src.ID,
		CreatedAt:       time.Now().UTC(),
		Order:           g.Steps(),
		Steps:           make(map[string]*pipeline.StepExecution, g.Len()),
	}
	if next.Inputs == nil {
		next.Inputs = map[string]any{}
	}

	for _, id := range next.Order {
		prev, ok := src.Steps[id]
		if !ok {
			prev = &pipeline.StepExecution{StepID: id}
		}

		switch {
		case !affected[id] && prev.Status == pipeline.StepCompleted:
			kept := *prev
			next.Steps[id] = &kept
		case !affected[id] && skipFailed && prev.Status == pipeline.StepFailed && !upstream[id]:
			next.Steps[id] = &pipeline.StepExecution{
				StepID:      id,
				Status:      pipeline.StepSkipped,
				Error:       prev.Error,
				Attempts:    prev.Attempts,
				CompletedAt: prev.CompletedAt,
			}
		default:
			next.Steps[id] = &pipeline.StepExecution{
				StepID:   id,
				Status:   pipeline.StepPending,
				Attempts: prev.Attempts,
			}
		}
	}
	return next, nil
}
