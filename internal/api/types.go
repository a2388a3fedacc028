package api

import (
	"github.com/mattjoyce/quill/internal/pipeline"
	"github.com/mattjoyce/quill/internal/template"
)

// StartRunRequest is the body of POST /runs.
type StartRunRequest struct {
	// TemplateID is "id" (latest version) or "id@version".
	TemplateID string         `json:"template_id"`
	Inputs     map[string]any `json:"inputs,omitempty"`
	// Wait blocks the response until the run is terminal.
	Wait bool `json:"wait,omitempty"`
}

// RetryRunRequest is the body of POST /runs/{runID}/retry.
type RetryRunRequest struct {
	FromStep   string `json:"from_step"`
	SkipFailed bool   `json:"skip_failed,omitempty"`
	Wait       bool   `json:"wait,omitempty"`
}

// RunAcceptedResponse is returned when a run starts without waiting.
type RunAcceptedResponse struct {
	RunID  string             `json:"run_id"`
	Status pipeline.RunStatus `json:"status"`
}

// RunListResponse wraps GET /runs.
type RunListResponse struct {
	Runs []RunSummary `json:"runs"`
}

// RunSummary is a run without step detail.
type RunSummary struct {
	ID              string             `json:"id"`
	TemplateID      string             `json:"template_id"`
	TemplateVersion string             `json:"template_version"`
	Status          pipeline.RunStatus `json:"status"`
	RetriedFrom     string             `json:"retried_from,omitempty"`
	Completed       int                `json:"completed"`
	Total           int                `json:"total"`
}

// TemplateListResponse wraps GET /templates.
type TemplateListResponse struct {
	Templates []TemplateSummary `json:"templates"`
}

// TemplateSummary describes the latest version of a template.
type TemplateSummary struct {
	ID          string   `json:"id"`
	Version     string   `json:"version"`
	Description string   `json:"description,omitempty"`
	Inputs      []string `json:"inputs,omitempty"`
	Steps       int      `json:"steps"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	ActiveRuns    int    `json:"active_runs"`
	EventsDropped int64  `json:"events_dropped"`
}

func summarizeRun(r pipeline.Run) RunSummary {
	return RunSummary{
		ID:              r.ID,
		TemplateID:      r.TemplateID,
		TemplateVersion: r.TemplateVersion,
		Status:          r.Status,
		RetriedFrom:     r.RetriedFrom,
		Completed:       r.Count(pipeline.StepCompleted),
		Total:           len(r.Order),
	}
}

func summarizeTemplate(t *template.Template) TemplateSummary {
	return TemplateSummary{
		ID:          t.ID,
		Version:     t.Version,
		Description: t.Description,
		Inputs:      t.Inputs,
		Steps:       len(t.Steps),
	}
}
