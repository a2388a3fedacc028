package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/quill/internal/graph"
	"github.com/mattjoyce/quill/internal/retry"
	"github.com/mattjoyce/quill/internal/service"
	"github.com/mattjoyce/quill/internal/store"
	"github.com/mattjoyce/quill/internal/template"
)

// handleHealthz handles GET /healthz
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		ActiveRuns:    len(s.pipelines.Active()),
		EventsDropped: s.events.Dropped(),
	})
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	tmpls, err := s.pipelines.ListTemplates(r.Context())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	resp := TemplateListResponse{Templates: make([]TemplateSummary, 0, len(tmpls))}
	for _, t := range tmpls {
		resp.Templates = append(resp.Templates, summarizeTemplate(t))
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	tmpl, err := s.pipelines.FindTemplate(r.Context(), chi.URLParam(r, "templateRef"))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, tmpl)
}

// handleImportTemplate accepts a YAML (or JSON) template definition.
func (s *Server) handleImportTemplate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	tmpl, err := template.Parse(body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	saved, err := s.pipelines.ImportTemplate(r.Context(), tmpl)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, summarizeTemplate(saved))
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	runs, err := s.pipelines.ListRuns(r.Context(), limit)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	resp := RunListResponse{Runs: make([]RunSummary, 0, len(runs))}
	for _, run := range runs {
		resp.Runs = append(resp.Runs, summarizeRun(run))
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.pipelines.FindRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, run)
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req StartRunRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.TemplateID == "" {
		s.writeError(w, http.StatusBadRequest, "template_id is required")
		return
	}
	h, err := s.pipelines.Execute(r.Context(), req.TemplateID, req.Inputs)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.respondHandle(w, r, h, req.Wait)
}

func (s *Server) handleRetryRun(w http.ResponseWriter, r *http.Request) {
	var req RetryRunRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.FromStep == "" {
		s.writeError(w, http.StatusBadRequest, "from_step is required")
		return
	}
	h, err := s.pipelines.Retry(r.Context(), chi.URLParam(r, "runID"), req.FromStep, req.SkipFailed)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.respondHandle(w, r, h, req.Wait)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if err := s.pipelines.Cancel(runID); err != nil {
		s.writeFailure(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, RunAcceptedResponse{RunID: runID, Status: "cancelling"})
}

// respondHandle answers 202 with the run id, or with the final run once it
// is terminal when wait is set. A client disconnect stops the wait but not
// the run.
func (s *Server) respondHandle(w http.ResponseWriter, r *http.Request, h *service.Handle, wait bool) {
	if !wait {
		respondJSON(w, http.StatusAccepted, RunAcceptedResponse{RunID: h.RunID, Status: "running"})
		return
	}
	select {
	case <-h.Done():
	case <-r.Context().Done():
		return
	}
	final, err := h.Wait()
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	respondJSON(w, http.StatusOK, final)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return errors.New("invalid JSON: " + err.Error())
	}
	return nil
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrRunNotFound),
		errors.Is(err, store.ErrTemplateNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrMissingInput),
		errors.Is(err, template.ErrInvalidTemplate),
		errors.Is(err, graph.ErrCycleDetected),
		errors.Is(err, graph.ErrUnknownDependency),
		errors.Is(err, retry.ErrUnknownStep):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrRunNotActive),
		errors.Is(err, retry.ErrRunActive),
		errors.Is(err, store.ErrTemplateConflict):
		return http.StatusConflict
	case errors.Is(err, service.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
		s.writeError(w, status, "internal error")
		return
	}
	s.writeError(w, status, err.Error())
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
