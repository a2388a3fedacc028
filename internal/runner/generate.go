package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/quill/internal/log"
	"github.com/mattjoyce/quill/internal/provider"
)

type generateStep struct {
	id       string
	models   []string
	provider provider.Provider
	timeout  time.Duration
}

func (s *generateStep) ID() string { return s.id }

// execute walks the model preferences in order. Only unavailable errors move
// on to the next preference.
func (s *generateStep) execute(ctx context.Context, rendered string) (Result, error) {
	prefs := s.models
	if len(prefs) == 0 {
		prefs = []string{""}
	}

	var lastErr error
	for i, model := range prefs {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		out, err := s.attempt(ctx, rendered, model)
		if err == nil {
			return Result{Output: out, Model: model}, nil
		}
		if !provider.IsUnavailable(err) {
			return Result{}, fmt.Errorf("model %s: %w", modelLabel(model), err)
		}
		lastErr = err
		if i < len(prefs)-1 {
			log.WithComponent("runner").Debug("model unavailable, trying next preference",
				"step_id", s.id, "model", modelLabel(model), "error", err)
		}
	}
	return Result{}, fmt.Errorf("all %d model preferences unavailable: %w", len(prefs), lastErr)
}

func (s *generateStep) attempt(ctx context.Context, rendered, model string) (string, error) {
	attemptCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	out, err := s.provider.Generate(attemptCtx, rendered, model)
	if err == nil {
		return out, nil
	}
	// A provider that surfaces the raw deadline still counts as unavailable
	// when only the attempt bound expired.
	if ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return "", provider.Unavailable(fmt.Errorf("attempt timed out after %s: %w", s.timeout, err))
	}
	return "", err
}

func modelLabel(model string) string {
	if model == "" {
		return "(default)"
	}
	return model
}
