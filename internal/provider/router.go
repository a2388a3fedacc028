package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Router dispatches a model preference to a named backend.
//
// Preference forms:
//
//	""               default backend, backend default model
//	"openai"         the backend named openai, default model
//	"openai/gpt-4o"  backend openai, model gpt-4o
//	"gpt-4o"         default backend, model gpt-4o (no backend of that name)
//	"meta-llama/x"   default backend, model meta-llama/x (prefix is not a backend)
type Router struct {
	backends map[string]Provider
	def      string
}

// NewRouter returns a router over backends. def must name one of them.
func NewRouter(backends map[string]Provider, def string) (*Router, error) {
	if len(backends) == 0 {
		return nil, fmt.Errorf("router: no backends configured")
	}
	if def == "" && len(backends) == 1 {
		for name := range backends {
			def = name
		}
	}
	if _, ok := backends[def]; !ok {
		return nil, fmt.Errorf("router: default backend %q is not configured", def)
	}
	copied := make(map[string]Provider, len(backends))
	for k, v := range backends {
		copied[k] = v
	}
	return &Router{backends: copied, def: def}, nil
}

// Resolve splits a preference into backend and model.
func (r *Router) Resolve(pref string) (string, string) {
	pref = strings.TrimSpace(pref)
	if pref == "" {
		return r.def, ""
	}
	if backend, model, ok := strings.Cut(pref, "/"); ok {
		if _, known := r.backends[backend]; known {
			return backend, model
		}
	}
	if _, ok := r.backends[pref]; ok {
		return pref, ""
	}
	return r.def, pref
}

func (r *Router) Generate(ctx context.Context, prompt, pref string) (string, error) {
	backend, model := r.Resolve(pref)
	return r.backends[backend].Generate(ctx, prompt, model)
}

// Backends returns configured backend names, sorted.
func (r *Router) Backends() []string {
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
