// Package graph resolves the dependency structure of a pipeline template.
//
// A Graph is immutable once built and safe for concurrent readers. All
// set-returning methods answer in template declaration order so scheduling
// decisions are deterministic.
package graph

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mattjoyce/quill/internal/template"
)

var (
	// ErrCycleDetected is matched by every *CycleError.
	ErrCycleDetected = errors.New("cycle detected")
	// ErrUnknownDependency is matched by every *UnknownDependencyError.
	ErrUnknownDependency = errors.New("unknown dependency")
)

// CycleError names the steps of one cycle, first step repeated at the end.
type CycleError struct {
	Steps []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Steps, " -> "))
}

func (e *CycleError) Is(target error) bool { return target == ErrCycleDetected }

// UnknownDependencyError reports a dependency on a step that does not exist.
type UnknownDependencyError struct {
	StepID string
	Ref    string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("step %q depends on unknown step %q", e.StepID, e.Ref)
}

func (e *UnknownDependencyError) Is(target error) bool { return target == ErrUnknownDependency }

// Graph is the read-only dependency view of one template version.
type Graph struct {
	templateKey string
	order       []string
	index       map[string]int
	steps       map[string]template.Step
	deps        map[string][]string
	dependents  map[string][]string
	layers      [][]string
}

// Build constructs the graph for tmpl. tmpl must already be normalized.
func Build(tmpl *template.Template) (*Graph, error) {
	if tmpl == nil {
		return nil, fmt.Errorf("template is nil")
	}

	g := &Graph{
		templateKey: tmpl.Key(),
		order:       make([]string, 0, len(tmpl.Steps)),
		index:       make(map[string]int, len(tmpl.Steps)),
		steps:       make(map[string]template.Step, len(tmpl.Steps)),
		deps:        make(map[string][]string, len(tmpl.Steps)),
		dependents:  make(map[string][]string, len(tmpl.Steps)),
	}

	for i, s := range tmpl.Steps {
		if _, dup := g.index[s.ID]; dup {
			return nil, fmt.Errorf("duplicate step id %q", s.ID)
		}
		g.order = append(g.order, s.ID)
		g.index[s.ID] = i
		g.steps[s.ID] = s
	}

	for _, s := range tmpl.Steps {
		for _, dep := range s.DependsOn {
			if _, ok := g.index[dep]; !ok {
				return nil, &UnknownDependencyError{StepID: s.ID, Ref: dep}
			}
			g.deps[s.ID] = append(g.deps[s.ID], dep)
			g.dependents[dep] = append(g.dependents[dep], s.ID)
		}
	}

	if err := g.detectCycle(); err != nil {
		return nil, err
	}
	g.layers = g.computeLayers()
	return g, nil
}

// detectCycle runs a colouring DFS in declaration order and reports the
// first back-edge found.
func (g *Graph) detectCycle() error {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(g.order))

	var walk func(id string, stack []string) error
	walk = func(id string, stack []string) error {
		switch state[id] {
		case done:
			return nil
		case visiting:
			idx := 0
			for i := range stack {
				if stack[i] == id {
					idx = i
					break
				}
			}
			cycle := append(append([]string{}, stack[idx:]...), id)
			return &CycleError{Steps: cycle}
		}

		state[id] = visiting
		stack = append(stack, id)
		for _, dep := range g.deps[id] {
			if err := walk(dep, stack); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}

	for _, id := range g.order {
		if err := walk(id, nil); err != nil {
			return err
		}
	}
	return nil
}

func (g *Graph) computeLayers() [][]string {
	placed := make(map[string]bool, len(g.order))
	var layers [][]string
	for len(placed) < len(g.order) {
		layer := g.ReadySet(placed)
		if len(layer) == 0 {
			// Unreachable after detectCycle.
			break
		}
		for _, id := range layer {
			placed[id] = true
		}
		layers = append(layers, layer)
	}
	return layers
}

// TemplateKey returns the "id@version" identity the graph was built from.
func (g *Graph) TemplateKey() string { return g.templateKey }

// Len returns the number of steps.
func (g *Graph) Len() int { return len(g.order) }

// Steps returns step IDs in declaration order.
func (g *Graph) Steps() []string {
	return append([]string(nil), g.order...)
}

// Has reports whether id is a step in the graph.
func (g *Graph) Has(id string) bool {
	_, ok := g.index[id]
	return ok
}

// Step returns the definition for id.
func (g *Graph) Step(id string) (template.Step, bool) {
	s, ok := g.steps[id]
	return s, ok
}

// Dependencies returns the direct dependencies of id.
func (g *Graph) Dependencies(id string) []string {
	return append([]string(nil), g.deps[id]...)
}

// Layers returns the topological layering: each layer's dependencies are
// fully satisfied by earlier layers.
func (g *Graph) Layers() [][]string {
	out := make([][]string, len(g.layers))
	for i, l := range g.layers {
		out[i] = append([]string(nil), l...)
	}
	return out
}

// ReadySet returns every step not in satisfied whose dependencies are all in
// satisfied, in declaration order.
func (g *Graph) ReadySet(satisfied map[string]bool) []string {
	var ready []string
	for _, id := range g.order {
		if satisfied[id] {
			continue
		}
		ok := true
		for _, dep := range g.deps[id] {
			if !satisfied[dep] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, id)
		}
	}
	return ready
}

// DownstreamOf returns the transitive dependents of id, excluding id.
func (g *Graph) DownstreamOf(id string) []string {
	return g.closure(id, g.dependents)
}

// UpstreamOf returns the transitive dependencies of id, excluding id.
func (g *Graph) UpstreamOf(id string) []string {
	return g.closure(id, g.deps)
}

func (g *Graph) closure(id string, edges map[string][]string) []string {
	seen := map[string]bool{}
	stack := append([]string(nil), edges[id]...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[n] {
			continue
		}
		seen[n] = true
		stack = append(stack, edges[n]...)
	}
	delete(seen, id)
	return g.inOrder(seen)
}

func (g *Graph) inOrder(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for _, id := range g.order {
		if set[id] {
			out = append(out, id)
		}
	}
	return out
}
