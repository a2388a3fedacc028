package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mattjoyce/quill/internal/pipeline"
	"github.com/mattjoyce/quill/internal/template"
)

// Memory is an in-process repository for tests and one-shot CLI runs.
type Memory struct {
	mu        sync.RWMutex
	runs      map[string]pipeline.Run
	runOrder  []string
	templates map[string][]*template.Template // by ID, oldest version first
}

func NewMemory() *Memory {
	return &Memory{
		runs:      make(map[string]pipeline.Run),
		templates: make(map[string][]*template.Template),
	}
}

func (m *Memory) SaveRun(_ context.Context, run pipeline.Run) error {
	if run.ID == "" {
		return fmt.Errorf("run id is empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; !ok {
		m.runOrder = append(m.runOrder, run.ID)
	}
	m.runs[run.ID] = run.Clone()
	return nil
}

func (m *Memory) FindRun(_ context.Context, id string) (pipeline.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return pipeline.Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return run.Clone(), nil
}

func (m *Memory) ListRuns(_ context.Context, limit int) ([]pipeline.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	limit = limitOrDefault(limit)
	out := make([]pipeline.Run, 0, min(limit, len(m.runOrder)))
	for i := len(m.runOrder) - 1; i >= 0 && len(out) < limit; i-- {
		run := m.runs[m.runOrder[i]]
		out = append(out, run.Clone())
	}
	return out, nil
}

func (m *Memory) SaveTemplate(_ context.Context, tmpl *template.Template) error {
	if tmpl.ID == "" || tmpl.Version == "" {
		return fmt.Errorf("template id and version are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.templates[tmpl.ID] {
		if existing.Version != tmpl.Version {
			continue
		}
		if existing.Fingerprint != tmpl.Fingerprint {
			return fmt.Errorf("%w: %s", ErrTemplateConflict, tmpl.Key())
		}
		return nil
	}
	m.templates[tmpl.ID] = append(m.templates[tmpl.ID], copyTemplate(tmpl))
	return nil
}

func (m *Memory) FindTemplate(_ context.Context, ref string) (*template.Template, error) {
	id, version := TemplateRef(ref)
	m.mu.RLock()
	defer m.mu.RUnlock()
	versions := m.templates[id]
	for i := len(versions) - 1; i >= 0; i-- {
		if version == "" || versions[i].Version == version {
			return copyTemplate(versions[i]), nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, ref)
}

func (m *Memory) ListTemplates(context.Context) ([]*template.Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.templates))
	for id := range m.templates {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]*template.Template, 0, len(ids))
	for _, id := range ids {
		versions := m.templates[id]
		out = append(out, copyTemplate(versions[len(versions)-1]))
	}
	return out, nil
}

func copyTemplate(t *template.Template) *template.Template {
	c := *t
	c.Inputs = append([]string(nil), t.Inputs...)
	c.Steps = make([]template.Step, len(t.Steps))
	for i, s := range t.Steps {
		s.DependsOn = append([]string(nil), s.DependsOn...)
		s.Models = append([]string(nil), s.Models...)
		c.Steps[i] = s
	}
	return &c
}
