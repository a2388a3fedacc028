package template

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mattjoyce/quill/internal/prompt"
)

// Kind selects the execution variant of a step. It is resolved once when a
// template is parsed.
type Kind string

const (
	KindGenerate  Kind = "generate"
	KindTransform Kind = "transform"
)

// TransformOp names a deterministic text operation applied by transform steps.
type TransformOp string

const (
	OpTrim      TransformOp = "trim"
	OpLower     TransformOp = "lower"
	OpUpper     TransformOp = "upper"
	OpStripHTML TransformOp = "strip_html"
)

var knownOps = map[TransformOp]struct{}{
	OpTrim:      {},
	OpLower:     {},
	OpUpper:     {},
	OpStripHTML: {},
}

// ErrInvalidTemplate is wrapped by every validation failure.
var ErrInvalidTemplate = errors.New("invalid template")

// Template is an immutable pipeline definition. Identity is ID + Version.
type Template struct {
	ID          string   `yaml:"id" json:"id"`
	Version     string   `yaml:"version,omitempty" json:"version"`
	Name        string   `yaml:"name,omitempty" json:"name,omitempty"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Inputs      []string `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Steps       []Step   `yaml:"steps" json:"steps"`

	// Fingerprint is blake3:<hex> over the normalized definition.
	Fingerprint string `yaml:"-" json:"fingerprint,omitempty"`
}

// Step is one named unit of work.
type Step struct {
	ID        string      `yaml:"id" json:"id"`
	Name      string      `yaml:"name,omitempty" json:"name,omitempty"`
	Kind      Kind        `yaml:"kind,omitempty" json:"kind,omitempty"`
	Prompt    string      `yaml:"prompt" json:"prompt"`
	DependsOn []string    `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Models    []string    `yaml:"models,omitempty" json:"models,omitempty"`
	Transform TransformOp `yaml:"transform,omitempty" json:"transform,omitempty"`
}

// Key returns the cache identity "id@version".
func (t *Template) Key() string {
	return t.ID + "@" + t.Version
}

// Step returns the step with the given ID.
func (t *Template) Step(id string) (Step, bool) {
	for _, s := range t.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

// StepIDs returns step IDs in declaration order.
func (t *Template) StepIDs() []string {
	ids := make([]string, 0, len(t.Steps))
	for _, s := range t.Steps {
		ids = append(ids, s.ID)
	}
	return ids
}

// DisplayName falls back to the ID when no name is set.
func (s Step) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

// Validate checks structural rules. Graph rules (cycles, unknown
// dependencies) are checked by graph.Build.
func (t *Template) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidTemplate)
	}
	if len(t.Steps) == 0 {
		return fmt.Errorf("%w: template %q: steps must be non-empty", ErrInvalidTemplate, t.ID)
	}

	seen := make(map[string]struct{}, len(t.Steps))
	for i, s := range t.Steps {
		if strings.TrimSpace(s.ID) == "" {
			return fmt.Errorf("%w: steps[%d]: id is required", ErrInvalidTemplate, i)
		}
		if !prompt.ValidStepID(s.ID) {
			return fmt.Errorf("%w: step id %q may only contain letters, digits, '_' and '-'", ErrInvalidTemplate, s.ID)
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("%w: duplicate step id %q", ErrInvalidTemplate, s.ID)
		}
		seen[s.ID] = struct{}{}

		if strings.TrimSpace(s.Prompt) == "" {
			return fmt.Errorf("%w: step %q: prompt is required", ErrInvalidTemplate, s.ID)
		}
		if bad := prompt.Malformed(s.Prompt); len(bad) > 0 {
			return fmt.Errorf("%w: step %q: malformed placeholder %s", ErrInvalidTemplate, s.ID, bad[0])
		}

		switch s.Kind {
		case KindGenerate:
			if s.Transform != "" {
				return fmt.Errorf("%w: step %q: transform is only valid on transform steps", ErrInvalidTemplate, s.ID)
			}
		case KindTransform:
			if s.Transform == "" {
				return fmt.Errorf("%w: step %q: transform op is required", ErrInvalidTemplate, s.ID)
			}
			if _, ok := knownOps[s.Transform]; !ok {
				return fmt.Errorf("%w: step %q: unknown transform op %q", ErrInvalidTemplate, s.ID, s.Transform)
			}
			if len(s.Models) > 0 {
				return fmt.Errorf("%w: step %q: transform steps do not take models", ErrInvalidTemplate, s.ID)
			}
		default:
			return fmt.Errorf("%w: step %q: unknown kind %q", ErrInvalidTemplate, s.ID, s.Kind)
		}
	}
	return nil
}
