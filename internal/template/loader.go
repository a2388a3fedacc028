package template

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mattjoyce/quill/internal/prompt"
	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// versionLength is the number of fingerprint hex characters used as an
// implicit version.
const versionLength = 12

// Parse decodes a YAML template and normalizes it.
func Parse(data []byte) (*Template, error) {
	var t Template
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&t); err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}
	if err := t.Normalize(); err != nil {
		return nil, err
	}
	return &t, nil
}

// Load reads and parses one template file.
func Load(path string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read template %s: %w", path, err)
	}
	t, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return t, nil
}

// LoadDir loads every *.yaml / *.yml file in dir, sorted by file name.
func LoadDir(dir string) ([]*Template, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read templates dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	out := make([]*Template, 0, len(names))
	byID := make(map[string]string, len(names))
	for _, name := range names {
		t, err := Load(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		if prev, dup := byID[t.ID]; dup {
			return nil, fmt.Errorf("duplicate template id %q in %s and %s", t.ID, prev, name)
		}
		byID[t.ID] = name
		out = append(out, t)
	}
	return out, nil
}

// Normalize applies defaults, infers dependencies from step placeholders,
// validates, and computes the fingerprint. A template must be normalized
// before it is handed to graph.Build.
func (t *Template) Normalize() error {
	t.ID = strings.TrimSpace(t.ID)
	t.Version = strings.TrimSpace(t.Version)

	for i := range t.Steps {
		s := &t.Steps[i]
		s.ID = strings.TrimSpace(s.ID)
		if s.Kind == "" {
			s.Kind = KindGenerate
		}
		s.DependsOn = mergeDependencies(s.DependsOn, prompt.StepRefs(s.Prompt))
	}

	if err := t.Validate(); err != nil {
		return err
	}

	fp, err := fingerprint(t)
	if err != nil {
		return err
	}
	t.Fingerprint = fp
	if t.Version == "" {
		t.Version = strings.TrimPrefix(fp, "blake3:")[:versionLength]
	}
	return nil
}

// mergeDependencies returns explicit deps followed by inferred ones, without
// duplicates.
func mergeDependencies(explicit, inferred []string) []string {
	if len(explicit) == 0 && len(inferred) == 0 {
		return nil
	}
	out := make([]string, 0, len(explicit)+len(inferred))
	seen := make(map[string]struct{}, cap(out))
	for _, list := range [][]string{explicit, inferred} {
		for _, dep := range list {
			dep = strings.TrimSpace(dep)
			if dep == "" {
				continue
			}
			if _, ok := seen[dep]; ok {
				continue
			}
			seen[dep] = struct{}{}
			out = append(out, dep)
		}
	}
	return out
}

func fingerprint(t *Template) (string, error) {
	type fingerprintShape struct {
		ID          string   `json:"id"`
		Name        string   `json:"name"`
		Description string   `json:"description"`
		Inputs      []string `json:"inputs"`
		Steps       []Step   `json:"steps"`
	}

	inputs := append([]string(nil), t.Inputs...)
	sort.Strings(inputs)

	body, err := json.Marshal(fingerprintShape{
		ID:          t.ID,
		Name:        t.Name,
		Description: t.Description,
		Inputs:      inputs,
		Steps:       t.Steps,
	})
	if err != nil {
		return "", fmt.Errorf("marshal template fingerprint input: %w", err)
	}
	sum := blake3.Sum256(body)
	return "blake3:" + hex.EncodeToString(sum[:]), nil
}
