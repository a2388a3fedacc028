// Package prompt renders step prompt templates.
//
// Two placeholder namespaces are recognised:
//
//	{{inputs.<path>}}  a pipeline input; dotted paths walk nested maps
//	{{steps.<id>}}     the output of a completed step
//
// Whitespace inside the braces is ignored. Any other text is left untouched.
package prompt

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*(inputs|steps)\.([A-Za-z0-9_\-]+(?:\.[A-Za-z0-9_\-]+)*)\s*\}\}`)

// referencePattern catches anything that looks like an inputs or steps
// reference, including ones placeholderPattern rejects.
var referencePattern = regexp.MustCompile(`\{\{\s*(?:inputs?|steps?)\b[^{}]*\}\}`)

var stepIDPattern = regexp.MustCompile(`^[A-Za-z0-9_\-]+$`)

// ErrUnresolvedPlaceholder is matched by every *UnresolvedPlaceholderError.
var ErrUnresolvedPlaceholder = errors.New("unresolved placeholder")

// UnresolvedPlaceholderError reports a reference with no value.
type UnresolvedPlaceholderError struct {
	Placeholder string
}

func (e *UnresolvedPlaceholderError) Error() string {
	return fmt.Sprintf("unresolved placeholder %q", e.Placeholder)
}

func (e *UnresolvedPlaceholderError) Is(target error) bool {
	return target == ErrUnresolvedPlaceholder
}

// ValidStepID reports whether id can be referenced as {{steps.<id>}}.
func ValidStepID(id string) bool {
	return stepIDPattern.MatchString(id)
}

// Malformed returns reference-looking fragments of text, such as
// {{step.a}} or {{steps.my step}}, that are not valid placeholders.
func Malformed(text string) []string {
	var bad []string
	for _, m := range referencePattern.FindAllString(text, -1) {
		if placeholderPattern.FindString(m) != m {
			bad = append(bad, m)
		}
	}
	return bad
}

// Render substitutes every placeholder in text. It fails on the first
// reference that cannot be resolved, including malformed ones.
func Render(text string, inputs map[string]any, outputs map[string]string) (string, error) {
	if bad := Malformed(text); len(bad) > 0 {
		return "", &UnresolvedPlaceholderError{Placeholder: strings.TrimSpace(strings.Trim(bad[0], "{}"))}
	}

	var firstErr error
	rendered := placeholderPattern.ReplaceAllStringFunc(text, func(match string) string {
		if firstErr != nil {
			return match
		}
		groups := placeholderPattern.FindStringSubmatch(match)
		namespace, path := groups[1], groups[2]

		switch namespace {
		case "steps":
			out, ok := outputs[path]
			if !ok {
				firstErr = &UnresolvedPlaceholderError{Placeholder: namespace + "." + path}
				return match
			}
			return out
		default:
			v, ok := lookup(inputs, strings.Split(path, "."))
			if !ok {
				firstErr = &UnresolvedPlaceholderError{Placeholder: namespace + "." + path}
				return match
			}
			s, err := stringify(v)
			if err != nil {
				firstErr = fmt.Errorf("render %s.%s: %w", namespace, path, err)
				return match
			}
			return s
		}
	})
	if firstErr != nil {
		return "", firstErr
	}
	return rendered, nil
}

// StepRefs returns the step IDs referenced by text, in first-seen order.
func StepRefs(text string) []string {
	var refs []string
	seen := make(map[string]struct{})
	for _, groups := range placeholderPattern.FindAllStringSubmatch(text, -1) {
		if groups[1] != "steps" {
			continue
		}
		if _, ok := seen[groups[2]]; ok {
			continue
		}
		seen[groups[2]] = struct{}{}
		refs = append(refs, groups[2])
	}
	return refs
}

// InputRefs returns the top-level input names referenced by text.
func InputRefs(text string) []string {
	var refs []string
	seen := make(map[string]struct{})
	for _, groups := range placeholderPattern.FindAllStringSubmatch(text, -1) {
		if groups[1] != "inputs" {
			continue
		}
		name, _, _ := strings.Cut(groups[2], ".")
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		refs = append(refs, name)
	}
	return refs
}

func lookup(values map[string]any, path []string) (any, bool) {
	var cur any = values
	for _, key := range path {
		switch m := cur.(type) {
		case map[string]any:
			v, ok := m[key]
			if !ok {
				return nil, false
			}
			cur = v
		case map[string]string:
			v, ok := m[key]
			if !ok {
				return nil, false
			}
			cur = v
		default:
			return nil, false
		}
	}
	if cur == nil {
		return nil, false
	}
	return cur, true
}

func stringify(v any) (string, error) {
	switch val := v.(type) {
	case string:
		return val, nil
	case fmt.Stringer:
		return val.String(), nil
	case map[string]any, map[string]string, []any, []string:
		b, err := json.Marshal(val)
		if err != nil {
			return "", err
		}
		return string(b), nil
	default:
		return fmt.Sprint(val), nil
	}
}
