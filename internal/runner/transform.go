package runner

import (
	"context"
	"html"
	"strings"

	"github.com/mattjoyce/quill/internal/template"
	"github.com/microcosm-cc/bluemonday"
)

var stripPolicy = bluemonday.StrictPolicy()

var transforms = map[template.TransformOp]func(string) string{
	template.OpTrim:  strings.TrimSpace,
	template.OpLower: strings.ToLower,
	template.OpUpper: strings.ToUpper,
	template.OpStripHTML: func(s string) string {
		return strings.TrimSpace(html.UnescapeString(stripPolicy.Sanitize(s)))
	},
}

type transformStep struct {
	id    string
	op    template.TransformOp
	apply func(string) string
}

func (s *transformStep) ID() string { return s.id }

func (s *transformStep) execute(ctx context.Context, rendered string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	return Result{Output: s.apply(rendered)}, nil
}
