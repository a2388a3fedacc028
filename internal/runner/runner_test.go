package runner

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/quill/internal/log"
	"github.com/mattjoyce/quill/internal/prompt"
	"github.com/mattjoyce/quill/internal/provider"
	"github.com/mattjoyce/quill/internal/provider/mocks"
	"github.com/mattjoyce/quill/internal/template"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json")
	os.Exit(m.Run())
}

func testTemplate() *template.Template {
	return &template.Template{
		ID:      "brief",
		Version: "1",
		Steps: []template.Step{
			{ID: "outline", Kind: template.KindGenerate, Prompt: "Outline {{inputs.topic}}", Models: []string{"fast", "slow"}},
			{ID: "draft", Kind: template.KindGenerate, Prompt: "Draft from {{steps.outline}}", DependsOn: []string{"outline"}},
			{ID: "clean", Kind: template.KindTransform, Transform: template.OpStripHTML, Prompt: "{{steps.draft}}", DependsOn: []string{"draft"}},
		},
	}
}

func TestPrepareRendersPrompt(t *testing.T) {
	r, err := Bind(testTemplate(), &provider.Echo{}, Options{})
	require.NoError(t, err)

	inv, err := r.Prepare("draft", map[string]string{"outline": "1. intro"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "draft", inv.StepID)
	assert.Equal(t, "Draft from 1. intro", inv.Prompt)
}

func TestPrepareUnresolvedIsTemplateDefect(t *testing.T) {
	r, err := Bind(testTemplate(), &provider.Echo{}, Options{})
	require.NoError(t, err)

	_, err = r.Prepare("outline", nil, map[string]any{})
	assert.ErrorIs(t, err, prompt.ErrUnresolvedPlaceholder)

	_, err = r.Prepare("nope", nil, nil)
	assert.ErrorIs(t, err, ErrUnknownStep)
}

func TestGenerateFallsThroughOnUnavailable(t *testing.T) {
	ctrl := gomock.NewController(t)
	p := mocks.NewMockProvider(ctrl)
	gomock.InOrder(
		p.EXPECT().Generate(gomock.Any(), "Outline go", "fast").
			Return("", provider.Unavailable(errors.New("429"))),
		p.EXPECT().Generate(gomock.Any(), "Outline go", "slow").
			Return("an outline", nil),
	)

	r, err := Bind(testTemplate(), p, Options{})
	require.NoError(t, err)

	res, err := r.Run(context.Background(), "outline", nil, map[string]any{"topic": "go"})
	require.NoError(t, err)
	assert.Equal(t, "an outline", res.Output)
	assert.Equal(t, "slow", res.Model)
}

func TestGenerateStopsOnContentError(t *testing.T) {
	ctrl := gomock.NewController(t)
	p := mocks.NewMockProvider(ctrl)
	p.EXPECT().Generate(gomock.Any(), gomock.Any(), "fast").Return("", provider.ErrEmptyOutput)

	r, err := Bind(testTemplate(), p, Options{})
	require.NoError(t, err)

	_, err = r.Run(context.Background(), "outline", nil, map[string]any{"topic": "go"})
	assert.ErrorIs(t, err, provider.ErrEmptyOutput)
	assert.False(t, provider.IsUnavailable(err))
}

func TestGenerateAllUnavailable(t *testing.T) {
	ctrl := gomock.NewController(t)
	p := mocks.NewMockProvider(ctrl)
	p.EXPECT().Generate(gomock.Any(), gomock.Any(), gomock.Any()).
		Return("", provider.Unavailable(errors.New("down"))).Times(2)

	r, err := Bind(testTemplate(), p, Options{})
	require.NoError(t, err)

	_, err = r.Run(context.Background(), "outline", nil, map[string]any{"topic": "go"})
	require.Error(t, err)
	assert.True(t, provider.IsUnavailable(err))
	assert.Contains(t, err.Error(), "all 2 model preferences unavailable")
}

func TestGenerateDefaultModel(t *testing.T) {
	ctrl := gomock.NewController(t)
	p := mocks.NewMockProvider(ctrl)
	p.EXPECT().Generate(gomock.Any(), "Draft from x", "").Return("drafted", nil)

	r, err := Bind(testTemplate(), p, Options{})
	require.NoError(t, err)

	res, err := r.Run(context.Background(), "draft", map[string]string{"outline": "x"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "drafted", res.Output)
	assert.Empty(t, res.Model)
}

func TestAttemptTimeoutFallsThrough(t *testing.T) {
	slow := provider.Func(func(ctx context.Context, _, model string) (string, error) {
		if model == "fast" {
			<-ctx.Done()
			return "", ctx.Err()
		}
		return "ok from " + model, nil
	})

	r, err := Bind(testTemplate(), slow, Options{AttemptTimeout: 20 * time.Millisecond})
	require.NoError(t, err)

	res, err := r.Run(context.Background(), "outline", nil, map[string]any{"topic": "go"})
	require.NoError(t, err)
	assert.Equal(t, "ok from slow", res.Output)
}

func TestCallerCancelStopsFallthrough(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	p := provider.Func(func(context.Context, string, string) (string, error) {
		calls++
		cancel()
		return "", provider.Unavailable(errors.New("down"))
	})

	r, err := Bind(testTemplate(), p, Options{})
	require.NoError(t, err)

	_, err = r.Run(ctx, "outline", nil, map[string]any{"topic": "go"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestTransformStepSkipsProvider(t *testing.T) {
	ctrl := gomock.NewController(t)
	p := mocks.NewMockProvider(ctrl) // no calls expected

	r, err := Bind(testTemplate(), p, Options{})
	require.NoError(t, err)

	res, err := r.Run(context.Background(), "clean", map[string]string{"draft": "<p>Fish &amp; <b>chips</b></p>"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "Fish & chips", res.Output)
	assert.Empty(t, res.Model)
}

func TestTransformOps(t *testing.T) {
	tests := []struct {
		op   template.TransformOp
		in   string
		want string
	}{
		{template.OpTrim, "  a b  ", "a b"},
		{template.OpLower, "MiXeD", "mixed"},
		{template.OpUpper, "MiXeD", "MIXED"},
		{template.OpStripHTML, "<script>x()</script><em>hi</em>", "hi"},
	}
	for _, tt := range tests {
		t.Run(string(tt.op), func(t *testing.T) {
			assert.Equal(t, tt.want, transforms[tt.op](tt.in))
		})
	}
}

func TestBindErrors(t *testing.T) {
	_, err := Bind(testTemplate(), nil, Options{})
	assert.Error(t, err, "generate steps need a provider")

	tmpl := &template.Template{ID: "x", Version: "1", Steps: []template.Step{
		{ID: "a", Kind: template.KindTransform, Transform: "rot13", Prompt: "p"},
	}}
	_, err = Bind(tmpl, nil, Options{})
	assert.Error(t, err)
}
