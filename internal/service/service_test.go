package service

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/quill/internal/events"
	"github.com/mattjoyce/quill/internal/log"
	"github.com/mattjoyce/quill/internal/pipeline"
	"github.com/mattjoyce/quill/internal/provider"
	"github.com/mattjoyce/quill/internal/retry"
	"github.com/mattjoyce/quill/internal/store"
	"github.com/mattjoyce/quill/internal/template"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json")
	os.Exit(m.Run())
}

const briefYAML = `
id: brief
inputs: [topic]
steps:
  - id: outline
    prompt: "outline {{inputs.topic}}"
  - id: draft
    prompt: "draft {{steps.outline}}"
  - id: shout
    kind: transform
    transform: upper
    prompt: "{{steps.draft}}"
`

func parseBrief(t *testing.T) *template.Template {
	t.Helper()
	tmpl, err := template.Parse([]byte(briefYAML))
	require.NoError(t, err)
	return tmpl
}

func newService(t *testing.T, p provider.Provider) (*Service, *store.Memory, *events.Hub) {
	t.Helper()
	repo := store.NewMemory()
	hub := events.NewHub(64)
	svc := New(repo, p, hub, Options{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	_, err := svc.ImportTemplate(context.Background(), parseBrief(t))
	require.NoError(t, err)
	return svc, repo, hub
}

func TestExecuteStoredTemplate(t *testing.T) {
	svc, repo, hub := newService(t, &provider.Echo{})
	sub, unsubscribe := hub.Subscribe()
	defer unsubscribe()

	h, err := svc.Execute(context.Background(), "brief", map[string]any{"topic": "go"})
	require.NoError(t, err)
	final, err := h.Wait()
	require.NoError(t, err)

	assert.Equal(t, pipeline.RunCompleted, final.Status)
	assert.Equal(t, "outline go", final.Steps["outline"].Output)
	assert.Equal(t, "draft outline go", final.Steps["draft"].Output)
	assert.Equal(t, "DRAFT OUTLINE GO", final.Steps["shout"].Output)

	saved, err := repo.FindRun(context.Background(), h.RunID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.RunCompleted, saved.Status)

	var kinds []string
	for len(sub) > 0 {
		kinds = append(kinds, (<-sub).Type)
	}
	assert.Contains(t, kinds, "run.completed")

	assert.Eventually(t, func() bool { return len(svc.Active()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestExecuteValidation(t *testing.T) {
	svc, _, _ := newService(t, &provider.Echo{})

	_, err := svc.Execute(context.Background(), "brief", nil)
	assert.ErrorIs(t, err, ErrMissingInput)

	_, err = svc.Execute(context.Background(), "nope", nil)
	assert.ErrorIs(t, err, store.ErrTemplateNotFound)
}

func TestExecuteTemplateRecordsTemplate(t *testing.T) {
	svc, repo, _ := newService(t, &provider.Echo{})
	tmpl := &template.Template{ID: "adhoc", Steps: []template.Step{{ID: "only", Prompt: "hello"}}}

	h, err := svc.ExecuteTemplate(context.Background(), tmpl, nil)
	require.NoError(t, err)
	final, err := h.Wait()
	require.NoError(t, err)
	assert.Equal(t, pipeline.RunCompleted, final.Status)

	got, err := repo.FindTemplate(context.Background(), "adhoc")
	require.NoError(t, err)
	assert.Equal(t, tmpl.Version, got.Version)
}

func TestImportTemplateRejectsCycles(t *testing.T) {
	svc, _, _ := newService(t, &provider.Echo{})
	tmpl := &template.Template{ID: "loop", Steps: []template.Step{
		{ID: "a", Prompt: "{{steps.b}}"},
		{ID: "b", Prompt: "{{steps.a}}"},
	}}
	_, err := svc.ImportTemplate(context.Background(), tmpl)
	assert.Error(t, err)
}

func TestCancel(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	p := provider.Func(func(_ context.Context, prompt, _ string) (string, error) {
		started <- struct{}{}
		<-release
		return prompt, nil
	})
	svc, _, _ := newService(t, p)

	h, err := svc.Execute(context.Background(), "brief", map[string]any{"topic": "go"})
	require.NoError(t, err)
	<-started
	assert.Equal(t, []string{h.RunID}, svc.Active())
	require.NoError(t, svc.Cancel(h.RunID))
	require.NoError(t, svc.Cancel(h.RunID), "repeat cancel is harmless")
	close(release)

	final, err := h.Wait()
	require.NoError(t, err)
	assert.Equal(t, pipeline.RunCancelled, final.Status)
	assert.Equal(t, pipeline.StepCompleted, final.Steps["outline"].Status)
	assert.Equal(t, pipeline.StepPending, final.Steps["draft"].Status)

	assert.Eventually(t, func() bool {
		return errors.Is(svc.Cancel(h.RunID), ErrRunNotActive)
	}, time.Second, 5*time.Millisecond)
}

func TestRetryFromFailedStep(t *testing.T) {
	var outlineCalls, draftCalls atomic.Int32
	p := provider.Func(func(_ context.Context, prompt, _ string) (string, error) {
		switch {
		case strings.HasPrefix(prompt, "outline"):
			outlineCalls.Add(1)
		case strings.HasPrefix(prompt, "draft"):
			if draftCalls.Add(1) == 1 {
				return "", errors.New("refused")
			}
		}
		return prompt, nil
	})
	svc, _, _ := newService(t, p)

	h, err := svc.Execute(context.Background(), "brief", map[string]any{"topic": "go"})
	require.NoError(t, err)
	first, err := h.Wait()
	require.NoError(t, err)
	require.Equal(t, pipeline.RunFailed, first.Status)
	require.Equal(t, pipeline.StepSkipped, first.Steps["shout"].Status)

	h2, err := svc.Retry(context.Background(), first.ID, "draft", false)
	require.NoError(t, err)
	second, err := h2.Wait()
	require.NoError(t, err)

	assert.Equal(t, pipeline.RunCompleted, second.Status)
	assert.Equal(t, first.ID, second.RetriedFrom)
	assert.Equal(t, *first.Steps["outline"], *second.Steps["outline"], "outline carried over unchanged")
	assert.Equal(t, int32(1), outlineCalls.Load())
	assert.Equal(t, 2, second.Steps["draft"].Attempts)
	assert.Equal(t, "DRAFT OUTLINE GO", second.Steps["shout"].Output)
}

func TestRetryErrors(t *testing.T) {
	svc, _, _ := newService(t, &provider.Echo{})

	_, err := svc.Retry(context.Background(), "missing", "draft", false)
	assert.ErrorIs(t, err, store.ErrRunNotFound)

	h, err := svc.Execute(context.Background(), "brief", map[string]any{"topic": "go"})
	require.NoError(t, err)
	_, err = h.Wait()
	require.NoError(t, err)

	_, err = svc.Retry(context.Background(), h.RunID, "nope", false)
	assert.ErrorIs(t, err, retry.ErrUnknownStep)
}

func TestShutdownAbortsAfterDeadline(t *testing.T) {
	p := provider.Func(func(ctx context.Context, _, _ string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	svc, _, _ := newService(t, p)

	h, err := svc.Execute(context.Background(), "brief", map[string]any{"topic": "go"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = svc.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	final, err := h.Wait()
	require.NoError(t, err)
	assert.Equal(t, pipeline.RunCancelled, final.Status)

	_, err = svc.Execute(context.Background(), "brief", map[string]any{"topic": "go"})
	assert.ErrorIs(t, err, ErrShuttingDown)
}
