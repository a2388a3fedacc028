package progress

import (
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/quill/internal/pipeline"
)

func step(m tea.Model, msg tea.Msg) (Model, tea.Cmd) {
	next, cmd := m.Update(msg)
	return next.(Model), cmd
}

func TestModelTracksProgress(t *testing.T) {
	ch := make(chan pipeline.Progress, 4)
	m := New("run-1", []string{"outline", "draft"}, ch, nil)

	m, cmd := step(m, progressMsg{RunID: "run-1", RunStatus: pipeline.RunRunning, Total: 2})
	require.NotNil(t, cmd, "keeps listening after an update")

	m, _ = step(m, progressMsg{
		RunID:      "run-1",
		StepID:     "outline",
		StepStatus: pipeline.StepCompleted,
		RunStatus:  pipeline.RunRunning,
		Completed:  1,
		Settled:    1,
		Total:      2,
		Fraction:   0.5,
		Outputs:    map[string]string{"outline": "first line\nsecond line"},
	})
	assert.Equal(t, pipeline.StepCompleted, m.steps["outline"])
	assert.Equal(t, pipeline.StepPending, m.steps["draft"])
	assert.Equal(t, 0.5, m.Last().Fraction)

	view := m.View()
	assert.Contains(t, view, "run-1")
	assert.Contains(t, view, "outline")
	assert.Contains(t, view, "first line …")
	assert.NotContains(t, view, "second line")
	assert.Contains(t, view, "1/2 settled")
}

func TestModelQuitsWhenStreamCloses(t *testing.T) {
	ch := make(chan pipeline.Progress)
	close(ch)
	m := New("r", []string{"a"}, ch, nil)

	msg := waitForProgress(ch)()
	assert.IsType(t, streamClosedMsg{}, msg)

	m, cmd := step(m, msg)
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
	assert.True(t, m.done)
}

func TestModelForwardsInterrupts(t *testing.T) {
	calls := 0
	m := New("r", []string{"a"}, make(chan pipeline.Progress), func() { calls++ })

	m, cmd := step(m, tea.KeyMsg{Type: tea.KeyCtrlC})
	assert.Nil(t, cmd, "ctrl+c does not quit on its own")
	assert.Contains(t, m.View(), "again to abort")
	m, _ = step(m, tea.KeyMsg{Type: tea.KeyCtrlC})
	assert.Equal(t, 2, calls)
	assert.Equal(t, 2, m.interrupts)
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "short", preview("  short  "))
	long := strings.Repeat("x", 100)
	got := []rune(preview(long))
	assert.Len(t, got, previewWidth)
	assert.Equal(t, '…', got[len(got)-1])
}
