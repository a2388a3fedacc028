package watch

import (
	"bufio"
	"encoding/json"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/quill/internal/events"
	"github.com/mattjoyce/quill/internal/pipeline"
)

func progressEvent(t *testing.T, id int64, kind string, p pipeline.Progress) events.Event {
	t.Helper()
	data, err := json.Marshal(p)
	require.NoError(t, err)
	return events.Event{ID: id, Type: kind, Data: data}
}

func TestReadSSE(t *testing.T) {
	stream := "id: 1\nevent: run.running\ndata: {\"run_id\":\"r1\"}\n\n" +
		": keep-alive\n\n" +
		"id: 2\nevent: step.completed\ndata: {\"run_id\":\"r1\",\"step_id\":\"a\"}\n\n"
	ch := make(chan events.Event, 4)
	readSSE(bufio.NewScanner(strings.NewReader(stream)), ch)
	close(ch)

	var got []events.Event
	for e := range ch {
		got = append(got, e)
	}
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].ID)
	assert.Equal(t, "run.running", got[0].Type)
	assert.Equal(t, "step.completed", got[1].Type)
	assert.JSONEq(t, `{"run_id":"r1","step_id":"a"}`, string(got[1].Data))
}

func TestUpdateRunState(t *testing.T) {
	runs := map[string]*RunState{}
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	updateRunState(runs, progressEvent(t, 1, "run.running", pipeline.Progress{RunID: "r1", RunStatus: pipeline.RunRunning, Total: 2}), now)
	updateRunState(runs, progressEvent(t, 2, "step.completed", pipeline.Progress{
		RunID: "r1", StepID: "a", StepStatus: pipeline.StepCompleted, RunStatus: pipeline.RunRunning, Settled: 1, Total: 2,
	}), now)
	updateRunState(runs, events.Event{ID: 3, Type: "other", Data: []byte(`{"run_id":"r1"}`)}, now)
	updateRunState(runs, events.Event{ID: 4, Type: "run.running", Data: []byte(`not json`)}, now)

	require.Len(t, runs, 1)
	r := runs["r1"]
	assert.Equal(t, pipeline.RunRunning, r.Status)
	assert.Equal(t, 1, r.Settled)
	assert.Equal(t, pipeline.StepCompleted, r.Steps["a"])
}

func TestPruneFinishedKeepsActive(t *testing.T) {
	runs := map[string]*RunState{"live": {ID: "live", Status: pipeline.RunRunning}}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range maxFinishedRuns + 3 {
		id := string(rune('a' + i))
		runs[id] = &RunState{ID: id, Status: pipeline.RunCompleted, LastSeen: base.Add(time.Duration(i) * time.Second)}
	}
	pruneFinished(runs)

	assert.Len(t, runs, maxFinishedRuns+1)
	assert.Contains(t, runs, "live")
	assert.NotContains(t, runs, "a", "oldest finished run is dropped")
}

func TestModelEventFlow(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m := New("http://127.0.0.1:0", "tok")
	m.now = func() time.Time { return now }

	next, _ := m.Update(tea.WindowSizeMsg{Width: 100, Height: 40})
	m = next.(Model)
	next, cmd := m.Update(eventMsg(progressEvent(t, 7, "run.running", pipeline.Progress{RunID: "run-123456789", RunStatus: pipeline.RunRunning, Total: 3})))
	m = next.(Model)
	require.NotNil(t, cmd)

	assert.Equal(t, int64(7), m.lastID)
	assert.True(t, m.health.Connected)
	assert.Len(t, m.eventLog, 1)

	view := m.View()
	assert.Contains(t, view, "QUILL WATCH")
	assert.Contains(t, view, "run-1234")
	assert.Contains(t, view, "run.running")

	next, _ = m.Update(sseDisconnectedMsg{})
	m = next.(Model)
	assert.False(t, m.health.Connected)
	assert.Contains(t, m.View(), "reconnecting")

	next, _ = m.Update(healthMsg{Status: "ok", ActiveRuns: 2})
	m = next.(Model)
	assert.Equal(t, 2, m.health.ActiveRuns)
	assert.True(t, m.health.Connected)
}

func TestActivityDecay(t *testing.T) {
	var a Activity
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a.OnEvent(t0)
	assert.Equal(t, activityDots, a.dots)
	a.Decay(t0.Add(5 * time.Second))
	assert.Equal(t, 3, a.dots)
	a.Decay(t0.Add(time.Minute))
	assert.Equal(t, 0, a.dots)
}
