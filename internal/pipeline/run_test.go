package pipeline

import (
	"errors"
	"testing"
	"time"

	"github.com/mattjoyce/quill/internal/template"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTemplate() *template.Template {
	return &template.Template{
		ID:      "t",
		Version: "1",
		Steps: []template.Step{
			{ID: "a", Kind: template.KindGenerate, Prompt: "a"},
			{ID: "b", Kind: template.KindGenerate, Prompt: "b", DependsOn: []string{"a"}},
		},
	}
}

func TestCanTransition(t *testing.T) {
	all := []StepStatus{StepPending, StepReady, StepRunning, StepCompleted, StepFailed, StepSkipped}
	legal := map[[2]StepStatus]bool{
		{StepPending, StepReady}:     true,
		{StepPending, StepSkipped}:   true,
		{StepReady, StepRunning}:     true,
		{StepRunning, StepCompleted}: true,
		{StepRunning, StepFailed}:    true,
	}
	for _, from := range all {
		for _, to := range all {
			assert.Equal(t, legal[[2]StepStatus{from, to}], CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestDeriveStatus(t *testing.T) {
	tests := []struct {
		name     string
		statuses []StepStatus
		want     RunStatus
	}{
		{name: "pending keeps running", statuses: []StepStatus{StepCompleted, StepPending}, want: RunRunning},
		{name: "ready keeps running", statuses: []StepStatus{StepReady}, want: RunRunning},
		{name: "running with failure still running", statuses: []StepStatus{StepFailed, StepRunning}, want: RunRunning},
		{name: "all completed", statuses: []StepStatus{StepCompleted, StepCompleted}, want: RunCompleted},
		{name: "failure with skips", statuses: []StepStatus{StepCompleted, StepFailed, StepSkipped}, want: RunFailed},
		{name: "empty", statuses: nil, want: RunCompleted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DeriveStatus(tt.statuses)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got, DeriveStatus(tt.statuses), "derivation must be pure")
		})
	}
}

func TestTransitionLifecycle(t *testing.T) {
	r := NewRun(testTemplate(), map[string]any{"topic": "x"})
	now := time.Now()
	require.NoError(t, r.Start(now))

	require.NoError(t, r.Transition("a", StepReady, now))
	require.NoError(t, r.Transition("a", StepRunning, now))
	a, _ := r.Step("a")
	assert.Equal(t, 1, a.Attempts)
	require.NotNil(t, a.StartedAt)

	a.Output = "out-a"
	require.NoError(t, r.Transition("a", StepCompleted, now))
	assert.Equal(t, map[string]string{"a": "out-a"}, r.Outputs())
	assert.Equal(t, map[string]bool{"a": true}, r.Satisfied())

	require.NoError(t, r.Transition("b", StepSkipped, now))
	status, err := r.Finish(false, now)
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, status)

	err = r.Transition("b", StepReady, now)
	var inv *InvariantError
	require.True(t, errors.As(err, &inv), "terminal runs reject transitions")
}

func TestTransitionIllegal(t *testing.T) {
	r := NewRun(testTemplate(), nil)
	require.NoError(t, r.Start(time.Now()))

	err := r.Transition("a", StepRunning, time.Now())
	var inv *InvariantError
	require.True(t, errors.As(err, &inv))
	assert.Contains(t, err.Error(), "pending -> running")

	err = r.Transition("ghost", StepReady, time.Now())
	require.True(t, errors.As(err, &inv))
}

func TestFinishRequiresSettledSteps(t *testing.T) {
	r := NewRun(testTemplate(), nil)
	require.NoError(t, r.Start(time.Now()))

	_, err := r.Finish(false, time.Now())
	var inv *InvariantError
	require.True(t, errors.As(err, &inv))

	status, err := r.Finish(true, time.Now())
	require.NoError(t, err)
	assert.Equal(t, RunCancelled, status)

	_, err = r.Finish(true, time.Now())
	require.Error(t, err, "finish happens exactly once")
}

func TestAbortSettlesRun(t *testing.T) {
	r := NewRun(testTemplate(), nil)
	require.NoError(t, r.Start(time.Now()))
	at := time.Now()
	require.NoError(t, r.Transition("a", StepReady, at))
	require.NoError(t, r.Transition("a", StepRunning, at))
	require.NoError(t, r.Transition("a", StepCompleted, at))
	r.Steps["a"].Output = "kept"

	r.Abort("run aborted: boom", at)

	assert.Equal(t, RunFailed, r.Status)
	assert.Equal(t, RunFailed, r.Derive(), "stored status agrees with step statuses")
	assert.Equal(t, StepCompleted, r.Steps["a"].Status)
	assert.Equal(t, "kept", r.Steps["a"].Output)
	assert.Equal(t, StepFailed, r.Steps["b"].Status)
	assert.Equal(t, "run aborted: boom", r.Steps["b"].Error)
	require.NotNil(t, r.CompletedAt)
}

func TestCloneIsDeep(t *testing.T) {
	r := NewRun(testTemplate(), map[string]any{"nested": map[string]any{"k": "v"}})
	c := r.Clone()

	c.Steps["a"].Status = StepFailed
	c.Inputs["nested"].(map[string]any)["k"] = "changed"
	c.Order[0] = "zzz"

	assert.Equal(t, StepPending, r.Steps["a"].Status)
	assert.Equal(t, "v", r.Inputs["nested"].(map[string]any)["k"])
	assert.Equal(t, "a", r.Order[0])
}

func TestSnapshotFraction(t *testing.T) {
	r := NewRun(testTemplate(), nil)
	now := time.Now()
	require.NoError(t, r.Start(now))
	require.NoError(t, r.Transition("a", StepReady, now))
	require.NoError(t, r.Transition("a", StepRunning, now))
	r.Steps["a"].Output = "x"
	require.NoError(t, r.Transition("a", StepCompleted, now))

	p := r.Snapshot("a", now)
	assert.Equal(t, r.ID, p.RunID)
	assert.Equal(t, StepCompleted, p.StepStatus)
	assert.Equal(t, 1, p.Completed)
	assert.Equal(t, 2, p.Total)
	assert.InDelta(t, 0.5, p.Fraction, 1e-9)
	assert.Equal(t, map[string]string{"a": "x"}, p.Outputs)
}
