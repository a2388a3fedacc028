package watch

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/quill/internal/events"
	"github.com/mattjoyce/quill/internal/pipeline"
	"github.com/mattjoyce/quill/internal/tui"
)

// maxFinishedRuns bounds how many settled runs stay on screen.
const maxFinishedRuns = 10

// RunState tracks one run seen on the event stream.
type RunState struct {
	ID        string
	Status    pipeline.RunStatus
	Steps     map[string]pipeline.StepStatus
	Settled   int
	Total     int
	FirstSeen time.Time
	LastSeen  time.Time
}

// updateRunState folds one engine event into runs.
func updateRunState(runs map[string]*RunState, e events.Event, now time.Time) {
	if !strings.HasPrefix(e.Type, "run.") && !strings.HasPrefix(e.Type, "step.") {
		return
	}
	var p pipeline.Progress
	if err := json.Unmarshal(e.Data, &p); err != nil || p.RunID == "" {
		return
	}

	r, ok := runs[p.RunID]
	if !ok {
		r = &RunState{ID: p.RunID, Steps: make(map[string]pipeline.StepStatus), FirstSeen: now}
		runs[p.RunID] = r
	}
	r.Status = p.RunStatus
	r.Settled = p.Settled
	r.Total = p.Total
	r.LastSeen = now
	if p.StepID != "" {
		r.Steps[p.StepID] = p.StepStatus
	}
	pruneFinished(runs)
}

// pruneFinished drops the oldest terminal runs beyond maxFinishedRuns.
func pruneFinished(runs map[string]*RunState) {
	var finished []*RunState
	for _, r := range runs {
		if r.Status.Terminal() {
			finished = append(finished, r)
		}
	}
	if len(finished) <= maxFinishedRuns {
		return
	}
	sort.Slice(finished, func(i, j int) bool { return finished[i].LastSeen.Before(finished[j].LastSeen) })
	for _, r := range finished[:len(finished)-maxFinishedRuns] {
		delete(runs, r.ID)
	}
}

// sortedRuns returns active runs first, then newest first.
func sortedRuns(runs map[string]*RunState) []*RunState {
	out := make([]*RunState, 0, len(runs))
	for _, r := range runs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		ai, aj := !out[i].Status.Terminal(), !out[j].Status.Terminal()
		if ai != aj {
			return ai
		}
		if !out[i].FirstSeen.Equal(out[j].FirstSeen) {
			return out[i].FirstSeen.After(out[j].FirstSeen)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func renderRuns(runs map[string]*RunState, selected int, theme tui.Theme, width int) string {
	innerWidth := width - 4

	if len(runs) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("RUNS"),
			theme.Dim.Render("  No run activity yet..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	lines := []string{theme.Title.Render("RUNS")}
	for i, r := range sortedRuns(runs) {
		lines = append(lines, renderRunRow(r, i == selected, theme))
	}
	return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func renderRunRow(r *RunState, isSelected bool, theme tui.Theme) string {
	idStyle := lipgloss.NewStyle()
	if isSelected {
		idStyle = idStyle.Bold(true).
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))
	}

	var line strings.Builder
	fmt.Fprintf(&line, " %s  %s  %d/%d  %s",
		idStyle.Render(shortID(r.ID)),
		theme.RunStyle(r.Status).Render(fmt.Sprintf("%-9s", r.Status)),
		r.Settled, r.Total,
		theme.Dim.Render(formatAgo(time.Since(r.FirstSeen).Round(time.Second))),
	)

	if !isSelected && r.Status.Terminal() {
		return line.String()
	}
	ids := make([]string, 0, len(r.Steps))
	for id := range r.Steps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		st := r.Steps[id]
		fmt.Fprintf(&line, "\n    └─ %-20s %s", id, theme.StepStyle(st).Render(string(st)))
	}
	return line.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatAgo(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh ago", int(d.Hours()))
}
