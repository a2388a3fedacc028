package watch

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/quill/internal/events"
	"github.com/mattjoyce/quill/internal/pipeline"
	"github.com/mattjoyce/quill/internal/tui"
)

const eventLogSize = 50

func renderEventStream(eventLog []events.Event, theme tui.Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	lines := make([]string, 0, 10)
	for i, e := range eventLog {
		if i >= 10 {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n")),
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme tui.Theme) string {
	at := e.At
	if at.IsZero() {
		at = time.Now()
	}
	ts := theme.Dim.Render(at.Format("15:04:05"))

	var typeStyle lipgloss.Style
	switch {
	case strings.HasSuffix(e.Type, ".completed"):
		typeStyle = theme.Completed
	case strings.HasSuffix(e.Type, ".failed"):
		typeStyle = theme.Failed
	case strings.HasSuffix(e.Type, ".running"):
		typeStyle = theme.Running
	case strings.HasSuffix(e.Type, ".cancelled"), strings.HasSuffix(e.Type, ".skipped"):
		typeStyle = theme.Highlight
	default:
		typeStyle = theme.Dim
	}

	return fmt.Sprintf("%s %s %s", ts, typeStyle.Render(fmt.Sprintf("%-15s", e.Type)), describeEvent(e))
}

func describeEvent(e events.Event) string {
	var p pipeline.Progress
	if err := json.Unmarshal(e.Data, &p); err != nil || p.RunID == "" {
		raw := string(e.Data)
		if len(raw) > 60 {
			raw = raw[:60] + "..."
		}
		return raw
	}
	desc := "[" + shortID(p.RunID) + "]"
	if p.StepID != "" {
		desc += " " + p.StepID
	}
	return fmt.Sprintf("%s %d/%d", desc, p.Settled, p.Total)
}
