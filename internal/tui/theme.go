// Package tui holds styling shared by the terminal views.
package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/quill/internal/pipeline"
)

// Theme centralizes all colors used by the terminal views.
type Theme struct {
	Completed lipgloss.Style
	Running   lipgloss.Style
	Failed    lipgloss.Style
	Pending   lipgloss.Style
	Skipped   lipgloss.Style

	Border    lipgloss.Style
	Title     lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style
	Help      lipgloss.Style

	ActivityOn  lipgloss.Style
	ActivityOff lipgloss.Style
}

func NewDefaultTheme() Theme {
	purple := lipgloss.Color("#874BFD")

	return Theme{
		Completed: lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		Running:   lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),
		Failed:    lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		Pending:   lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Skipped:   lipgloss.NewStyle().Foreground(lipgloss.Color("#666666")),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(purple),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#61AFEF")),
		Dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Highlight: lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),
		Help:      lipgloss.NewStyle().Foreground(lipgloss.Color("241")),

		ActivityOn:  lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		ActivityOff: lipgloss.NewStyle().Foreground(lipgloss.Color("#444444")),
	}
}

// StepStyle picks the style for a step status.
func (t Theme) StepStyle(s pipeline.StepStatus) lipgloss.Style {
	switch s {
	case pipeline.StepCompleted:
		return t.Completed
	case pipeline.StepRunning, pipeline.StepReady:
		return t.Running
	case pipeline.StepFailed:
		return t.Failed
	case pipeline.StepSkipped:
		return t.Skipped
	default:
		return t.Pending
	}
}

// RunStyle picks the style for a run status.
func (t Theme) RunStyle(s pipeline.RunStatus) lipgloss.Style {
	switch s {
	case pipeline.RunCompleted:
		return t.Completed
	case pipeline.RunFailed:
		return t.Failed
	case pipeline.RunRunning:
		return t.Running
	default:
		return t.Pending
	}
}
