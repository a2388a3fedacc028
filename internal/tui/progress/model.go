// Package progress renders a live view of one pipeline run.
package progress

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/quill/internal/pipeline"
	"github.com/mattjoyce/quill/internal/tui"
)

const previewWidth = 60

type progressMsg pipeline.Progress

type streamClosedMsg struct{}

// Model is the BubbleTea model for a single run.
type Model struct {
	runID   string
	order   []string
	updates <-chan pipeline.Progress

	steps  map[string]pipeline.StepStatus
	last   pipeline.Progress
	synced bool
	done   bool

	// onInterrupt is called for every ctrl+c; the stream decides when to quit.
	onInterrupt func()
	interrupts  int

	spinner spinner.Model
	bar     progress.Model
	theme   tui.Theme
}

// New builds a model for runID whose steps are listed in order. onInterrupt
// may be nil.
func New(runID string, order []string, updates <-chan pipeline.Progress, onInterrupt func()) Model {
	steps := make(map[string]pipeline.StepStatus, len(order))
	for _, id := range order {
		steps[id] = pipeline.StepPending
	}
	return Model{
		runID:       runID,
		order:       order,
		updates:     updates,
		steps:       steps,
		onInterrupt: onInterrupt,
		spinner:     spinner.New(spinner.WithSpinner(spinner.Dot)),
		bar:         progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
		theme:       tui.NewDefaultTheme(),
	}
}

// Last returns the most recent snapshot received.
func (m Model) Last() pipeline.Progress { return m.last }

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitForProgress(m.updates))
}

func waitForProgress(ch <-chan pipeline.Progress) tea.Cmd {
	return func() tea.Msg {
		p, ok := <-ch
		if !ok {
			return streamClosedMsg{}
		}
		return progressMsg(p)
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			m.interrupts++
			if m.onInterrupt != nil {
				m.onInterrupt()
			}
		}
		return m, nil

	case progressMsg:
		p := pipeline.Progress(msg)
		m.last = p
		m.synced = true
		if p.StepID != "" {
			m.steps[p.StepID] = p.StepStatus
		}
		return m, waitForProgress(m.updates)

	case streamClosedMsg:
		m.done = true
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) View() string {
	var b strings.Builder

	status := pipeline.RunPending
	if m.synced {
		status = m.last.RunStatus
	}
	title := m.theme.Title.Render("quill run " + m.runID)
	b.WriteString(title + "  " + m.theme.RunStyle(status).Render(string(status)) + "\n\n")

	for _, id := range m.order {
		st := m.steps[id]
		marker := "  "
		if st == pipeline.StepRunning {
			marker = m.spinner.View()
		}
		line := fmt.Sprintf("%s %-20s %s", marker, id, m.theme.StepStyle(st).Render(fmt.Sprintf("%-9s", st)))
		if out, ok := m.last.Outputs[id]; ok {
			line += "  " + m.theme.Dim.Render(preview(out))
		}
		b.WriteString(line + "\n")
	}

	b.WriteString("\n" + m.bar.ViewAs(m.last.Fraction))
	b.WriteString(fmt.Sprintf("  %d/%d settled\n", m.last.Settled, len(m.order)))

	switch {
	case m.done:
	case m.interrupts > 0:
		b.WriteString(m.theme.Help.Render(" cancelling... [ctrl+c] again to abort") + "\n")
	default:
		b.WriteString(m.theme.Help.Render(" [ctrl+c] cancel") + "\n")
	}

	return lipgloss.NewStyle().Margin(1, 2).Render(b.String())
}

// preview returns the first line of s, cut to previewWidth runes.
func preview(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i] + " …"
	}
	r := []rune(s)
	if len(r) > previewWidth {
		return string(r[:previewWidth-1]) + "…"
	}
	return s
}

// Run drives the model on a terminal until updates closes and returns the
// final snapshot.
func Run(runID string, order []string, updates <-chan pipeline.Progress, onInterrupt func(), opts ...tea.ProgramOption) (pipeline.Progress, error) {
	final, err := tea.NewProgram(New(runID, order, updates, onInterrupt), opts...).Run()
	if err != nil {
		return pipeline.Progress{}, fmt.Errorf("progress view: %w", err)
	}
	return final.(Model).Last(), nil
}
