// Package splash renders backend discovery progress in the terminal while the
// shell waits for its backend.
package splash

import (
	"fmt"
	"strings"

	"deskmail/pkg/models"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
)

const (
	defaultBarWidth = 48
	maxBarWidth     = 72
)

// StatusMsg carries a discovery snapshot into the model.
type StatusMsg models.DiscoveryStatus

// Model is the splash screen.
type Model struct {
	title     string
	status    models.DiscoveryStatus
	progress  progress.Model
	spinner   spinner.Model
	cancelled bool
	width     int
}

// New creates the splash model.
func New(title string) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(colorBlue)

	return Model{
		title: title,
		status: models.DiscoveryStatus{
			State: models.DiscoveryDiscovering,
		},
		progress: progress.New(progress.WithDefaultGradient(), progress.WithWidth(defaultBarWidth)),
		spinner:  sp,
	}
}

// Init starts the spinner.
func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update handles discovery snapshots, resizes and the quit keys.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case StatusMsg:
		m.status = models.DiscoveryStatus(msg)
		if m.status.State.Terminal() {
			return m, tea.Quit
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.progress.Width = min(max(msg.Width-8, 10), maxBarWidth)
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc", "q":
			m.cancelled = true
			return m, tea.Quit
		}
		return m, nil

	case spinner.TickMsg:
		if m.status.State.Terminal() {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

// View renders the splash panel.
func (m Model) View() string {
	lines := []string{titleStyle.Render(m.title)}

	switch m.status.State {
	case models.DiscoveryReady:
		lines = append(lines,
			readyStyle.Render("Connected"),
			detailStyle.Render(fmt.Sprintf("%s after %s", m.status.Endpoint, m.elapsed())),
		)

	case models.DiscoveryFailed:
		lines = append(lines,
			errorStyle.Render("Could not reach the backend"),
			messageStyle.Render(m.status.Error),
		)

	default:
		lines = append(lines,
			m.spinner.View()+" "+messageStyle.Render(m.status.Message),
			m.progress.ViewAs(m.status.Progress),
			detailStyle.Render(m.detail()),
		)
	}

	return panelStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...)) + "\n"
}

// Status returns the last snapshot shown.
func (m Model) Status() models.DiscoveryStatus {
	return m.status
}

// Cancelled reports whether the user quit before discovery finished.
func (m Model) Cancelled() bool {
	return m.cancelled
}

func (m Model) detail() string {
	parts := []string{}
	if !m.status.Endpoint.IsZero() {
		parts = append(parts, m.status.Endpoint.String())
	}
	if m.status.UsingFallback {
		parts = append(parts, "fallback")
	}
	if m.status.Attempts > 0 {
		parts = append(parts, humanize.Comma(int64(m.status.Attempts))+" "+plural(m.status.Attempts, "probe", "probes"))
	}
	parts = append(parts, m.elapsed())
	return strings.Join(parts, " · ")
}

func (m Model) elapsed() string {
	return humanize.FtoaWithDigits(m.status.Elapsed.Seconds(), 1) + "s"
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
