// Package tui renders the watch dashboard: a live view of the board,
// rate-limit headroom, and the pause flag, polled from the daemon when
// one is running or read straight from the store otherwise.
package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// pollEvery is the dashboard refresh interval.
const pollEvery = 2 * time.Second

// Status is one dashboard refresh.
type Status struct {
	Source     string
	Paused     bool
	Uptime     string
	TaskCounts map[string]int
	Tasks      []TaskRow
	FiveHour   float64
	Weekly     float64
}

// TaskRow is one line of the task table.
type TaskRow struct {
	ID        string
	Objective string
	Status    string
	Attempts  int
}

// StatusSource feeds the dashboard. Fetch is called on every poll tick.
type StatusSource interface {
	Fetch() (*Status, error)
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	pausedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("11"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("13"))

	statusStyles = map[string]lipgloss.Style{
		"pending":     lipgloss.NewStyle().Foreground(lipgloss.Color("7")),
		"in_progress": lipgloss.NewStyle().Foreground(lipgloss.Color("12")),
		"blocked":     lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		"complete":    lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		"failed":      lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
	}
)

type tickMsg time.Time

type statusMsg struct {
	status *Status
	err    error
}

// Model is the bubbletea model for the watch dashboard.
type Model struct {
	source  StatusSource
	status  *Status
	fetched bool
	err     error
	width   int
	height  int
}

// NewModel creates a dashboard over the given source.
func NewModel(source StatusSource) Model {
	return Model{source: source}
}

// Init schedules the first poll.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.fetch, tick())
}

func tick() tea.Cmd {
	return tea.Tick(pollEvery, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) fetch() tea.Msg {
	status, err := m.source.Fetch()
	return statusMsg{status: status, err: err}
}

// Update handles polling and keys.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil
	case tickMsg:
		return m, tea.Batch(m.fetch, tick())
	case statusMsg:
		m.fetched = true
		m.err = msg.err
		if msg.err == nil {
			m.status = msg.status
		}
		return m, nil
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	}
	return m, nil
}

// View renders the dashboard.
func (m Model) View() string {
	var b strings.Builder

	title := titleStyle.Render("undercity watch")
	if m.status != nil && m.status.Paused {
		title += "  " + pausedStyle.Render("[PAUSED]")
	}
	b.WriteString(title + "\n")

	if m.err != nil {
		b.WriteString(errStyle.Render("error: "+m.err.Error()) + "\n")
		return b.String()
	}
	if !m.fetched || m.status == nil {
		b.WriteString(dimStyle.Render("connecting...") + "\n")
		return b.String()
	}

	b.WriteString(dimStyle.Render(fmt.Sprintf("source: %s · uptime %s", m.status.Source, m.status.Uptime)) + "\n\n")

	b.WriteString(renderCounts(m.status.TaskCounts) + "\n\n")
	b.WriteString(renderUsage("5-hour", m.status.FiveHour) + "\n")
	b.WriteString(renderUsage("weekly", m.status.Weekly) + "\n\n")
	b.WriteString(renderTasks(m.status.Tasks))

	b.WriteString("\n" + dimStyle.Render("q to quit"))
	return b.String()
}

func renderCounts(counts map[string]int) string {
	order := []string{"pending", "in_progress", "blocked", "complete", "failed"}
	parts := make([]string, 0, len(order))
	for _, status := range order {
		style, ok := statusStyles[status]
		if !ok {
			style = dimStyle
		}
		parts = append(parts, style.Render(fmt.Sprintf("%s %d", status, counts[status])))
	}
	return strings.Join(parts, "  ")
}

// renderUsage draws a 20-cell bar for one rate-limit window.
func renderUsage(label string, fraction float64) string {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	const cells = 20
	filled := int(fraction * cells)
	bar := strings.Repeat("█", filled) + strings.Repeat("░", cells-filled)

	style := statusStyles["complete"]
	switch {
	case fraction >= 0.95:
		style = statusStyles["failed"]
	case fraction >= 0.80:
		style = statusStyles["blocked"]
	}
	return fmt.Sprintf("%-7s %s %3.0f%%", label, style.Render(bar), fraction*100)
}

func renderTasks(tasks []TaskRow) string {
	if len(tasks) == 0 {
		return dimStyle.Render("board is empty")
	}

	sorted := make([]TaskRow, len(tasks))
	copy(sorted, tasks)
	sort.SliceStable(sorted, func(i, j int) bool {
		return statusRank(sorted[i].Status) < statusRank(sorted[j].Status)
	})

	var b strings.Builder
	b.WriteString(headerStyle.Render(fmt.Sprintf("%-10s %-12s %-8s %s", "TASK", "STATUS", "ATTEMPTS", "OBJECTIVE")) + "\n")
	for _, t := range sorted {
		style, ok := statusStyles[t.Status]
		if !ok {
			style = dimStyle
		}
		b.WriteString(fmt.Sprintf("%-10s %s %-8d %s\n",
			shortID(t.ID),
			style.Render(fmt.Sprintf("%-12s", t.Status)),
			t.Attempts,
			truncate(t.Objective, 60)))
	}
	return b.String()
}

func statusRank(status string) int {
	switch status {
	case "in_progress":
		return 0
	case "pending":
		return 1
	case "blocked":
		return 2
	case "failed":
		return 3
	default:
		return 4
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// Run starts the dashboard program and blocks until quit.
func Run(source StatusSource) error {
	p := tea.NewProgram(NewModel(source), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
