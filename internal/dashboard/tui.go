// Package dashboard implements the read-only live task-list TUI described
// in SPEC_FULL.md §10: a bubbletea program polling internal/store on an
// interval, showing every task's status/worktree/token usage, with an
// optional git graph panel for the selected task's worktree.
//
// Grounded on internal/dashboard/tui.go's styling (muted color palette,
// bordered-panel rendering) and Model/Update/View shape, trimmed from a
// multi-panel product dashboard (autopilot stage tracker, cost/token
// sparkline cards, update-notification banner) down to the single task
// table and git graph panel the Task Executor's data model supports.
package dashboard

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/alekspetrov/agentloop/internal/store"
	"github.com/alekspetrov/agentloop/internal/task"
)

const (
	panelTotalWidth = 69
	panelInnerWidth = 65
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7eb8da"))

	borderStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#3d4450"))

	statusRunningStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#7eb8da"))

	statusPendingStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#6e7681"))

	statusFailedStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#d48a8a"))

	statusDoneStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#7ec699"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#8b949e"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#c9d1d9"))

	selectedStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7eb8da"))
)

// statusStyle picks a color for a task.Status, collapsing the core's nine
// states into the teacher's four visual buckets.
func statusStyle(s task.Status) lipgloss.Style {
	switch s {
	case task.StatusRunning, task.StatusTesting:
		return statusRunningStyle
	case task.StatusPending, task.StatusPaused, task.StatusStopped:
		return statusPendingStyle
	case task.StatusFailed, task.StatusExhausted:
		return statusFailedStyle
	case task.StatusCompleted, task.StatusFinished:
		return statusDoneStyle
	default:
		return labelStyle
	}
}

// Model is the bubbletea model for the live task dashboard.
type Model struct {
	store           *store.Store
	refreshInterval time.Duration

	tasks  []*task.Task
	cursor int

	gitGraphState *GitGraphState
	width, height int
	err           error
}

// NewModel constructs a dashboard Model polling st every refreshInterval.
// A non-positive interval falls back to one second.
func NewModel(st *store.Store, refreshInterval time.Duration) Model {
	if refreshInterval <= 0 {
		refreshInterval = time.Second
	}
	return Model{store: st, refreshInterval: refreshInterval}
}

type tasksMsg struct {
	tasks []*task.Task
	err   error
}

type tickMsg time.Time

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.loadTasksCmd(), m.tickCmd())
}

func (m Model) loadTasksCmd() tea.Cmd {
	return func() tea.Msg {
		tasks, err := m.store.ListTasks()
		return tasksMsg{tasks: tasks, err: err}
	}
}

func (m Model) tickCmd() tea.Cmd {
	return tea.Tick(m.refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
			return m, m.refreshSelectedGraphCmd()
		case "down", "j":
			if m.cursor < len(m.tasks)-1 {
				m.cursor++
			}
			return m, m.refreshSelectedGraphCmd()
		}
		return m, nil

	case tickMsg:
		return m, tea.Batch(m.loadTasksCmd(), m.tickCmd())

	case tasksMsg:
		m.err = msg.err
		m.tasks = msg.tasks
		if m.cursor >= len(m.tasks) {
			m.cursor = len(m.tasks) - 1
		}
		if m.cursor < 0 {
			m.cursor = 0
		}
		return m, nil

	case gitRefreshMsg:
		m.gitGraphState = msg.state
		return m, nil
	}

	return m, nil
}

func (m Model) refreshSelectedGraphCmd() tea.Cmd {
	t := m.selectedTask()
	if t == nil || t.WorktreePath == "" {
		return nil
	}
	return refreshGitGraphCmd(t.WorktreePath)
}

func (m Model) selectedTask() *task.Task {
	if m.cursor < 0 || m.cursor >= len(m.tasks) {
		return nil
	}
	return m.tasks[m.cursor]
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("agentloop — live task dashboard") + "\n\n")

	if m.err != nil {
		b.WriteString(statusFailedStyle.Render("error loading tasks: "+m.err.Error()) + "\n")
	}

	b.WriteString(renderPanel("TASKS", m.renderTaskList()))

	if sel := m.selectedTask(); sel != nil && sel.WorktreePath != "" {
		b.WriteString("\n")
		b.WriteString(m.renderGitGraph())
	}

	b.WriteString("\n" + helpStyle.Render("↑/k up · ↓/j down · q quit"))
	return b.String()
}

func (m Model) renderTaskList() string {
	if len(m.tasks) == 0 {
		return dotPad("no tasks yet", panelInnerWidth)
	}

	var lines []string
	header := fmt.Sprintf("%-3s %-22s %-10s %8s %10s", "", "NAME", "STATUS", "ITER MAX", "TOKENS")
	lines = append(lines, labelStyle.Render(padOrTruncate(header, panelInnerWidth)))

	for i, t := range m.tasks {
		marker := "  "
		if i == m.cursor {
			marker = "▸ "
		}
		name := truncateVisual(t.Name, 22)
		status := statusStyle(t.Status).Render(padOrTruncate(string(t.Status), 10))
		iterMax := fmt.Sprintf("%8d", t.EndCriteria.MaxIterations)
		tokens := fmt.Sprintf("%10d", t.TotalTokensUsed)

		line := fmt.Sprintf("%s%-22s %s %s %s", marker, name, status, iterMax, tokens)
		if i == m.cursor {
			line = selectedStyle.Render(marker) + line[len(marker):]
		}
		lines = append(lines, padOrTruncate(line, panelInnerWidth))
	}
	return strings.Join(lines, "\n")
}

func dotPad(s string, width int) string { return padOrTruncate(s, width) }

// renderPanel draws content inside a bordered, titled box of
// panelTotalWidth, matching the teacher's panel aesthetic.
func renderPanel(title, content string) string {
	var lines []string
	lines = append(lines, buildTopBorder(title))
	lines = append(lines, buildEmptyLine())
	for _, line := range strings.Split(content, "\n") {
		lines = append(lines, buildContentLine(line))
	}
	lines = append(lines, buildEmptyLine())
	lines = append(lines, buildBottomBorder())
	return strings.Join(lines, "\n")
}

func buildTopBorder(title string) string {
	titleUpper := strings.ToUpper(title)
	prefix := "╭─ "
	prefixWidth := lipgloss.Width(prefix + titleUpper + " ")
	dashCount := panelTotalWidth - prefixWidth - 1
	if dashCount < 0 {
		dashCount = 0
	}
	return borderStyle.Render(prefix) + labelStyle.Render(titleUpper) + borderStyle.Render(" "+strings.Repeat("─", dashCount)+"╮")
}

func buildBottomBorder() string {
	return borderStyle.Render("╰" + strings.Repeat("─", panelTotalWidth-2) + "╯")
}

func buildEmptyLine() string {
	border := borderStyle.Render("│")
	return border + strings.Repeat(" ", panelTotalWidth-2) + border
}

func buildContentLine(content string) string {
	contentWidth := panelTotalWidth - 4
	adjusted := padOrTruncate(content, contentWidth)
	border := borderStyle.Render("│")
	return border + " " + adjusted + " " + border
}

func padOrTruncate(s string, targetWidth int) string {
	visualWidth := lipgloss.Width(s)
	if visualWidth == targetWidth {
		return s
	}
	if visualWidth > targetWidth {
		return truncateVisual(s, targetWidth)
	}
	return s + strings.Repeat(" ", targetWidth-visualWidth)
}

func truncateVisual(s string, targetWidth int) string {
	visualWidth := lipgloss.Width(s)
	if visualWidth <= targetWidth {
		return s
	}
	if targetWidth <= 3 {
		return strings.Repeat(".", targetWidth)
	}
	result := ""
	width := 0
	for _, r := range s {
		runeWidth := lipgloss.Width(string(r))
		if width+runeWidth > targetWidth-3 {
			break
		}
		result += string(r)
		width += runeWidth
	}
	for width < targetWidth-3 {
		result += " "
		width++
	}
	return result + "..."
}

// Run starts the dashboard TUI against st, polling on refreshInterval.
func Run(st *store.Store, refreshInterval time.Duration) error {
	p := tea.NewProgram(NewModel(st, refreshInterval), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
