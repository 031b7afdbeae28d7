package tui

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/kestrelworks/sprintd/internal/sprint"
)

// TaskPaneModel renders the task graph with live statuses.
type TaskPaneModel struct {
	snapshot *sprint.Snapshot
	width    int
	height   int
	focused  bool
}

// NewTaskPaneModel creates an empty task pane.
func NewTaskPaneModel() TaskPaneModel {
	return TaskPaneModel{}
}

// SetSnapshot replaces the rendered snapshot.
func (m *TaskPaneModel) SetSnapshot(s *sprint.Snapshot) {
	m.snapshot = s
}

// SetSize updates the pane dimensions.
func (m *TaskPaneModel) SetSize(width, height int) {
	m.width = width
	m.height = height
}

// SetFocused updates the focus state.
func (m *TaskPaneModel) SetFocused(focused bool) {
	m.focused = focused
}

// View renders the pane.
func (m TaskPaneModel) View() string {
	border := StyleUnfocusedBorder
	if m.focused {
		border = StyleFocusedBorder
	}

	var b strings.Builder
	b.WriteString(StyleTitle.Render("Tasks"))
	b.WriteString("\n")

	if m.snapshot == nil {
		b.WriteString("waiting for state...")
		return border.Width(m.width - 2).Height(m.height - 2).Render(b.String())
	}

	s := m.snapshot
	fmt.Fprintf(&b, "budget %d/%d", s.BudgetUsed, s.Limits.BudgetTotal)
	if s.Stuck {
		b.WriteString("  ")
		b.WriteString(StyleNotice.Render("stuck"))
	}
	if s.Paused != nil {
		b.WriteString("  ")
		b.WriteString(StyleNotice.Render("paused"))
	}
	b.WriteString("\n\n")

	tasks := append([]*sprint.Task(nil), s.Tasks...)
	sort.SliceStable(tasks, func(i, j int) bool {
		if pi, pj := sprint.PhaseRank(tasks[i].Phase), sprint.PhaseRank(tasks[j].Phase); pi != pj {
			return pi < pj
		}
		return tasks[i].Seq < tasks[j].Seq
	})

	// Leave room for the title and budget lines inside the border.
	visible := m.height - 6
	for i, t := range tasks {
		if visible > 0 && i >= visible {
			fmt.Fprintf(&b, "... %d more\n", len(tasks)-i)
			break
		}
		b.WriteString(renderTask(t, m.width-4))
		b.WriteString("\n")
	}

	return border.Width(m.width - 2).Height(m.height - 2).Render(b.String())
}

func renderTask(t *sprint.Task, width int) string {
	line := fmt.Sprintf("%s %s: %s", statusGlyph(t.Status), t.ID, t.Description)
	if width > 3 && lipgloss.Width(line) > width {
		line = line[:width-3] + "..."
	}
	return taskStyle(t.Status).Render(line)
}

func statusGlyph(s sprint.Status) string {
	switch s {
	case sprint.StatusDone:
		return "✓"
	case sprint.StatusInProgress:
		return "▸"
	case sprint.StatusBlocked:
		return "✗"
	case sprint.StatusDescoped:
		return "-"
	default:
		return "·"
	}
}

func taskStyle(s sprint.Status) lipgloss.Style {
	switch s {
	case sprint.StatusDone:
		return StyleTaskDone
	case sprint.StatusInProgress:
		return StyleTaskInProgress
	case sprint.StatusBlocked:
		return StyleTaskBlocked
	case sprint.StatusDescoped:
		return StyleTaskDescoped
	default:
		return StyleTaskPending
	}
}
