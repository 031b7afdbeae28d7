package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/bubbles/viewport"

	"github.com/kestrelworks/sprintd/internal/events"
)

const maxLogLines = 500

// EventPaneModel is a scrollable log of loop events.
type EventPaneModel struct {
	viewport viewport.Model
	lines    []string
	width    int
	height   int
	focused  bool
}

// NewEventPaneModel creates an empty event pane.
func NewEventPaneModel() EventPaneModel {
	return EventPaneModel{viewport: viewport.New(0, 0)}
}

// Append adds a formatted line for the event and scrolls to the bottom.
func (m *EventPaneModel) Append(ev events.Event) {
	m.lines = append(m.lines, formatEvent(ev))
	if len(m.lines) > maxLogLines {
		m.lines = m.lines[len(m.lines)-maxLogLines:]
	}
	m.viewport.SetContent(strings.Join(m.lines, "\n"))
	m.viewport.GotoBottom()
}

// Update delegates scrolling keys to the viewport.
func (m EventPaneModel) Update(msg tea.Msg) (EventPaneModel, tea.Cmd) {
	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

// SetSize updates the pane dimensions.
func (m *EventPaneModel) SetSize(width, height int) {
	m.width = width
	m.height = height
	m.viewport.Width = width - 4
	m.viewport.Height = height - 4
}

// SetFocused updates the focus state.
func (m *EventPaneModel) SetFocused(focused bool) {
	m.focused = focused
}

// View renders the pane.
func (m EventPaneModel) View() string {
	border := StyleUnfocusedBorder
	if m.focused {
		border = StyleFocusedBorder
	}
	content := StyleTitle.Render("Events") + "\n" + m.viewport.View()
	return border.Width(m.width - 2).Height(m.height - 2).Render(content)
}

func formatEvent(ev events.Event) string {
	switch e := ev.(type) {
	case events.ActionDecidedEvent:
		line := fmt.Sprintf("iter %d: %s", e.Iteration, e.Action)
		if e.Detail != "" {
			line += " (" + e.Detail + ")"
		}
		return line
	case events.TaskDispatchedEvent:
		return fmt.Sprintf("task %s dispatched (attempt %d)", e.TaskID, e.Attempt)
	case events.TaskCompletedEvent:
		return StyleTaskDone.Render(fmt.Sprintf("task %s completed", e.TaskID))
	case events.TaskFailedEvent:
		return StyleTaskBlocked.Render(fmt.Sprintf("task %s failed: %s", e.TaskID, e.Reason))
	case events.TaskBlockedEvent:
		return StyleTaskBlocked.Render(fmt.Sprintf("task %s blocked (%s): %s", e.TaskID, e.Kind, e.Detail))
	case events.GatePassedEvent:
		line := fmt.Sprintf("gate %s passed after %d rounds", e.Gate, e.Rounds)
		if e.Warned {
			line += " (instability warning)"
		}
		return line
	case events.StuckDetectedEvent:
		return StyleNotice.Render(fmt.Sprintf("stuck at iteration %d", e.Iteration))
	case events.ValueAssessedEvent:
		return fmt.Sprintf("value %.2f, %d gaps, recommends %s", e.Score, e.Gaps, e.Recommendation)
	case events.PauseRequestedEvent:
		return StyleNotice.Render("paused: " + e.Instructions)
	case events.SprintTerminatedEvent:
		return StyleTitle.Render(fmt.Sprintf("terminated (%s): %s", e.Outcome, e.Why))
	default:
		return ev.EventType()
	}
}
