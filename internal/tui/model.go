// Package tui is a live dashboard for a running sprint: the task graph
// on the left, the event stream on the right. It observes the loop and
// never writes state.
package tui

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kestrelworks/sprintd/internal/events"
	"github.com/kestrelworks/sprintd/internal/persistence"
	"github.com/kestrelworks/sprintd/internal/sprint"
)

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneTasks PaneID = iota
	PaneEvents
)

// snapshotMsg carries a freshly loaded snapshot into the model.
type snapshotMsg struct {
	snapshot *sprint.Snapshot
}

// tickMsg drives the periodic snapshot refresh, so the dashboard stays
// current even when observing a sprint driven by another process.
type tickMsg time.Time

const refreshInterval = 2 * time.Second

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Model is the root Bubble Tea model for the dashboard.
type Model struct {
	taskPane    TaskPaneModel
	eventPane   EventPaneModel
	focusedPane PaneID
	eventSub    <-chan events.Event
	store       persistence.Store
	sprintID    string
	width       int
	height      int
	quitting    bool
}

// New creates a dashboard model subscribed to all bus events.
func New(bus *events.EventBus, store persistence.Store, sprintID string) Model {
	return Model{
		taskPane:  NewTaskPaneModel(),
		eventPane: NewEventPaneModel(),
		eventSub:  bus.SubscribeAll(256),
		store:     store,
		sprintID:  sprintID,
	}
}

// Init loads the initial snapshot and starts waiting for events.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.loadSnapshot(), waitForEvent(m.eventSub), tick())
}

// waitForEvent returns a command that waits for the next bus event.
func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return nil // bus closed
		}
		return event
	}
}

// loadSnapshot reads the current snapshot from the store.
func (m Model) loadSnapshot() tea.Cmd {
	return func() tea.Msg {
		snap, err := m.store.Load(context.Background(), m.sprintID)
		if err != nil {
			return nil
		}
		return snapshotMsg{snapshot: snap}
	}
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case KeyQuit, KeyCtrlC:
			m.quitting = true
			return m, tea.Quit
		case KeyTab:
			m.focusedPane = (m.focusedPane + 1) % 2
			m.updateFocusStates()
		case KeyTasks:
			m.focusedPane = PaneTasks
			m.updateFocusStates()
		case KeyEvents:
			m.focusedPane = PaneEvents
			m.updateFocusStates()
		default:
			if m.focusedPane == PaneEvents {
				var cmd tea.Cmd
				m.eventPane, cmd = m.eventPane.Update(msg)
				cmds = append(cmds, cmd)
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()

	case snapshotMsg:
		m.taskPane.SetSnapshot(msg.snapshot)

	case tickMsg:
		cmds = append(cmds, m.loadSnapshot(), tick())

	case events.Event:
		m.eventPane.Append(msg)
		// Any event may have changed task state; reload the projection.
		cmds = append(cmds, m.loadSnapshot(), waitForEvent(m.eventSub))
	}

	return m, tea.Batch(cmds...)
}

// View renders the dashboard.
func (m Model) View() string {
	if m.quitting {
		return "bye\n"
	}
	if m.width == 0 || m.height == 0 {
		return "initializing..."
	}

	leftWidth := (m.width * 45) / 100
	rightWidth := m.width - leftWidth
	availableHeight := m.height - 1 // reserve one line for the help bar

	m.taskPane.SetSize(leftWidth, availableHeight)
	m.eventPane.SetSize(rightWidth, availableHeight)

	main := lipgloss.JoinHorizontal(lipgloss.Top, m.taskPane.View(), m.eventPane.View())
	return lipgloss.JoinVertical(lipgloss.Left, main, HelpView())
}

func (m *Model) computeLayout() {
	leftWidth := (m.width * 45) / 100
	availableHeight := m.height - 1
	m.taskPane.SetSize(leftWidth, availableHeight)
	m.eventPane.SetSize(m.width-leftWidth, availableHeight)
	m.updateFocusStates()
}

func (m *Model) updateFocusStates() {
	m.taskPane.SetFocused(m.focusedPane == PaneTasks)
	m.eventPane.SetFocused(m.focusedPane == PaneEvents)
}
