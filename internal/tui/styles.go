package tui

import (
	"github.com/charmbracelet/lipgloss"
)

// Border styles
var (
	StyleFocusedBorder = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("62"))

	StyleUnfocusedBorder = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("240"))
)

// Task status styles
var (
	StyleTaskInProgress = lipgloss.NewStyle().
				Foreground(lipgloss.Color("yellow")).
				Bold(true)

	StyleTaskDone = lipgloss.NewStyle().
			Foreground(lipgloss.Color("green"))

	StyleTaskBlocked = lipgloss.NewStyle().
				Foreground(lipgloss.Color("red")).
				Bold(true)

	StyleTaskPending = lipgloss.NewStyle().
				Foreground(lipgloss.Color("240"))

	StyleTaskDescoped = lipgloss.NewStyle().
				Foreground(lipgloss.Color("240")).
				Strikethrough(true)
)

// UI element styles
var (
	StyleTitle = lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1)

	StyleHelp = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	StyleNotice = lipgloss.NewStyle().
			Foreground(lipgloss.Color("yellow"))
)
