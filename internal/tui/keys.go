package tui

// Keybinding constants
const (
	KeyTab    = "tab"
	KeyQuit   = "q"
	KeyCtrlC  = "ctrl+c"
	KeyTasks  = "1"
	KeyEvents = "2"
)

// HelpView returns a one-line help bar with common keybindings.
func HelpView() string {
	return StyleHelp.Render("Tab: cycle focus | 1/2: jump to pane | j/k: scroll events | q: quit")
}
