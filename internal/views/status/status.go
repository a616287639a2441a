package status

import (
	"fmt"

	"github.com/chat-relay/relay/internal/theme"
	"github.com/charmbracelet/lipgloss"
)

// Model holds the status bar state.
type Model struct {
	Connected    bool
	Reconnecting bool
	Nickname     string
	Peers        int
	Unread       int
	Scope        string
	Width        int
}

// New creates a status bar model.
func New() Model {
	return Model{Scope: "Global"}
}

// View renders the status bar.
func (m Model) View() string {
	width := m.Width
	if width < 40 {
		width = 40
	}

	var connStr string
	switch {
	case m.Connected:
		connStr = lipgloss.NewStyle().Foreground(theme.ColorHealthy).Render("● Connected")
	case m.Reconnecting:
		connStr = lipgloss.NewStyle().Foreground(theme.ColorWarning).Render("◌ Reconnecting...")
	default:
		connStr = lipgloss.NewStyle().Foreground(theme.ColorDanger).Render("○ Connecting...")
	}

	sep := lipgloss.NewStyle().Foreground(theme.ColorBorder).Render(" | ")
	content := connStr
	if m.Nickname != "" {
		content += sep + "as " + theme.Nick(m.Nickname)
	}
	content += sep + fmt.Sprintf("%d online", m.Peers)
	content += sep + theme.StyleHeader.Render(m.Scope)
	if m.Unread > 0 {
		content += sep + theme.StyleUnread.Render(fmt.Sprintf("%d unread", m.Unread))
	}

	return lipgloss.NewStyle().
		Width(width).
		Padding(0, 1).
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(theme.ColorBorder).
		Render(content)
}
