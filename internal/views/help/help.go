// Package help renders the key reference overlay from markdown.
package help

import (
	"strings"

	"github.com/chat-relay/relay/internal/theme"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
)

// Markdown is the overlay source.
const Markdown = `# relay

## Keys

| Key | Action |
|---|---|
| enter | send the input line, or open the highlighted conversation (departed peers are read-only) |
| tab | move focus between input and roster |
| up / down | move through the roster |
| esc | close an overlay, or return to Global |
| F1 | this help |
| F2 | event log (tab filters by kind) |
| ctrl+c | quit |

## Commands

- ` + "`/me waves`" + ` sends an emote
- ` + "`/msg <nick> <text>`" + ` sends a private message without switching view
- ` + "`/global`" + ` returns to the Global conversation

Private messages are never echoed by the server; what you send is added to
the transcript locally. Global messages appear once the relay routes them back.
`

// Render turns the help markdown into terminal output wrapped at width.
// When glamour cannot render, the raw markdown is returned.
func Render(width int) string {
	if width < 20 {
		width = 20
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle("dark"),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return Markdown
	}
	out, err := r.Render(Markdown)
	if err != nil {
		return Markdown
	}
	return strings.TrimRight(out, "\n")
}

// View renders the overlay panel.
func View(width, height int) string {
	innerW := width - 6
	if innerW < 20 {
		innerW = 20
	}
	body := Render(innerW)
	lines := strings.Split(body, "\n")
	if limit := height - 6; limit > 3 && len(lines) > limit {
		lines = lines[:limit]
	}
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.StyleHeader.Render(" HELP "),
		strings.Join(lines, "\n"),
		theme.StyleDimmed.Render("esc:close"),
	)
	return lipgloss.NewStyle().
		Width(innerW).
		Padding(1, 2).
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(theme.ColorBorder).
		Render(content)
}
