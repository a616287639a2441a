// Package theme provides the Lip Gloss color palette and reusable styles
// for the relay TUI. It is a leaf package with no internal imports
// to avoid import cycles.
package theme

import (
	"hash/fnv"

	"github.com/charmbracelet/lipgloss"
)

// Nickname palette. A peer keeps its color for the whole session.
var PeerColors = []lipgloss.Color{
	lipgloss.Color("#a855f7"),
	lipgloss.Color("#3b82f6"),
	lipgloss.Color("#06b6d4"),
	lipgloss.Color("#22c55e"),
	lipgloss.Color("#f59e0b"),
	lipgloss.Color("#ec4899"),
	lipgloss.Color("#10b981"),
	lipgloss.Color("#f97316"),
}

// UI chrome colors.
var (
	ColorBorder  = lipgloss.Color("#4b5563")
	ColorFocus   = lipgloss.Color("#7c3aed")
	ColorDimmed  = lipgloss.Color("#6b7280")
	ColorBright  = lipgloss.Color("#f9fafb")
	ColorBg      = lipgloss.Color("#111827")
	ColorHealthy = lipgloss.Color("#22c55e")
	ColorWarning = lipgloss.Color("#d97706")
	ColorDanger  = lipgloss.Color("#dc2626")
	ColorInfo    = lipgloss.Color("#2563eb")
	ColorUnread  = lipgloss.Color("#f59e0b")
)

// PeerColor returns a stable color for a nickname.
func PeerColor(nickname string) lipgloss.Color {
	h := fnv.New32a()
	h.Write([]byte(nickname))
	return PeerColors[h.Sum32()%uint32(len(PeerColors))]
}

// Nick renders a nickname in its color.
func Nick(nickname string) string {
	return lipgloss.NewStyle().Foreground(PeerColor(nickname)).Bold(true).Render(nickname)
}

// Reusable styles.
var (
	StyleBorder = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(ColorBorder)

	StyleFocusBorder = lipgloss.NewStyle().
				BorderStyle(lipgloss.RoundedBorder()).
				BorderForeground(ColorFocus)

	StyleHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorBright)

	StyleDimmed = lipgloss.NewStyle().
			Foreground(ColorDimmed)

	StyleSelected = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorBright)

	StyleEmote = lipgloss.NewStyle().
			Italic(true)

	StyleUnread = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorUnread)

	StyleError = lipgloss.NewStyle().
			Foreground(ColorDanger)
)
