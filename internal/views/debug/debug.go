// Package debug provides the event log overlay, filterable by kind.
package debug

import (
	"fmt"
	"strings"
	"time"

	"github.com/chat-relay/relay/internal/theme"
	"github.com/charmbracelet/lipgloss"
)

const maxEntries = 200

// Kind classifies an event log line.
type Kind string

const (
	KindConn Kind = "conn"
	KindPeer Kind = "peer"
	KindView Kind = "view"
	KindWarn Kind = "warn"
	KindErr  Kind = "err"
)

// filters is the order Tab walks through; the empty kind shows everything.
var filters = []Kind{"", KindConn, KindPeer, KindView, KindWarn, KindErr}

type Entry struct {
	Time    time.Time
	Kind    Kind
	Message string
}

// Model holds the log and how it is being read. Offset counts visible
// entries hidden below the viewport.
type Model struct {
	Entries []Entry
	Offset  int
	Filter  Kind

	now func() time.Time
}

func New() Model {
	return Model{now: time.Now}
}

func (m *Model) Addf(kind Kind, format string, args ...interface{}) {
	m.Add(kind, fmt.Sprintf(format, args...))
}

// Add appends an entry. A reader scrolled back stays on the lines they
// were looking at; otherwise the view follows the newest entry.
func (m *Model) Add(kind Kind, message string) {
	now := time.Now
	if m.now != nil {
		now = m.now
	}
	m.Entries = append(m.Entries, Entry{Time: now(), Kind: kind, Message: message})
	if len(m.Entries) > maxEntries {
		m.Entries = m.Entries[len(m.Entries)-maxEntries:]
	}
	if m.Offset > 0 && m.matches(kind) {
		m.Offset++
	}
	m.clamp()
}

// CycleFilter narrows the log to the next kind, wrapping back to all.
func (m *Model) CycleFilter() {
	for i, k := range filters {
		if k == m.Filter {
			m.Filter = filters[(i+1)%len(filters)]
			break
		}
	}
	m.Offset = 0
}

// Visible returns the entries passing the filter, oldest first.
func (m Model) Visible() []Entry {
	if m.Filter == "" {
		return m.Entries
	}
	var out []Entry
	for _, e := range m.Entries {
		if e.Kind == m.Filter {
			out = append(out, e)
		}
	}
	return out
}

// Count returns how many entries have the given kind.
func (m Model) Count(kind Kind) int {
	n := 0
	for _, e := range m.Entries {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func (m *Model) ScrollUp(n int) {
	m.Offset += n
	m.clamp()
}

func (m *Model) ScrollDown(n int) {
	m.Offset -= n
	m.clamp()
}

func (m Model) matches(kind Kind) bool {
	return m.Filter == "" || m.Filter == kind
}

func (m *Model) clamp() {
	limit := len(m.Visible()) - 1
	if m.Offset > limit {
		m.Offset = limit
	}
	if m.Offset < 0 {
		m.Offset = 0
	}
}

// View renders the log as an overlay panel.
func (m Model) View(width, height int) string {
	innerW := max(20, width-4)
	rows := max(3, height-6)

	title := theme.StyleHeader.Render(" EVENT LOG ") + " " + m.filterLabel()
	problems := m.Count(KindWarn) + m.Count(KindErr)
	help := theme.StyleDimmed.Render(fmt.Sprintf("j/k:scroll  tab:filter  esc:close  %d entries, %d problems",
		len(m.Entries), problems))

	visible := m.Visible()
	var body string
	if len(visible) == 0 {
		body = theme.StyleDimmed.Render("  Nothing logged yet.")
	} else {
		end := len(visible) - m.Offset
		start := max(0, end-rows)
		lines := make([]string, 0, end-start)
		for _, e := range visible[start:end] {
			lines = append(lines, renderEntry(e, innerW))
		}
		body = strings.Join(lines, "\n")
		if m.Offset > 0 {
			body += "\n" + theme.StyleDimmed.Render(fmt.Sprintf(" ↓ %d newer", m.Offset))
		}
	}

	return lipgloss.NewStyle().
		Width(innerW).
		Padding(1, 2).
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(theme.ColorBorder).
		Render(lipgloss.JoinVertical(lipgloss.Left, title, "", body, "", help))
}

func (m Model) filterLabel() string {
	if m.Filter == "" {
		return theme.StyleDimmed.Render("all")
	}
	return lipgloss.NewStyle().Foreground(kindColor(m.Filter)).Render(string(m.Filter) + " only")
}

func renderEntry(e Entry, width int) string {
	ts := theme.StyleDimmed.Render(e.Time.Format("15:04:05"))
	kind := lipgloss.NewStyle().Foreground(kindColor(e.Kind)).Width(5).Render(string(e.Kind))
	return ts + " " + kind + " " + truncate(e.Message, width-16)
}

func kindColor(kind Kind) lipgloss.Color {
	switch kind {
	case KindConn:
		return theme.ColorInfo
	case KindPeer:
		return theme.ColorHealthy
	case KindView:
		return theme.ColorFocus
	case KindWarn:
		return theme.ColorWarning
	case KindErr:
		return theme.ColorDanger
	}
	return theme.ColorDimmed
}

// truncate shortens s to at most n runes, marking the cut with an ellipsis.
func truncate(s string, n int) string {
	r := []rune(s)
	if n < 4 || len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
