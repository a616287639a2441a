package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chat-relay/relay/internal/client"
	"github.com/chat-relay/relay/internal/mirror"
	"github.com/chat-relay/relay/internal/protocol"
	"github.com/chat-relay/relay/internal/theme"
	"github.com/chat-relay/relay/internal/views/debug"
	"github.com/chat-relay/relay/internal/views/help"
	"github.com/chat-relay/relay/internal/views/status"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/pkg/errors"
)

const (
	rosterWidth = 26
	rejoinDelay = 2 * time.Second

	codeNicknameTaken = "nickname_taken"
)

// Conn is the relay connection the model drives. *client.WSClient
// implements it.
type Conn interface {
	Listen(ctx context.Context) tea.Cmd
	ReadLoop(ctx context.Context) tea.Cmd
	SendGlobal(body string, category protocol.Category) error
	SendPrivate(to, body string, category protocol.Category) error
	SetTyping(scope protocol.Scope, isTyping bool) error
	SetView(scope protocol.Scope) error
	Nickname() string
	Close()
}

// Overlay identifies which modal is active.
type Overlay int

const (
	OverlayNone Overlay = iota
	OverlayHelp
	OverlayDebug
)

// Focus is the pane receiving keys.
type Focus int

const (
	FocusInput Focus = iota
	FocusRoster
)

// rejoinMsg asks for a fresh Listen after a stale-session rejection.
type rejoinMsg struct{}

// Model is the root Bubble Tea model.
type Model struct {
	conn     Conn
	notifier *client.TypingNotifier
	ctx      context.Context
	cancel   context.CancelFunc

	keys   KeyMap
	width  int
	height int

	mirror *mirror.Mirror
	input  textinput.Model

	// Navigation.
	focus     Focus
	rosterIdx int
	overlay   Overlay

	// Sub-views.
	statusBar status.Model
	events    debug.Model

	// Connection state.
	connected  bool
	everJoined bool
	err        error
	now        func() time.Time
}

// New creates the root model. quiet is the typing quiet period used to
// debounce outgoing typing events.
func New(conn Conn, quiet time.Duration) Model {
	ctx, cancel := context.WithCancel(context.Background())

	in := textinput.New()
	in.Placeholder = "Say something, or F1 for help"
	in.Prompt = "> "
	in.Focus()

	m := Model{
		conn:      conn,
		ctx:       ctx,
		cancel:    cancel,
		keys:      DefaultKeyMap(),
		mirror:    mirror.New(mirror.DefaultHistory),
		input:     in,
		statusBar: status.New(),
		events:    debug.New(),
		now:       time.Now,
	}
	m.statusBar.Nickname = conn.Nickname()
	m.notifier = client.NewTypingNotifier(quiet, func(scope protocol.Scope, isTyping bool) {
		_ = conn.SetTyping(scope, isTyping)
	})
	return m
}

// Err is the fatal error that ended the program, if any.
func (m Model) Err() error { return m.err }

// Mirror exposes the reconciled client state.
func (m Model) Mirror() *mirror.Mirror { return m.mirror }

// Init starts the WebSocket connection.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.conn.Listen(m.ctx), textinput.Blink)
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.statusBar.Width = msg.Width
		m.input.Width = max(10, msg.Width-rosterWidth-8)
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case client.ConnectedMsg:
		m.connected = true
		m.statusBar.Connected = true
		m.statusBar.Reconnecting = false
		m.events.Add(debug.KindConn, "connected, joining as "+m.conn.Nickname())
		return m, m.conn.ReadLoop(m.ctx)

	case client.DisconnectedMsg:
		m.connected = false
		m.statusBar.Connected = false
		m.statusBar.Reconnecting = m.everJoined
		m.notifier.Reset()
		if msg.Err != nil {
			m.events.Add(debug.KindConn, "disconnected: "+msg.Err.Error())
		}
		return m, m.conn.Listen(m.ctx)

	case client.RejectedMsg:
		m.connected = false
		m.statusBar.Connected = false
		// After a reconnect our previous session may still hold the
		// nickname until the server notices it is gone.
		if m.everJoined && msg.Payload.Code == codeNicknameTaken {
			m.statusBar.Reconnecting = true
			m.events.Add(debug.KindWarn, msg.String()+", retrying")
			return m, tea.Tick(rejoinDelay, func(time.Time) tea.Msg { return rejoinMsg{} })
		}
		m.err = errors.New(msg.String())
		m.shutdown()
		return m, tea.Quit

	case rejoinMsg:
		return m, m.conn.Listen(m.ctx)

	case client.SnapshotMsg:
		m.everJoined = true
		m.notifier.Reset()
		m.mirror.ApplySnapshot(msg.Payload)
		m.events.Addf(debug.KindConn, "joined, %d online", len(msg.Payload.Peers))
		// The new session starts in Global; restore the view we had.
		if view := m.mirror.View(); !view.IsGlobal() {
			if err := m.conn.SetView(view); err != nil {
				m.events.Add(debug.KindErr, err.Error())
			}
		}
		m.clampRoster()
		m.syncStatus()
		return m, m.conn.ReadLoop(m.ctx)

	case client.PeerJoinedMsg:
		if m.mirror.ApplyJoined(msg.Peer) {
			m.events.Add(debug.KindPeer, msg.Peer.Nickname+" joined")
		}
		m.syncStatus()
		return m, m.conn.ReadLoop(m.ctx)

	case client.PeerLeftMsg:
		prev := m.mirror.View()
		if m.mirror.ApplyLeft(msg.Peer) {
			m.events.Add(debug.KindPeer, msg.Peer.Nickname+" left")
			if prev != m.mirror.View() {
				m.notifier.Stop(prev)
				m.events.Add(debug.KindView, "conversation closed, back to Global")
			}
		}
		m.clampRoster()
		m.syncStatus()
		return m, m.conn.ReadLoop(m.ctx)

	case client.GlobalMsg:
		m.mirror.ApplyGlobal(msg.Message)
		return m, m.conn.ReadLoop(m.ctx)

	case client.PrivateMsg:
		m.mirror.ApplyPrivate(msg.Message)
		m.syncStatus()
		return m, m.conn.ReadLoop(m.ctx)

	case client.TypingMsg:
		m.mirror.ApplyTyping(msg.Payload)
		return m, m.conn.ReadLoop(m.ctx)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if key.Matches(msg, m.keys.Quit) {
		m.shutdown()
		return m, tea.Quit
	}

	if m.overlay != OverlayNone {
		switch {
		case key.Matches(msg, m.keys.Escape):
			m.overlay = OverlayNone
		case m.overlay == OverlayDebug && key.Matches(msg, m.keys.Up):
			m.events.ScrollUp(1)
		case m.overlay == OverlayDebug && key.Matches(msg, m.keys.Down):
			m.events.ScrollDown(1)
		case m.overlay == OverlayDebug && key.Matches(msg, m.keys.Tab):
			m.events.CycleFilter()
		}
		return m, nil
	}

	switch {
	case key.Matches(msg, m.keys.Help):
		m.overlay = OverlayHelp
		return m, nil

	case key.Matches(msg, m.keys.Debug):
		m.overlay = OverlayDebug
		return m, nil

	case key.Matches(msg, m.keys.Tab):
		if m.focus == FocusInput {
			m.focus = FocusRoster
			m.input.Blur()
			m.rosterIdx = m.currentRow()
			return m, nil
		}
		m.focus = FocusInput
		return m, m.input.Focus()

	case key.Matches(msg, m.keys.Escape):
		if m.focus == FocusRoster {
			m.focus = FocusInput
			return m, m.input.Focus()
		}
		m.selectView(protocol.Global)
		return m, nil
	}

	if m.focus == FocusRoster {
		rows := m.rosterRows()
		switch {
		case key.Matches(msg, m.keys.Up):
			m.rosterIdx = (m.rosterIdx - 1 + len(rows)) % len(rows)
		case key.Matches(msg, m.keys.Down):
			m.rosterIdx = (m.rosterIdx + 1) % len(rows)
		case key.Matches(msg, m.keys.Enter):
			m.selectView(rows[m.rosterIdx])
			m.focus = FocusInput
			return m, m.input.Focus()
		}
		return m, nil
	}

	if key.Matches(msg, m.keys.Enter) {
		m.submit(m.input.Value())
		return m, nil
	}

	before := m.input.Value()
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	if after := m.input.Value(); after != before && m.canSend() {
		if strings.TrimSpace(after) == "" {
			m.notifier.Stop(m.mirror.View())
		} else if !strings.HasPrefix(after, "/") || strings.HasPrefix(after, "/me ") {
			m.notifier.Keystroke(m.mirror.View())
		}
	}
	return m, cmd
}

// submit sends the input line. The line is kept when sending fails.
func (m *Model) submit(line string) {
	text := strings.TrimSpace(line)
	if text == "" {
		return
	}
	view := m.mirror.View()
	m.notifier.Stop(view)

	to := view.Target
	category := protocol.CategoryText
	switch {
	case text == "/global":
		m.selectView(protocol.Global)
		m.input.Reset()
		return
	case strings.HasPrefix(text, "/msg "):
		nick, rest, _ := strings.Cut(strings.TrimSpace(strings.TrimPrefix(text, "/msg ")), " ")
		peer, ok := m.mirror.PeerByNickname(nick)
		if !ok || peer.ConnectionID == m.mirror.SelfID() {
			m.events.Add(debug.KindErr, fmt.Sprintf("no such peer %q", nick))
			return
		}
		to, text = peer.ConnectionID, strings.TrimSpace(rest)
	case strings.HasPrefix(text, "/me "):
		category = protocol.CategoryEmote
		text = strings.TrimSpace(strings.TrimPrefix(text, "/me "))
	case strings.HasPrefix(text, "/"):
		m.events.Add(debug.KindErr, "unknown command "+strings.Fields(text)[0])
		return
	}
	if text == "" {
		return
	}
	if m.mirror.IsDeparted(to) {
		m.events.Add(debug.KindWarn, m.scopeLabel(protocol.Private(to))+" is read-only")
		return
	}

	var err error
	if to == "" {
		err = m.conn.SendGlobal(text, category)
	} else {
		err = m.conn.SendPrivate(to, text, category)
	}
	if err != nil {
		m.events.Add(debug.KindErr, err.Error())
		return
	}
	if to != "" {
		m.mirror.RecordOutgoing(to, text, category, m.now())
	}
	m.input.Reset()
}

// selectView switches conversations and tells the server what we see.
func (m *Model) selectView(scope protocol.Scope) {
	prev := m.mirror.View()
	if !m.mirror.Select(scope) {
		return
	}
	m.notifier.Stop(prev)
	if err := m.conn.SetView(scope); err != nil {
		m.events.Add(debug.KindErr, err.Error())
	}
	m.events.Add(debug.KindView, m.scopeLabel(scope))
	m.syncStatus()
}

// canSend reports whether the open conversation accepts messages. Departed
// peers' conversations are read-only.
func (m Model) canSend() bool {
	return !m.mirror.IsDeparted(m.mirror.View().Target)
}

func (m *Model) shutdown() {
	m.notifier.Close()
	m.cancel()
	m.conn.Close()
}

// rosterRows lists the selectable conversations: Global, every peer except
// ourselves in join order, then departed peers we still hold history for.
func (m Model) rosterRows() []protocol.Scope {
	rows := []protocol.Scope{protocol.Global}
	for _, p := range m.mirror.Peers() {
		if p.ConnectionID != m.mirror.SelfID() {
			rows = append(rows, protocol.Private(p.ConnectionID))
		}
	}
	for _, p := range m.mirror.Departed() {
		rows = append(rows, protocol.Private(p.ConnectionID))
	}
	return rows
}

func (m Model) currentRow() int {
	for i, row := range m.rosterRows() {
		if row == m.mirror.View() {
			return i
		}
	}
	return 0
}

func (m *Model) clampRoster() {
	if n := len(m.rosterRows()); m.rosterIdx >= n {
		m.rosterIdx = n - 1
	}
}

func (m *Model) syncStatus() {
	m.statusBar.Peers = len(m.mirror.Peers())
	m.statusBar.Unread = m.mirror.TotalUnread()
	m.statusBar.Scope = m.scopeLabel(m.mirror.View())
}

func (m Model) scopeLabel(scope protocol.Scope) string {
	if scope.IsGlobal() {
		return "Global"
	}
	p, ok := m.mirror.Known(scope.Target)
	switch {
	case !ok:
		return "@?"
	case m.mirror.IsDeparted(scope.Target):
		return "@" + p.Nickname + " (left)"
	}
	return "@" + p.Nickname
}

// View renders the full TUI.
func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	bodyHeight := m.height - 3 - 1 - 3 - 1
	if bodyHeight < 3 {
		bodyHeight = 3
	}

	var body string
	switch m.overlay {
	case OverlayHelp:
		body = lipgloss.Place(m.width, bodyHeight+4, lipgloss.Center, lipgloss.Center,
			help.View(m.width-4, bodyHeight+4))
	case OverlayDebug:
		body = lipgloss.Place(m.width, bodyHeight+4, lipgloss.Center, lipgloss.Center,
			m.events.View(m.width-4, bodyHeight+4))
	default:
		body = lipgloss.JoinVertical(lipgloss.Left,
			lipgloss.JoinHorizontal(lipgloss.Top,
				m.renderRoster(bodyHeight),
				m.renderTranscript(m.width-rosterWidth-2, bodyHeight),
			),
			m.renderTyping(),
			m.renderInput(),
		)
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		m.statusBar.View(),
		body,
		m.renderHints(),
	)
}

func (m Model) renderRoster(height int) string {
	var lines []string
	for i, row := range m.rosterRows() {
		label := "# Global"
		if !row.IsGlobal() {
			p, _ := m.mirror.Known(row.Target)
			label = theme.Nick(p.Nickname)
			if m.mirror.IsDeparted(row.Target) {
				label = theme.StyleDimmed.Render(p.Nickname + " (left)")
			}
			if n := m.mirror.Unread(row.Target); n > 0 {
				label += " " + theme.StyleUnread.Render(fmt.Sprintf("(%d)", n))
			}
		}
		prefix := "  "
		if row == m.mirror.View() {
			prefix = "▸ "
		}
		line := prefix + label
		if m.focus == FocusRoster && i == m.rosterIdx {
			line = theme.StyleSelected.Render(line)
		}
		lines = append(lines, line)
	}
	if len(lines) > height {
		lines = lines[:height]
	}

	style := theme.StyleBorder
	if m.focus == FocusRoster {
		style = theme.StyleFocusBorder
	}
	return style.Width(rosterWidth).Height(height).Render(strings.Join(lines, "\n"))
}

func (m Model) renderTranscript(width, height int) string {
	if width < 20 {
		width = 20
	}
	entries := m.mirror.Transcript(m.mirror.View())
	if len(entries) > height {
		entries = entries[len(entries)-height:]
	}

	var lines []string
	for _, e := range entries {
		ts := theme.StyleDimmed.Render(e.SentAt.Local().Format("15:04"))
		if e.Category == protocol.CategoryEmote {
			lines = append(lines, ts+" "+theme.StyleEmote.Render("* "+e.From+" "+e.Body))
			continue
		}
		lines = append(lines, ts+" "+theme.Nick(e.From)+": "+e.Body)
	}
	if len(lines) == 0 {
		lines = append(lines, theme.StyleDimmed.Render("No messages yet."))
	}

	return theme.StyleBorder.Width(width).Height(height).Render(strings.Join(lines, "\n"))
}

func (m Model) renderTyping() string {
	return theme.StyleDimmed.Render(" " + typingLine(m.mirror.Typists()))
}

// typingLine phrases the current typists.
func typingLine(names []string) string {
	switch len(names) {
	case 0:
		return ""
	case 1:
		return names[0] + " is typing…"
	case 2:
		return names[0] + " and " + names[1] + " are typing…"
	default:
		return fmt.Sprintf("%d people are typing…", len(names))
	}
}

func (m Model) renderInput() string {
	style := theme.StyleFocusBorder
	if m.focus != FocusInput {
		style = theme.StyleBorder
	}
	return style.Width(max(20, m.width-2)).Render(m.input.View())
}

func (m Model) renderHints() string {
	var parts []string
	for _, b := range m.keys.hints() {
		h := b.Help()
		parts = append(parts, h.Key+":"+h.Desc)
	}
	return theme.StyleDimmed.Render("  " + strings.Join(parts, "  "))
}
