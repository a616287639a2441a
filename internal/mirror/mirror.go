// Package mirror keeps a client's local view of the relay: the roster, the
// transcripts of every conversation, unread markers and typing indicators.
//
// Events may arrive duplicated or after a reconnect snapshot; every Apply
// method is idempotent and reports whether it changed anything.
package mirror

import (
	"strconv"
	"time"

	"github.com/chat-relay/relay/internal/protocol"
)

// DefaultHistory bounds each transcript.
const DefaultHistory = 500

type Entry struct {
	ID       string
	FromID   string
	From     string
	Body     string
	Category protocol.Category
	SentAt   time.Time
	Outgoing bool
}

type typingSlot struct {
	peer    string
	private bool
}

type Mirror struct {
	self    string
	order   []string
	peers   map[string]protocol.Peer
	view    protocol.Scope
	history int

	global   []Entry
	private  map[string][]Entry
	seen     map[string]bool
	unread   map[string]int
	typing   map[typingSlot]bool
	localSeq int

	// Peers that left while we still hold their private transcript or
	// unread messages. Their conversations stay selectable, read-only.
	departed      map[string]protocol.Peer
	departedOrder []string
}

func New(history int) *Mirror {
	if history <= 0 {
		history = DefaultHistory
	}
	return &Mirror{
		peers:    make(map[string]protocol.Peer),
		history:  history,
		private:  make(map[string][]Entry),
		seen:     make(map[string]bool),
		unread:   make(map[string]int),
		typing:   make(map[typingSlot]bool),
		departed: make(map[string]protocol.Peer),
	}
}

// ApplySnapshot replaces the roster. Typing state is discarded since the
// server does not replay it; transcripts and unread markers survive, and
// peers missing from the new roster are retired like a leave.
func (m *Mirror) ApplySnapshot(p protocol.SnapshotPayload) {
	old, oldOrder := m.peers, append([]string(nil), m.order...)
	keepView := m.IsDeparted(m.view.Target)
	m.self = p.Self
	m.order = m.order[:0]
	m.peers = make(map[string]protocol.Peer, len(p.Peers))
	for _, peer := range p.Peers {
		if _, dup := m.peers[peer.ConnectionID]; dup {
			continue
		}
		m.peers[peer.ConnectionID] = peer
		m.order = append(m.order, peer.ConnectionID)
		m.unretire(peer.ConnectionID)
	}
	for _, id := range oldOrder {
		if _, ok := m.peers[id]; !ok {
			m.retire(old[id])
		}
	}
	m.typing = make(map[typingSlot]bool)
	if !m.view.IsGlobal() && !keepView {
		if _, ok := m.peers[m.view.Target]; !ok {
			m.view = protocol.Global
		}
	}
}

func (m *Mirror) ApplyJoined(p protocol.Peer) bool {
	if _, ok := m.peers[p.ConnectionID]; ok {
		return false
	}
	m.peers[p.ConnectionID] = p
	m.order = append(m.order, p.ConnectionID)
	m.unretire(p.ConnectionID)
	return true
}

// ApplyLeft removes a peer. If its conversation was selected the view falls
// back to Global. A conversation with history or unread messages is kept
// as a departed entry.
func (m *Mirror) ApplyLeft(p protocol.Peer) bool {
	if _, ok := m.peers[p.ConnectionID]; !ok {
		return false
	}
	delete(m.peers, p.ConnectionID)
	for i, id := range m.order {
		if id == p.ConnectionID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	delete(m.typing, typingSlot{peer: p.ConnectionID})
	delete(m.typing, typingSlot{peer: p.ConnectionID, private: true})
	m.retire(p)
	if m.view.Target == p.ConnectionID {
		m.view = protocol.Global
	}
	return true
}

func (m *Mirror) ApplyGlobal(msg protocol.GlobalMessage) bool {
	if m.seen[msg.ID] {
		return false
	}
	m.seen[msg.ID] = true
	delete(m.typing, typingSlot{peer: msg.FromID})
	m.global = m.appendBounded(m.global, Entry{
		ID:       msg.ID,
		FromID:   msg.FromID,
		From:     msg.From,
		Body:     msg.Body,
		Category: msg.Category.Normalize(),
		SentAt:   msg.SentAt,
		Outgoing: msg.FromID == m.self,
	})
	return true
}

func (m *Mirror) ApplyPrivate(msg protocol.PrivateMessage) bool {
	if m.seen[msg.ID] {
		return false
	}
	m.seen[msg.ID] = true
	delete(m.typing, typingSlot{peer: msg.From, private: true})
	m.private[msg.From] = m.appendBounded(m.private[msg.From], Entry{
		ID:       msg.ID,
		FromID:   msg.From,
		From:     msg.Nickname,
		Body:     msg.Body,
		Category: msg.Category.Normalize(),
		SentAt:   msg.SentAt,
	})
	if m.view.Target != msg.From {
		m.unread[msg.From]++
	}
	return true
}

// ApplyTyping records an indicator from a known peer. Private indicators
// addressed to someone else are ignored, and so are global indicators while
// a private conversation is open: the server stops sending their updates.
func (m *Mirror) ApplyTyping(t protocol.TypingChanged) bool {
	if t.FromID == m.self {
		return false
	}
	if _, ok := m.peers[t.FromID]; !ok {
		return false
	}
	slot := typingSlot{peer: t.FromID}
	if !t.Scope.IsGlobal() {
		if t.Scope.Target != m.self {
			return false
		}
		slot.private = true
	} else if !m.view.IsGlobal() {
		return false
	}
	if m.typing[slot] == t.IsTyping {
		return false
	}
	if t.IsTyping {
		m.typing[slot] = true
	} else {
		delete(m.typing, slot)
	}
	return true
}

// RecordOutgoing appends a private message we sent. The server does not echo
// private messages back to the sender.
func (m *Mirror) RecordOutgoing(to, body string, category protocol.Category, at time.Time) Entry {
	m.localSeq++
	e := Entry{
		ID:       "local-" + strconv.Itoa(m.localSeq),
		FromID:   m.self,
		From:     m.peers[m.self].Nickname,
		Body:     body,
		Category: category.Normalize(),
		SentAt:   at,
		Outgoing: true,
	}
	m.private[to] = m.appendBounded(m.private[to], e)
	return e
}

// Select switches the active view. Selecting ourselves, an unknown peer or
// the current view is a no-op; departed peers can be selected. Global
// indicators are cleared on every switch: leaving Global the server stops
// updating them, entering Global it replays the live ones.
func (m *Mirror) Select(scope protocol.Scope) bool {
	if scope == m.view {
		return false
	}
	if !scope.IsGlobal() {
		if scope.Target == m.self {
			return false
		}
		_, live := m.peers[scope.Target]
		if !live && !m.IsDeparted(scope.Target) {
			return false
		}
	}
	for slot := range m.typing {
		if !slot.private {
			delete(m.typing, slot)
		}
	}
	m.view = scope
	if !scope.IsGlobal() {
		delete(m.unread, scope.Target)
	}
	return true
}

func (m *Mirror) View() protocol.Scope { return m.view }

func (m *Mirror) SelfID() string { return m.self }

func (m *Mirror) Self() protocol.Peer { return m.peers[m.self] }

// Peers returns the roster in join order, ourselves included.
func (m *Mirror) Peers() []protocol.Peer {
	out := make([]protocol.Peer, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.peers[id])
	}
	return out
}

func (m *Mirror) Peer(id string) (protocol.Peer, bool) {
	p, ok := m.peers[id]
	return p, ok
}

// Departed returns peers that left with conversation history, in the order
// they left.
func (m *Mirror) Departed() []protocol.Peer {
	out := make([]protocol.Peer, 0, len(m.departedOrder))
	for _, id := range m.departedOrder {
		out = append(out, m.departed[id])
	}
	return out
}

func (m *Mirror) IsDeparted(id string) bool {
	_, ok := m.departed[id]
	return ok
}

// Known resolves a live or departed peer.
func (m *Mirror) Known(id string) (protocol.Peer, bool) {
	if p, ok := m.peers[id]; ok {
		return p, true
	}
	p, ok := m.departed[id]
	return p, ok
}

// PeerByNickname resolves an exact nickname.
func (m *Mirror) PeerByNickname(nickname string) (protocol.Peer, bool) {
	for _, id := range m.order {
		if p := m.peers[id]; p.Nickname == nickname {
			return p, true
		}
	}
	return protocol.Peer{}, false
}

// Transcript returns the entries of one conversation, oldest first.
func (m *Mirror) Transcript(scope protocol.Scope) []Entry {
	if scope.IsGlobal() {
		return m.global
	}
	return m.private[scope.Target]
}

func (m *Mirror) Unread(peerID string) int { return m.unread[peerID] }

func (m *Mirror) TotalUnread() int {
	n := 0
	for _, c := range m.unread {
		n += c
	}
	return n
}

// Typists returns the nicknames typing in the current view, in roster order.
func (m *Mirror) Typists() []string {
	var out []string
	for _, id := range m.order {
		var slot typingSlot
		if m.view.IsGlobal() {
			slot = typingSlot{peer: id}
		} else if id == m.view.Target {
			slot = typingSlot{peer: id, private: true}
		} else {
			continue
		}
		if m.typing[slot] {
			out = append(out, m.peers[id].Nickname)
		}
	}
	return out
}

func (m *Mirror) retire(p protocol.Peer) {
	id := p.ConnectionID
	if id == m.self || m.IsDeparted(id) {
		return
	}
	if len(m.private[id]) == 0 && m.unread[id] == 0 {
		return
	}
	m.departed[id] = p
	m.departedOrder = append(m.departedOrder, id)
}

func (m *Mirror) unretire(id string) {
	if !m.IsDeparted(id) {
		return
	}
	delete(m.departed, id)
	for i, d := range m.departedOrder {
		if d == id {
			m.departedOrder = append(m.departedOrder[:i], m.departedOrder[i+1:]...)
			break
		}
	}
}

func (m *Mirror) appendBounded(entries []Entry, e Entry) []Entry {
	entries = append(entries, e)
	if over := len(entries) - m.history; over > 0 {
		for _, old := range entries[:over] {
			delete(m.seen, old.ID)
		}
		entries = append([]Entry(nil), entries[over:]...)
	}
	return entries
}
