package mirror

import (
	"testing"
	"time"

	"github.com/chat-relay/relay/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice = protocol.Peer{ConnectionID: "a", Nickname: "Alice"}
	bob   = protocol.Peer{ConnectionID: "b", Nickname: "Bob"}
	carol = protocol.Peer{ConnectionID: "c", Nickname: "Carol"}
)

// newAsAlice returns a mirror for Alice with Bob already online.
func newAsAlice() *Mirror {
	m := New(0)
	m.ApplySnapshot(protocol.SnapshotPayload{Self: "a", Peers: []protocol.Peer{alice, bob}})
	return m
}

func TestSnapshotSetsRoster(t *testing.T) {
	m := newAsAlice()
	assert.Equal(t, alice, m.Self())
	assert.Equal(t, "a", m.SelfID())
	assert.Equal(t, []protocol.Peer{alice, bob}, m.Peers())
	assert.True(t, m.View().IsGlobal())
}

func TestJoinAndLeaveAreIdempotent(t *testing.T) {
	m := newAsAlice()

	assert.True(t, m.ApplyJoined(carol))
	assert.False(t, m.ApplyJoined(carol), "duplicate join")
	assert.Equal(t, []protocol.Peer{alice, bob, carol}, m.Peers())

	assert.True(t, m.ApplyLeft(bob))
	assert.False(t, m.ApplyLeft(bob), "duplicate leave")
	assert.False(t, m.ApplyLeft(protocol.Peer{ConnectionID: "zz"}), "unknown peer")
	assert.Equal(t, []protocol.Peer{alice, carol}, m.Peers())
}

func TestSnapshotRepairsDrift(t *testing.T) {
	m := newAsAlice()
	m.ApplyJoined(carol)
	m.ApplyTyping(protocol.TypingChanged{FromID: "b", From: "Bob", IsTyping: true})
	require.True(t, m.Select(protocol.Private("c")))

	// Reconnect: Carol is gone, and Alice has a new connection id.
	m.ApplySnapshot(protocol.SnapshotPayload{
		Self:  "a2",
		Peers: []protocol.Peer{bob, {ConnectionID: "a2", Nickname: "Alice"}},
	})

	assert.Equal(t, "a2", m.SelfID())
	assert.Equal(t, []string{"Bob", "Alice"}, nicknames(m.Peers()))
	assert.True(t, m.View().IsGlobal(), "selected peer vanished")
	assert.Empty(t, m.Typists())
}

func TestGlobalMessagesDeduplicated(t *testing.T) {
	m := newAsAlice()
	msg := protocol.GlobalMessage{ID: "m1", From: "Bob", FromID: "b", Body: "hi"}

	assert.True(t, m.ApplyGlobal(msg))
	assert.False(t, m.ApplyGlobal(msg))

	tr := m.Transcript(protocol.Global)
	require.Len(t, tr, 1)
	assert.Equal(t, "hi", tr[0].Body)
	assert.Equal(t, protocol.CategoryText, tr[0].Category)
	assert.False(t, tr[0].Outgoing)

	m.ApplyGlobal(protocol.GlobalMessage{ID: "m2", From: "Alice", FromID: "a", Body: "hey", Category: protocol.CategoryEmote})
	tr = m.Transcript(protocol.Global)
	require.Len(t, tr, 2)
	assert.True(t, tr[1].Outgoing, "our own message routed back")
	assert.Equal(t, protocol.CategoryEmote, tr[1].Category)
}

func TestPrivateUnreadClearedOnSelect(t *testing.T) {
	m := newAsAlice()
	m.ApplyJoined(carol)

	m.ApplyPrivate(protocol.PrivateMessage{ID: "p1", From: "b", Nickname: "Bob", Body: "one"})
	m.ApplyPrivate(protocol.PrivateMessage{ID: "p2", From: "b", Nickname: "Bob", Body: "two"})
	m.ApplyPrivate(protocol.PrivateMessage{ID: "p2", From: "b", Nickname: "Bob", Body: "two"})
	m.ApplyPrivate(protocol.PrivateMessage{ID: "p3", From: "c", Nickname: "Carol", Body: "yo"})

	assert.Equal(t, 2, m.Unread("b"))
	assert.Equal(t, 1, m.Unread("c"))
	assert.Equal(t, 3, m.TotalUnread())

	require.True(t, m.Select(protocol.Private("b")))
	assert.Equal(t, 0, m.Unread("b"))
	assert.Equal(t, 1, m.Unread("c"), "only the selected peer is cleared")
	assert.Len(t, m.Transcript(protocol.Private("b")), 2)

	m.ApplyPrivate(protocol.PrivateMessage{ID: "p4", From: "b", Nickname: "Bob", Body: "three"})
	assert.Equal(t, 0, m.Unread("b"), "messages in the open conversation are read")
}

func TestRecordOutgoing(t *testing.T) {
	m := newAsAlice()
	at := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	e := m.RecordOutgoing("b", "psst", "", at)

	assert.True(t, e.Outgoing)
	assert.Equal(t, "Alice", e.From)
	assert.Equal(t, protocol.CategoryText, e.Category)
	assert.Equal(t, []Entry{e}, m.Transcript(protocol.Private("b")))
	assert.Empty(t, m.Transcript(protocol.Global))

	e2 := m.RecordOutgoing("b", "again", protocol.CategoryEmote, at)
	assert.NotEqual(t, e.ID, e2.ID)
}

func TestSelect(t *testing.T) {
	m := newAsAlice()

	assert.False(t, m.Select(protocol.Private("a")), "cannot select self")
	assert.False(t, m.Select(protocol.Private("ghost")))
	assert.False(t, m.Select(protocol.Global), "already global")
	assert.True(t, m.Select(protocol.Private("b")))
	assert.Equal(t, protocol.Private("b"), m.View())
	assert.True(t, m.Select(protocol.Global))
}

func TestTypingVisibility(t *testing.T) {
	m := newAsAlice()
	m.ApplyJoined(carol)

	assert.True(t, m.ApplyTyping(protocol.TypingChanged{FromID: "b", From: "Bob", IsTyping: true, Scope: protocol.Global}))
	assert.False(t, m.ApplyTyping(protocol.TypingChanged{FromID: "b", From: "Bob", IsTyping: true, Scope: protocol.Global}))
	assert.True(t, m.ApplyTyping(protocol.TypingChanged{FromID: "c", From: "Carol", IsTyping: true, Scope: protocol.Private("a")}))
	assert.Equal(t, []string{"Bob"}, m.Typists(), "private typing is hidden in Global")

	assert.False(t, m.ApplyTyping(protocol.TypingChanged{FromID: "zz", IsTyping: true}), "unknown peer")
	assert.False(t, m.ApplyTyping(protocol.TypingChanged{FromID: "a", IsTyping: true}), "self")
	assert.False(t, m.ApplyTyping(protocol.TypingChanged{FromID: "b", IsTyping: true, Scope: protocol.Private("c")}),
		"addressed to someone else")

	m.Select(protocol.Private("c"))
	assert.Equal(t, []string{"Carol"}, m.Typists())

	// Global indicators were dropped when leaving Global.
	m.Select(protocol.Global)
	assert.Empty(t, m.Typists())

	m.ApplyTyping(protocol.TypingChanged{FromID: "b", IsTyping: true})
	m.ApplyGlobal(protocol.GlobalMessage{ID: "g1", FromID: "b", From: "Bob", Body: "done"})
	assert.Empty(t, m.Typists(), "a message ends its sender's indicator")
}

func TestLeaveClearsPeerState(t *testing.T) {
	m := newAsAlice()
	m.ApplyPrivate(protocol.PrivateMessage{ID: "p1", From: "b", Nickname: "Bob", Body: "bye"})
	m.ApplyTyping(protocol.TypingChanged{FromID: "b", IsTyping: true})
	m.Select(protocol.Private("b"))
	m.ApplyTyping(protocol.TypingChanged{FromID: "b", IsTyping: true, Scope: protocol.Private("a")})

	m.ApplyLeft(bob)
	assert.True(t, m.View().IsGlobal())
	assert.Empty(t, m.Typists())
	assert.Len(t, m.Transcript(protocol.Private("b")), 1, "history is kept")

	// A late typing event from the departed peer is ignored.
	assert.False(t, m.ApplyTyping(protocol.TypingChanged{FromID: "b", IsTyping: true}))
}

func TestGlobalTypingNotStuckAcrossViewSwitch(t *testing.T) {
	m := New(0)
	m.ApplySnapshot(protocol.SnapshotPayload{Self: "b", Peers: []protocol.Peer{bob, alice, carol}})
	require.True(t, m.Select(protocol.Private("c")))

	// Sent before the server saw our view change; its false will never come.
	assert.False(t, m.ApplyTyping(protocol.TypingChanged{FromID: "a", From: "Alice", IsTyping: true}),
		"global indicators are ignored in a private view")

	require.True(t, m.Select(protocol.Global))
	assert.Empty(t, m.Typists())

	// Entering Global drops whatever was held; the server replays live typers.
	m.ApplyTyping(protocol.TypingChanged{FromID: "a", From: "Alice", IsTyping: true})
	m.Select(protocol.Private("c"))
	m.Select(protocol.Global)
	assert.Empty(t, m.Typists())
}

func TestDepartedConversationStaysReadable(t *testing.T) {
	m := newAsAlice()
	m.ApplyJoined(carol)
	m.ApplyPrivate(protocol.PrivateMessage{ID: "p1", From: "b", Nickname: "Bob", Body: "read this"})
	m.ApplyPrivate(protocol.PrivateMessage{ID: "p2", From: "b", Nickname: "Bob", Body: "and this"})

	require.True(t, m.ApplyLeft(bob))
	m.ApplyLeft(carol)

	assert.Equal(t, 2, m.Unread("b"), "unread survives the leave")
	assert.Equal(t, 2, m.TotalUnread())
	assert.Equal(t, []protocol.Peer{bob}, m.Departed(), "peers without history are not kept")
	assert.True(t, m.IsDeparted("b"))
	assert.False(t, m.IsDeparted("c"))
	p, ok := m.Known("b")
	require.True(t, ok)
	assert.Equal(t, "Bob", p.Nickname)
	_, live := m.Peer("b")
	assert.False(t, live)

	require.True(t, m.Select(protocol.Private("b")))
	assert.Equal(t, 0, m.Unread("b"))
	assert.Len(t, m.Transcript(protocol.Private("b")), 2)
	assert.False(t, m.Select(protocol.Private("c")))
}

func TestSnapshotRetiresMissingPeers(t *testing.T) {
	m := newAsAlice()
	m.ApplyJoined(carol)
	m.ApplyPrivate(protocol.PrivateMessage{ID: "p1", From: "c", Nickname: "Carol", Body: "hi"})
	m.ApplyLeft(carol)
	require.True(t, m.Select(protocol.Private("c")))
	m.RecordOutgoing("b", "yo", "", time.Now())

	// Bob left while we were disconnected.
	m.ApplySnapshot(protocol.SnapshotPayload{Self: "a2", Peers: []protocol.Peer{{ConnectionID: "a2", Nickname: "Alice"}}})

	assert.Equal(t, []protocol.Peer{carol, bob}, m.Departed())
	assert.Equal(t, protocol.Private("c"), m.View(), "a departed conversation stays open")

	m.ApplyJoined(bob)
	assert.Equal(t, []protocol.Peer{carol}, m.Departed(), "a peer back online is live again")
}

func TestHistoryIsBounded(t *testing.T) {
	m := New(3)
	m.ApplySnapshot(protocol.SnapshotPayload{Self: "a", Peers: []protocol.Peer{alice, bob}})
	for _, id := range []string{"1", "2", "3", "4", "5"} {
		m.ApplyGlobal(protocol.GlobalMessage{ID: id, FromID: "b", Body: id})
	}
	tr := m.Transcript(protocol.Global)
	require.Len(t, tr, 3)
	assert.Equal(t, "3", tr[0].Body)
	assert.False(t, m.ApplyGlobal(protocol.GlobalMessage{ID: "5", FromID: "b", Body: "5"}))
}

func TestPeerLookup(t *testing.T) {
	m := newAsAlice()
	p, ok := m.PeerByNickname("Bob")
	require.True(t, ok)
	assert.Equal(t, bob, p)
	_, ok = m.PeerByNickname("bob")
	assert.False(t, ok)
	_, ok = m.Peer("b")
	assert.True(t, ok)
}

func nicknames(peers []protocol.Peer) []string {
	out := make([]string, 0, len(peers))
	for _, p := range peers {
		out = append(out, p.Nickname)
	}
	return out
}
