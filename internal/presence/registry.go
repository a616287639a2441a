// Package presence owns the set of live sessions: admission of new
// connections, the ordered roster, and roster delta broadcasts.
package presence

import (
	"sync"
	"time"

	"github.com/chat-relay/relay/internal/protocol"
	"go.uber.org/zap"
)

// Sink is the outbound half of a connection. Send enqueues a pre-encoded
// frame and must not block; it returns false when the frame was dropped.
type Sink interface {
	Send(frame []byte) bool
}

// Member is a session together with the scope its client is viewing.
type Member struct {
	Session
	View protocol.Scope
}

type member struct {
	session Session
	view    protocol.Scope
	sink    Sink
}

// Registry is the process-wide connection registry. Every read and write goes
// through mu; fan-out helpers enqueue while holding it so that roster deltas
// and routed events reach each connection in registration order.
type Registry struct {
	mu      sync.RWMutex
	members map[string]*member
	order   []string
	byNick  map[string]string
	maxNick int
	now     func() time.Time
	log     *zap.Logger
}

type Option func(*Registry)

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func WithMaxNicknameLength(n int) Option {
	return func(r *Registry) { r.maxNick = n }
}

func WithLogger(log *zap.Logger) Option {
	return func(r *Registry) {
		if log != nil {
			r.log = log
		}
	}
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		members: make(map[string]*member),
		byNick:  make(map[string]string),
		maxNick: DefaultMaxNicknameLength,
		now:     time.Now,
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Admit validates nickname and, if no live session holds it, registers the
// connection. The uniqueness check, the insert, the snapshot sent to the new
// connection and the peer.joined broadcast to everyone else all happen under
// one write lock.
func (r *Registry) Admit(connectionID, nickname string, sink Sink) (Session, error) {
	nickname = NormalizeNickname(nickname)
	if err := ValidateNickname(nickname, r.maxNick); err != nil {
		return Session{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.byNick[nickname]; taken {
		return Session{}, ErrNicknameTaken
	}
	if _, dup := r.members[connectionID]; dup {
		return Session{}, ErrDuplicateConnection
	}

	s := Session{
		ConnectionID: connectionID,
		Nickname:     nickname,
		JoinedAt:     r.now(),
	}
	r.members[connectionID] = &member{session: s, view: protocol.Global, sink: sink}
	r.byNick[nickname] = connectionID
	r.order = append(r.order, connectionID)

	snapshot := protocol.SnapshotPayload{Self: connectionID, Peers: r.peersLocked()}
	if !sink.Send(protocol.MustEncode(protocol.MsgSnapshot, snapshot)) {
		r.log.Warn("snapshot dropped", zap.String("conn", connectionID))
	}

	joined := protocol.MustEncode(protocol.MsgPeerJoined, s.Peer())
	for _, id := range r.order {
		if id != connectionID {
			r.members[id].sink.Send(joined)
		}
	}

	return s, nil
}

// Unregister removes a connection and broadcasts peer.left to the remaining
// sessions. Unregistering an absent connection is a no-op.
func (r *Registry) Unregister(connectionID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[connectionID]
	if !ok {
		return Session{}, false
	}
	delete(r.members, connectionID)
	delete(r.byNick, m.session.Nickname)
	for i, id := range r.order {
		if id == connectionID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}

	left := protocol.MustEncode(protocol.MsgPeerLeft, m.session.Peer())
	for _, id := range r.order {
		r.members[id].sink.Send(left)
	}

	return m.session, true
}

// Lookup returns the live session for connectionID.
func (r *Registry) Lookup(connectionID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.members[connectionID]
	if !ok {
		return Session{}, false
	}
	return m.session, true
}

// Snapshot returns the live sessions in join order.
func (r *Registry) Snapshot() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Session, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.members[id].session)
	}
	return out
}

// Peers returns the roster in its wire shape, in join order.
func (r *Registry) Peers() []protocol.Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.peersLocked()
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// SetView records which scope a connection's client is displaying.
func (r *Registry) SetView(connectionID string, view protocol.Scope) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[connectionID]
	if !ok {
		return false
	}
	m.view = view
	return true
}

// View returns the scope a connection is displaying.
func (r *Registry) View(connectionID string) (protocol.Scope, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.members[connectionID]
	if !ok {
		return protocol.Global, false
	}
	return m.view, true
}

// Deliver enqueues frame for one connection. It returns false when the
// connection is not live or its sink dropped the frame.
func (r *Registry) Deliver(connectionID string, frame []byte) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.members[connectionID]
	if !ok {
		return false
	}
	return m.sink.Send(frame)
}

// Fanout enqueues frame for every member accepted by match (all members when
// match is nil), in join order, and returns how many sinks accepted it.
func (r *Registry) Fanout(match func(Member) bool, frame []byte) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, id := range r.order {
		m := r.members[id]
		if match != nil && !match(Member{Session: m.session, View: m.view}) {
			continue
		}
		if m.sink.Send(frame) {
			n++
		}
	}
	return n
}

func (r *Registry) peersLocked() []protocol.Peer {
	peers := make([]protocol.Peer, 0, len(r.order))
	for _, id := range r.order {
		peers = append(peers, r.members[id].session.Peer())
	}
	return peers
}
