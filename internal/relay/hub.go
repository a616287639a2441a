// Package relay routes chat events between live sessions: global and private
// messages, typing indicators and view changes.
package relay

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/chat-relay/relay/internal/presence"
	"github.com/chat-relay/relay/internal/protocol"
	"github.com/chat-relay/relay/internal/tap"
	"github.com/chat-relay/relay/internal/typing"
	"github.com/jaevor/go-nanoid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	// ErrMalformedEvent is returned by Handle for frames that cannot be acted
	// on. The connection stays open.
	ErrMalformedEvent = errors.New("malformed event")
	// ErrUnknownTarget marks a private event addressed to a connection that
	// is not live. Such events are dropped.
	ErrUnknownTarget = errors.New("unknown target")
)

const DefaultMaxMessageLength = 2000

type typingKey struct {
	sender string
	scope  protocol.Scope
}

type Options struct {
	QuietPeriod      time.Duration
	MaxMessageLength int
	Logger           *zap.Logger
	Tap              tap.Publisher
	// IDs generates message ids. Defaults to 21-character nanoids.
	IDs   func() string
	Clock func() time.Time
}

// Hub is the message router. It owns no connections; everything it sends goes
// through the registry so ordering follows registry order.
type Hub struct {
	registry *presence.Registry
	typing   *typing.Tracker[typingKey]
	maxBody  int
	log      *zap.Logger
	tap      tap.Publisher
	nextID   func() string
	now      func() time.Time
}

func NewHub(registry *presence.Registry, opts Options) (*Hub, error) {
	h := &Hub{
		registry: registry,
		maxBody:  opts.MaxMessageLength,
		log:      opts.Logger,
		tap:      opts.Tap,
		nextID:   opts.IDs,
		now:      opts.Clock,
	}
	if h.maxBody <= 0 {
		h.maxBody = DefaultMaxMessageLength
	}
	if h.log == nil {
		h.log = zap.NewNop()
	}
	if h.tap == nil {
		h.tap = tap.Nop{}
	}
	if h.now == nil {
		h.now = time.Now
	}
	if h.nextID == nil {
		gen, err := nanoid.Standard(21)
		if err != nil {
			return nil, errors.Wrap(err, "message id generator")
		}
		h.nextID = gen
	}
	h.typing = typing.New[typingKey](opts.QuietPeriod, h.typingChanged)
	return h, nil
}

func (h *Hub) Registry() *presence.Registry {
	return h.registry
}

// Join admits a connection. On success the new session has already received
// its roster snapshot and every other session has been told about it.
func (h *Hub) Join(connectionID, nickname string, sink presence.Sink) (presence.Session, error) {
	s, err := h.registry.Admit(connectionID, nickname, sink)
	if err != nil {
		h.log.Info("join rejected",
			zap.String("conn", connectionID),
			zap.String("nickname", nickname),
			zap.String("code", presence.RejectionCode(err)))
		return presence.Session{}, err
	}

	online := h.registry.Count()
	h.log.Info("peer joined",
		zap.String("conn", s.ConnectionID),
		zap.String("nickname", s.Nickname),
		zap.Int("online", online))
	h.tap.Publish(tap.Event{
		Kind:         tap.KindPeerJoined,
		ConnectionID: s.ConnectionID,
		Nickname:     s.Nickname,
		Online:       online,
		At:           s.JoinedAt,
	})
	return s, nil
}

// Leave unregisters a connection. Typing state owned by or addressed to it is
// discarded silently; peers learn of the departure from peer.left.
func (h *Hub) Leave(connectionID string) {
	s, ok := h.registry.Unregister(connectionID)
	if !ok {
		return
	}
	h.typing.Forget(func(k typingKey) bool {
		return k.sender == connectionID || k.scope.Target == connectionID
	})

	online := h.registry.Count()
	h.log.Info("peer left",
		zap.String("conn", s.ConnectionID),
		zap.String("nickname", s.Nickname),
		zap.Int("online", online))
	h.tap.Publish(tap.Event{
		Kind:         tap.KindPeerLeft,
		ConnectionID: s.ConnectionID,
		Nickname:     s.Nickname,
		Online:       online,
		At:           h.now(),
	})
}

// Route delivers a message and returns how many connections accepted it.
// Global messages go to every live session, the sender included. Private
// messages go to the target only; a target that is not live gets nothing.
func (h *Hub) Route(senderID string, scope protocol.Scope, body string, category protocol.Category) int {
	sender, ok := h.registry.Lookup(senderID)
	if !ok {
		h.log.Debug("route from unregistered connection", zap.String("conn", senderID))
		return 0
	}
	h.typing.Stop(typingKey{sender: senderID, scope: scope})

	id := h.nextID()
	at := h.now()
	category = category.Normalize()

	if scope.IsGlobal() {
		frame := protocol.MustEncode(protocol.MsgGlobal, protocol.GlobalMessage{
			ID:       id,
			From:     sender.Nickname,
			FromID:   sender.ConnectionID,
			Body:     body,
			Category: category,
			SentAt:   at,
		})
		n := h.registry.Fanout(nil, frame)
		h.publishMessage(tap.KindGlobal, sender, "", body, at)
		return n
	}

	frame := protocol.MustEncode(protocol.MsgPrivate, protocol.PrivateMessage{
		ID:       id,
		From:     sender.ConnectionID,
		Nickname: sender.Nickname,
		Body:     body,
		Category: category,
		SentAt:   at,
	})
	if !h.registry.Deliver(scope.Target, frame) {
		h.logDropped(senderID, scope.Target, "message.private")
		return 0
	}
	h.publishMessage(tap.KindPrivate, sender, scope.Target, body, at)
	return 1
}

// SetTyping applies a typing.set from senderID. Observers are notified only
// on transitions.
func (h *Hub) SetTyping(senderID string, scope protocol.Scope, isTyping bool) {
	if _, ok := h.registry.Lookup(senderID); !ok {
		return
	}
	key := typingKey{sender: senderID, scope: scope}
	if !isTyping {
		h.typing.Stop(key)
		return
	}
	if !scope.IsGlobal() {
		if _, ok := h.registry.Lookup(scope.Target); !ok {
			h.logDropped(senderID, scope.Target, "typing.set")
			return
		}
	}
	h.typing.Keystroke(key)
}

// SetView records the scope a client is displaying and replays the typing
// indicators currently visible there.
func (h *Hub) SetView(connectionID string, view protocol.Scope) {
	if !h.registry.SetView(connectionID, view) {
		return
	}
	active := h.typing.ActiveKeys(func(k typingKey) bool {
		if k.sender == connectionID {
			return false
		}
		if view.IsGlobal() {
			return k.scope.IsGlobal()
		}
		return k.sender == view.Target && k.scope.Target == connectionID
	})
	for _, k := range active {
		sender, ok := h.registry.Lookup(k.sender)
		if !ok {
			continue
		}
		h.registry.Deliver(connectionID, typingFrame(sender, k.scope, true))
	}
}

// Handle decodes one inbound frame from an admitted connection and acts on
// it. Errors wrap ErrMalformedEvent; the caller logs them and keeps reading.
func (h *Hub) Handle(senderID string, raw []byte) error {
	env, err := protocol.Decode(raw)
	if err != nil {
		return errors.Wrap(ErrMalformedEvent, err.Error())
	}

	switch env.Type {
	case protocol.MsgGlobal:
		var p protocol.GlobalSend
		if err := env.DecodePayload(&p); err != nil {
			return errors.Wrap(ErrMalformedEvent, err.Error())
		}
		if err := h.validateBody(p.Body); err != nil {
			return err
		}
		h.Route(senderID, protocol.Global, p.Body, p.Category)

	case protocol.MsgPrivate:
		var p protocol.PrivateSend
		if err := env.DecodePayload(&p); err != nil {
			return errors.Wrap(ErrMalformedEvent, err.Error())
		}
		if p.To == "" {
			return errors.Wrap(ErrMalformedEvent, "message.private without target")
		}
		if p.To == senderID {
			return errors.Wrap(ErrMalformedEvent, "message.private addressed to sender")
		}
		if err := h.validateBody(p.Body); err != nil {
			return err
		}
		h.Route(senderID, protocol.Private(p.To), p.Body, p.Category)

	case protocol.MsgTypingSet:
		var p protocol.TypingSet
		if err := env.DecodePayload(&p); err != nil {
			return errors.Wrap(ErrMalformedEvent, err.Error())
		}
		if p.Scope.Target == senderID {
			return errors.Wrap(ErrMalformedEvent, "typing.set addressed to sender")
		}
		h.SetTyping(senderID, p.Scope, p.IsTyping)

	case protocol.MsgViewSet:
		var p protocol.ViewSet
		if err := env.DecodePayload(&p); err != nil {
			return errors.Wrap(ErrMalformedEvent, err.Error())
		}
		h.SetView(senderID, p.Scope)

	case protocol.MsgJoin:
		return errors.Wrap(ErrMalformedEvent, "join after admission")

	default:
		return errors.Wrapf(ErrMalformedEvent, "unknown type %q", env.Type)
	}
	return nil
}

// Close stops all typing timers.
func (h *Hub) Close() {
	h.typing.Close()
}

func (h *Hub) validateBody(body string) error {
	if strings.TrimSpace(body) == "" {
		return errors.Wrap(ErrMalformedEvent, "empty body")
	}
	if n := utf8.RuneCountInString(body); n > h.maxBody {
		return errors.Wrapf(ErrMalformedEvent, "body has %d characters, limit %d", n, h.maxBody)
	}
	return nil
}

// typingChanged runs under the tracker lock.
func (h *Hub) typingChanged(k typingKey, isTyping bool) {
	sender, ok := h.registry.Lookup(k.sender)
	if !ok {
		return
	}
	frame := typingFrame(sender, k.scope, isTyping)

	if k.scope.IsGlobal() {
		h.registry.Fanout(func(m presence.Member) bool {
			return m.ConnectionID != k.sender && m.View.IsGlobal()
		}, frame)
	} else {
		h.registry.Deliver(k.scope.Target, frame)
	}

	if isTyping {
		h.tap.Publish(tap.Event{
			Kind:         tap.KindTyping,
			ConnectionID: sender.ConnectionID,
			Nickname:     sender.Nickname,
			Target:       k.scope.Target,
			At:           h.now(),
		})
	}
}

func (h *Hub) publishMessage(kind tap.Kind, sender presence.Session, target, body string, at time.Time) {
	h.tap.Publish(tap.Event{
		Kind:         kind,
		ConnectionID: sender.ConnectionID,
		Nickname:     sender.Nickname,
		Target:       target,
		Bytes:        len(body),
		At:           at,
	})
}

func (h *Hub) logDropped(senderID, target, what string) {
	reason := "send buffer full"
	if _, ok := h.registry.Lookup(target); !ok {
		reason = ErrUnknownTarget.Error()
	}
	h.log.Debug("dropped",
		zap.String("type", what),
		zap.String("conn", senderID),
		zap.String("target", target),
		zap.String("reason", reason))
}

func typingFrame(sender presence.Session, scope protocol.Scope, isTyping bool) []byte {
	return protocol.MustEncode(protocol.MsgTypingChanged, protocol.TypingChanged{
		From:     sender.Nickname,
		FromID:   sender.ConnectionID,
		IsTyping: isTyping,
		Scope:    scope,
	})
}
