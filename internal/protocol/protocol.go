// Package protocol defines the event vocabulary exchanged between the relay
// server and its clients. Both sides import it, so the payload shapes here are
// the wire contract.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

type MessageType string

const (
	// client → server
	MsgJoin      MessageType = "join"
	MsgTypingSet MessageType = "typing.set"
	MsgViewSet   MessageType = "view.set"
	MsgGlobal    MessageType = "message.global"
	MsgPrivate   MessageType = "message.private"

	// server → client
	MsgJoinRejected  MessageType = "join.rejected"
	MsgSnapshot      MessageType = "roster.snapshot"
	MsgPeerJoined    MessageType = "peer.joined"
	MsgPeerLeft      MessageType = "peer.left"
	MsgTypingChanged MessageType = "typing.changed"
)

// Envelope wraps every frame on the wire.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Category is the explicit rendering tag carried by chat messages.
type Category string

const (
	CategoryText  Category = "text"
	CategoryEmote Category = "emote"
)

// Normalize maps unknown or empty categories to CategoryText.
func (c Category) Normalize() Category {
	switch c {
	case CategoryEmote:
		return CategoryEmote
	default:
		return CategoryText
	}
}

// Peer is the roster element shape shared by roster.snapshot, peer.joined,
// peer.left and GET /api/peers.
type Peer struct {
	ConnectionID string `json:"connectionId"`
	Nickname     string `json:"nickname"`
}

type JoinPayload struct {
	Nickname string `json:"nickname"`
}

type JoinRejectedPayload struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

type SnapshotPayload struct {
	Self  string `json:"self"`
	Peers []Peer `json:"peers"`
}

// GlobalSend is the client's outbound global message.
type GlobalSend struct {
	Body     string   `json:"body"`
	Category Category `json:"category,omitempty"`
}

// GlobalMessage is the routed copy delivered to every session, sender included.
type GlobalMessage struct {
	ID       string    `json:"id"`
	From     string    `json:"from"` // nickname
	FromID   string    `json:"fromId"`
	Body     string    `json:"body"`
	Category Category  `json:"category"`
	SentAt   time.Time `json:"sentAt"`
}

// PrivateSend is the client's outbound private message.
type PrivateSend struct {
	To       string   `json:"to"`
	Body     string   `json:"body"`
	Category Category `json:"category,omitempty"`
}

// PrivateMessage is delivered to the target only.
type PrivateMessage struct {
	ID       string    `json:"id"`
	From     string    `json:"from"` // sender connection id
	Nickname string    `json:"nickname"`
	Body     string    `json:"body"`
	Category Category  `json:"category"`
	SentAt   time.Time `json:"sentAt"`
}

type TypingSet struct {
	IsTyping bool  `json:"isTyping"`
	Scope    Scope `json:"scope"`
}

type TypingChanged struct {
	From     string `json:"from"` // nickname
	FromID   string `json:"fromId"`
	IsTyping bool   `json:"isTyping"`
	Scope    Scope  `json:"scope"`
}

type ViewSet struct {
	Scope Scope `json:"scope"`
}

// Encode marshals payload into an envelope frame of the given type.
func Encode(t MessageType, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s payload", t)
	}
	data, err := json.Marshal(Envelope{Type: t, Payload: raw})
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s envelope", t)
	}
	return data, nil
}

// MustEncode is Encode for payloads that cannot fail to marshal.
func MustEncode(t MessageType, payload interface{}) []byte {
	data, err := Encode(t, payload)
	if err != nil {
		panic(err)
	}
	return data
}

// Decode parses an envelope. The payload is left raw for the caller.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, errors.Wrap(err, "decode envelope")
	}
	if env.Type == "" {
		return Envelope{}, errors.New("envelope has no type")
	}
	return env, nil
}

// DecodePayload unmarshals the envelope payload into out.
func (e Envelope) DecodePayload(out interface{}) error {
	if len(e.Payload) == 0 {
		return errors.Errorf("%s: missing payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return errors.Wrapf(err, "%s: decode payload", e.Type)
	}
	return nil
}
