package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chat-relay/relay/internal/protocol"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	reconnectBaseDelay = 1 * time.Second
	reconnectMaxDelay  = 30 * time.Second
	writeTimeout       = 10 * time.Second
	pongTimeout        = 60 * time.Second
	pingInterval       = 30 * time.Second
)

// ErrNotConnected is returned by the send helpers between connections.
var ErrNotConnected = errors.New("not connected")

// WSClient manages the WebSocket connection to the relay. Every connection
// opens with a join frame carrying the nickname.
type WSClient struct {
	url      string
	nickname string
	log      *zap.Logger
	dialer   *websocket.Dialer

	mu      sync.Mutex
	writeMu sync.Mutex // serialises all conn writes
	conn    *websocket.Conn
	pingCtx context.CancelFunc // cancels the active ping goroutine
}

// NewWSClient creates a client that connects to the given WebSocket URL.
func NewWSClient(url, nickname string, log *zap.Logger) *WSClient {
	if log == nil {
		log = zap.NewNop()
	}
	return &WSClient{
		url:      url,
		nickname: nickname,
		log:      log,
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

func (c *WSClient) Nickname() string { return c.nickname }

// --- Bubble Tea messages ---

// ConnectedMsg is sent when the socket is open and the join frame was sent.
type ConnectedMsg struct{}

// DisconnectedMsg is sent when the connection drops.
type DisconnectedMsg struct{ Err error }

// RejectedMsg reports that the server refused the join.
type RejectedMsg struct{ Payload protocol.JoinRejectedPayload }

type SnapshotMsg struct{ Payload protocol.SnapshotPayload }

type PeerJoinedMsg struct{ Peer protocol.Peer }

type PeerLeftMsg struct{ Peer protocol.Peer }

type GlobalMsg struct{ Message protocol.GlobalMessage }

type PrivateMsg struct{ Message protocol.PrivateMessage }

type TypingMsg struct{ Payload protocol.TypingChanged }

// Listen returns a Bubble Tea command that connects and joins. It retries
// with exponential backoff until it succeeds or ctx is done.
func (c *WSClient) Listen(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		delay := reconnectBaseDelay
		for {
			select {
			case <-ctx.Done():
				return nil
			default:
			}

			conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
			if err != nil {
				c.log.Debug("ws dial failed", zap.Error(err), zap.Duration("retry", delay))
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(delay):
				}
				delay = min(delay*2, reconnectMaxDelay)
				continue
			}

			// The connection isn't shared yet, so no write mutex.
			join := protocol.MustEncode(protocol.MsgJoin, protocol.JoinPayload{Nickname: c.nickname})
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, join); err != nil {
				conn.Close()
				continue
			}

			// Cancel any previous ping goroutine.
			c.mu.Lock()
			if c.pingCtx != nil {
				c.pingCtx()
			}
			pingCtx, pingCancel := context.WithCancel(ctx)
			c.conn = conn
			c.pingCtx = pingCancel
			c.mu.Unlock()

			go c.pingLoop(pingCtx, conn)

			return ConnectedMsg{}
		}
	}
}

// ReadLoop returns a Bubble Tea command that reads until the next frame the
// app cares about. Re-issue it after every message it returns.
func (c *WSClient) ReadLoop(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return DisconnectedMsg{Err: ErrNotConnected}
		}

		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongTimeout))
			return nil
		})
		conn.SetReadDeadline(time.Now().Add(pongTimeout))

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				c.drop(conn)
				return DisconnectedMsg{Err: err}
			}
			conn.SetReadDeadline(time.Now().Add(pongTimeout))

			env, err := protocol.Decode(data)
			if err != nil {
				c.log.Debug("ignoring frame", zap.Error(err))
				continue
			}
			if msg := c.dispatch(env); msg != nil {
				if _, rejected := msg.(RejectedMsg); rejected {
					c.drop(conn)
				}
				return msg
			}
		}
	}
}

// Close drops the current connection, if any.
func (c *WSClient) Close() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(time.Second))
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	c.drop(conn)
}

func (c *WSClient) drop(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		if c.pingCtx != nil {
			c.pingCtx()
			c.pingCtx = nil
		}
	}
	c.mu.Unlock()
	conn.Close()
}

// pingLoop sends periodic pings on the given connection. It exits when the
// context is cancelled or the connection changes.
func (c *WSClient) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			cc := c.conn
			c.mu.Unlock()
			if cc != conn {
				return
			}
			c.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *WSClient) SendGlobal(body string, category protocol.Category) error {
	return c.send(protocol.MsgGlobal, protocol.GlobalSend{Body: body, Category: category})
}

func (c *WSClient) SendPrivate(to, body string, category protocol.Category) error {
	return c.send(protocol.MsgPrivate, protocol.PrivateSend{To: to, Body: body, Category: category})
}

func (c *WSClient) SetTyping(scope protocol.Scope, isTyping bool) error {
	return c.send(protocol.MsgTypingSet, protocol.TypingSet{IsTyping: isTyping, Scope: scope})
}

func (c *WSClient) SetView(scope protocol.Scope) error {
	return c.send(protocol.MsgViewSet, protocol.ViewSet{Scope: scope})
}

func (c *WSClient) send(t protocol.MessageType, payload interface{}) error {
	frame, err := protocol.Encode(t, payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return errors.Wrapf(err, "send %s", t)
	}
	return nil
}

func (c *WSClient) dispatch(env protocol.Envelope) tea.Msg {
	var (
		msg tea.Msg
		err error
	)
	switch env.Type {
	case protocol.MsgJoinRejected:
		var p protocol.JoinRejectedPayload
		err = env.DecodePayload(&p)
		msg = RejectedMsg{Payload: p}
	case protocol.MsgSnapshot:
		var p protocol.SnapshotPayload
		err = env.DecodePayload(&p)
		msg = SnapshotMsg{Payload: p}
	case protocol.MsgPeerJoined:
		var p protocol.Peer
		err = env.DecodePayload(&p)
		msg = PeerJoinedMsg{Peer: p}
	case protocol.MsgPeerLeft:
		var p protocol.Peer
		err = env.DecodePayload(&p)
		msg = PeerLeftMsg{Peer: p}
	case protocol.MsgGlobal:
		var p protocol.GlobalMessage
		err = env.DecodePayload(&p)
		msg = GlobalMsg{Message: p}
	case protocol.MsgPrivate:
		var p protocol.PrivateMessage
		err = env.DecodePayload(&p)
		msg = PrivateMsg{Message: p}
	case protocol.MsgTypingChanged:
		var p protocol.TypingChanged
		err = env.DecodePayload(&p)
		msg = TypingMsg{Payload: p}
	default:
		c.log.Debug("ignoring unknown frame type", zap.String("type", string(env.Type)))
		return nil
	}
	if err != nil {
		c.log.Debug("ignoring bad payload", zap.String("type", string(env.Type)), zap.Error(err))
		return nil
	}
	return msg
}

// String describes the rejection for the user.
func (m RejectedMsg) String() string {
	return fmt.Sprintf("join rejected (%s): %s", m.Payload.Code, m.Payload.Reason)
}
