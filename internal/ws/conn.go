package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// client is the outbound half of one WebSocket connection. It satisfies
// presence.Sink: Send never blocks, and a client whose buffer is full is
// disconnected.
type client struct {
	id   string
	conn *websocket.Conn
	log  *zap.Logger

	writeTimeout time.Duration
	pingInterval time.Duration

	mu     sync.Mutex
	send   chan []byte
	closed bool

	kickOnce sync.Once
}

func newClient(id string, conn *websocket.Conn, buffer int, writeTimeout, pingInterval time.Duration, log *zap.Logger) *client {
	return &client{
		id:           id,
		conn:         conn,
		log:          log,
		writeTimeout: writeTimeout,
		pingInterval: pingInterval,
		send:         make(chan []byte, buffer),
	}
}

func (c *client) Send(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		c.log.Warn("ws client too slow, disconnecting", zap.String("conn", c.id))
		c.kick()
		return false
	}
}

// kick closes the socket without touching the registry. The read loop sees
// the error and unregisters the connection.
func (c *client) kick() {
	c.kickOnce.Do(func() {
		go c.conn.Close()
	})
}

// close ends the write pump after it flushes what is queued.
func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Debug("ws write failed", zap.String("conn", c.id), zap.Error(err))
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
