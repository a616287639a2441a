package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/chat-relay/relay/internal/config"
	"github.com/chat-relay/relay/internal/presence"
	"github.com/chat-relay/relay/internal/protocol"
	"github.com/chat-relay/relay/internal/relay"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	http   *httptest.Server
	server *Server
	hub    *relay.Hub
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	cfg := config.Default()
	cfg.Chat.TypingQuietPeriod = time.Hour
	if mutate != nil {
		mutate(cfg)
	}
	hub, err := relay.NewHub(presence.NewRegistry(), relay.Options{QuietPeriod: cfg.Chat.TypingQuietPeriod})
	require.NoError(t, err)
	s := NewServer(cfg, hub, nil)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.CloseAll()
		srv.Close()
		hub.Close()
	})
	return &testEnv{http: srv, server: s, hub: hub}
}

func (e *testEnv) tracked() int {
	e.server.mu.Lock()
	defer e.server.mu.Unlock()
	return len(e.server.clients)
}

func (e *testEnv) wsURL() string {
	return "ws" + strings.TrimPrefix(e.http.URL, "http") + "/ws"
}

func (e *testEnv) dialRaw(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(e.wsURL(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// join dials, sends the join frame and returns the connection together with
// the roster snapshot it received.
func (e *testEnv) join(t *testing.T, nickname string) (*websocket.Conn, protocol.SnapshotPayload) {
	t.Helper()
	conn := e.dialRaw(t)
	send(t, conn, protocol.MsgJoin, protocol.JoinPayload{Nickname: nickname})

	env := readFrame(t, conn)
	require.Equal(t, protocol.MsgSnapshot, env.Type)
	var snap protocol.SnapshotPayload
	require.NoError(t, env.DecodePayload(&snap))
	return conn, snap
}

func send(t *testing.T, conn *websocket.Conn, mt protocol.MessageType, payload interface{}) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, protocol.MustEncode(mt, payload)))
}

func readFrame(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	env, err := protocol.Decode(data)
	require.NoError(t, err)
	return env
}

func readPayload(t *testing.T, conn *websocket.Conn, want protocol.MessageType, out interface{}) {
	t.Helper()
	env := readFrame(t, conn)
	require.Equal(t, want, env.Type)
	require.NoError(t, env.DecodePayload(out))
}

func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, data, err := conn.ReadMessage()
	assert.Error(t, err, "unexpected frame: %s", data)
}

func TestSecurityHeaders(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	securityHeaders(inner).ServeHTTP(rec, req)

	want := map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"X-XSS-Protection":        "1; mode=block",
		"Content-Security-Policy": "default-src 'self'",
	}

	for header, expected := range want {
		assert.Equal(t, expected, rec.Header().Get(header), header)
	}
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		host    string
		want    bool
	}{
		{"no origin header", nil, "", "relay.example.com", true},
		{"same host", nil, "https://relay.example.com", "relay.example.com", true},
		{"loopback", nil, "http://localhost:3000", "relay.example.com", true},
		{"ipv4 loopback", nil, "http://127.0.0.1:9000", "relay.example.com", true},
		{"foreign host", nil, "https://evil.example.com", "relay.example.com", false},
		{"allow-list exact", []string{"https://chat.example.com"}, "https://chat.example.com", "relay.example.com", true},
		{"allow-list host match", []string{"https://chat.example.com"}, "http://chat.example.com", "relay.example.com", true},
		{"allow-list excludes loopback", []string{"https://chat.example.com"}, "http://localhost:3000", "relay.example.com", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Server.AllowedOrigins = tt.allowed
			s := NewServer(cfg, nil, nil)

			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			req.Host = tt.host
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, s.checkOrigin(req))
		})
	}
}

func TestJoinRejectedWhenNicknameTaken(t *testing.T) {
	env := newTestEnv(t, nil)
	env.join(t, "Alice")

	conn := env.dialRaw(t)
	send(t, conn, protocol.MsgJoin, protocol.JoinPayload{Nickname: "Alice"})

	var rej protocol.JoinRejectedPayload
	readPayload(t, conn, protocol.MsgJoinRejected, &rej)
	assert.Equal(t, "nickname_taken", rej.Code)
	assert.NotEmpty(t, rej.Reason)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "connection closes after rejection")
	assert.Equal(t, 1, env.hub.Registry().Count())
	assert.Equal(t, 1, env.tracked(), "rejected clients are not tracked")
}

func TestCloseAllDisconnectsJoinedAndRefusesLateJoins(t *testing.T) {
	env := newTestEnv(t, nil)
	alice, _ := env.join(t, "Alice")
	require.Equal(t, 1, env.tracked())

	assert.Equal(t, 1, env.server.CloseAll())
	alice.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := alice.ReadMessage()
	assert.Error(t, err, "joined client is disconnected")

	late := env.dialRaw(t)
	send(t, late, protocol.MsgJoin, protocol.JoinPayload{Nickname: "Bob"})
	late.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := late.ReadMessage()
	assert.Error(t, err, "late join got a frame: %s", data)

	assert.Eventually(t, func() bool { return env.hub.Registry().Count() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, env.tracked())
}

func TestFirstFrameMustBeJoin(t *testing.T) {
	env := newTestEnv(t, nil)

	conn := env.dialRaw(t)
	send(t, conn, protocol.MsgGlobal, protocol.GlobalSend{Body: "hi"})

	var rej protocol.JoinRejectedPayload
	readPayload(t, conn, protocol.MsgJoinRejected, &rej)
	assert.Equal(t, "missing_identity", rej.Code)
}

func TestJoinTimeout(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Server.JoinTimeout = 50 * time.Millisecond })

	conn := env.dialRaw(t)
	var rej protocol.JoinRejectedPayload
	readPayload(t, conn, protocol.MsgJoinRejected, &rej)
	assert.Equal(t, "missing_identity", rej.Code)
}

func TestMaxConnections(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Server.MaxConnections = 1 })
	env.join(t, "Alice")

	_, resp, err := websocket.DefaultDialer.Dial(env.wsURL(), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestPeersEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	env.join(t, "Alice")
	env.join(t, "Bob")

	resp, err := http.Get(env.http.URL + "/api/peers")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))

	var peers []protocol.Peer
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&peers))
	require.Len(t, peers, 2)
	assert.Equal(t, "Alice", peers[0].Nickname)
	assert.Equal(t, "Bob", peers[1].Nickname)
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	env.join(t, "Alice")

	resp, err := http.Get(env.http.URL + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var h Health
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&h))
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, 1, h.Peers)
	assert.Equal(t, 1, h.Connections)
	assert.Greater(t, h.Goroutines, 0)
}

func TestMalformedEventKeepsConnection(t *testing.T) {
	env := newTestEnv(t, nil)
	alice, _ := env.join(t, "Alice")

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte("not json")))
	send(t, alice, protocol.MsgGlobal, protocol.GlobalSend{Body: ""})
	send(t, alice, protocol.MsgGlobal, protocol.GlobalSend{Body: "still here"})

	var msg protocol.GlobalMessage
	readPayload(t, alice, protocol.MsgGlobal, &msg)
	assert.Equal(t, "still here", msg.Body)
}

func TestRateLimitDropsExcessEvents(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.Limits.EventsPerSecond = 0.001
		c.Limits.Burst = 2
	})
	alice, _ := env.join(t, "Alice")

	for i := 0; i < 5; i++ {
		send(t, alice, protocol.MsgGlobal, protocol.GlobalSend{Body: "spam"})
	}
	readFrame(t, alice)
	readFrame(t, alice)
	expectSilence(t, alice)
}

func TestSlowClientIsDisconnected(t *testing.T) {
	env := newTestEnv(t, nil)
	srvConn := make(chan *websocket.Conn, 1)
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		srvConn <- c
	}))
	defer up.Close()

	peer, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(up.URL, "http"), nil)
	require.NoError(t, err)
	defer peer.Close()

	c := newClient("slow", <-srvConn, 1, time.Second, time.Hour, env.server.log)
	assert.True(t, c.Send([]byte("one")))
	assert.False(t, c.Send([]byte("two")), "buffer is full")

	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = peer.ReadMessage()
	assert.Error(t, err, "the socket is closed")

	c.close()
	assert.False(t, c.Send([]byte("three")), "closed clients drop frames")
}

// Alice and Bob exchange global and private messages over real sockets, then
// Alice disconnects.
func TestAliceAndBobEndToEnd(t *testing.T) {
	env := newTestEnv(t, nil)

	alice, snapA := env.join(t, "Alice")
	require.Len(t, snapA.Peers, 1)
	aliceID := snapA.Self

	bob, snapB := env.join(t, "Bob")
	bobID := snapB.Self
	assert.Equal(t, []protocol.Peer{
		{ConnectionID: aliceID, Nickname: "Alice"},
		{ConnectionID: bobID, Nickname: "Bob"},
	}, snapB.Peers)

	var joined protocol.Peer
	readPayload(t, alice, protocol.MsgPeerJoined, &joined)
	assert.Equal(t, "Bob", joined.Nickname)

	// Bob types in Global; Alice sees it.
	send(t, bob, protocol.MsgTypingSet, protocol.TypingSet{IsTyping: true, Scope: protocol.Global})
	var typing protocol.TypingChanged
	readPayload(t, alice, protocol.MsgTypingChanged, &typing)
	assert.Equal(t, protocol.TypingChanged{From: "Bob", FromID: bobID, IsTyping: true, Scope: protocol.Global}, typing)

	// Bob's message ends his typing and reaches both, Bob included.
	send(t, bob, protocol.MsgGlobal, protocol.GlobalSend{Body: "hello everyone"})
	readPayload(t, alice, protocol.MsgTypingChanged, &typing)
	assert.False(t, typing.IsTyping)

	var gm protocol.GlobalMessage
	readPayload(t, alice, protocol.MsgGlobal, &gm)
	assert.Equal(t, "hello everyone", gm.Body)
	assert.Equal(t, "Bob", gm.From)
	assert.NotEmpty(t, gm.ID)
	readPayload(t, bob, protocol.MsgGlobal, &gm)
	assert.Equal(t, bobID, gm.FromID)

	// Private, emote category.
	send(t, alice, protocol.MsgPrivate, protocol.PrivateSend{To: bobID, Body: "waves", Category: protocol.CategoryEmote})
	var pm protocol.PrivateMessage
	readPayload(t, bob, protocol.MsgPrivate, &pm)
	assert.Equal(t, aliceID, pm.From)
	assert.Equal(t, "Alice", pm.Nickname)
	assert.Equal(t, protocol.CategoryEmote, pm.Category)
	expectSilence(t, alice)

	// Alice leaves; Bob is told once and later private sends go nowhere.
	require.NoError(t, alice.Close())
	var left protocol.Peer
	readPayload(t, bob, protocol.MsgPeerLeft, &left)
	assert.Equal(t, aliceID, left.ConnectionID)

	send(t, bob, protocol.MsgPrivate, protocol.PrivateSend{To: aliceID, Body: "bye?"})
	expectSilence(t, bob)

	require.Eventually(t, func() bool { return env.hub.Registry().Count() == 1 }, time.Second, 10*time.Millisecond)
}
