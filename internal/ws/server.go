package ws

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chat-relay/relay/internal/config"
	"github.com/chat-relay/relay/internal/presence"
	"github.com/chat-relay/relay/internal/protocol"
	"github.com/chat-relay/relay/internal/relay"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrTooManyConnections is reported when server.max_connections is reached.
var ErrTooManyConnections = errors.New("too many connections")

type Server struct {
	config         *config.Config
	hub            *relay.Hub
	log            *zap.Logger
	upgrader       websocket.Upgrader
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	active         atomic.Int64
	started        time.Time
	newID          func() string

	mu       sync.Mutex
	clients  map[string]*client
	draining bool
}

func NewServer(cfg *config.Config, hub *relay.Hub, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		config:         cfg,
		hub:            hub,
		log:            log,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		started:        time.Now(),
		newID:          uuid.NewString,
		clients:        make(map[string]*client),
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}

	for _, origin := range cfg.Server.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	return s
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/peers", s.handlePeers)
	mux.HandleFunc("/api/health", s.handleHealth)
}

// Handler returns every route wrapped in the security headers.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	return securityHeaders(mux)
}

// ConnectionCount is the number of open WebSocket connections, joined or not.
func (s *Server) ConnectionCount() int {
	return int(s.active.Load())
}

func (s *Server) acquire() error {
	n := s.active.Add(1)
	if limit := s.config.Server.MaxConnections; limit > 0 && n > int64(limit) {
		s.active.Add(-1)
		return ErrTooManyConnections
	}
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if err := s.acquire(); err != nil {
		s.log.Warn("ws connection refused", zap.String("remote", r.RemoteAddr), zap.Error(err))
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer s.active.Add(-1)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("ws upgrade error", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	id := s.newID()
	log := s.log.With(zap.String("conn", id))
	log.Debug("ws client connected", zap.String("remote", r.RemoteAddr))

	srv := s.config.Server
	conn.SetReadLimit(srv.ReadLimit)

	nickname, err := s.readJoin(conn)
	if err != nil {
		log.Info("ws handshake failed", zap.Error(err))
		s.reject(conn, presence.ErrMissingIdentity)
		return
	}

	c := newClient(id, conn, srv.SendBuffer, srv.WriteTimeout, srv.PingInterval, log)
	go c.writePump()

	// Tracked before joining so CloseAll never misses a client that is
	// already visible in the roster.
	if !s.track(id, c) {
		log.Debug("ws client refused, server draining")
		c.close()
		return
	}
	if _, err := s.hub.Join(id, nickname, c); err != nil {
		s.untrack(id)
		c.Send(rejectionFrame(err))
		c.close()
		return
	}

	defer func() {
		s.untrack(id)
		s.hub.Leave(id)
		c.close()
		log.Debug("ws client disconnected")
	}()

	conn.SetReadDeadline(time.Now().Add(srv.PongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(srv.PongTimeout))
		return nil
	})

	var limiter *rate.Limiter
	if lim := s.config.Limits; lim.EventsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(lim.EventsPerSecond), lim.Burst)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		// Any inbound frame proves the peer is alive.
		conn.SetReadDeadline(time.Now().Add(srv.PongTimeout))

		if limiter != nil && !limiter.Allow() {
			log.Debug("event rate limited")
			continue
		}
		if err := s.hub.Handle(id, data); err != nil {
			log.Debug("event ignored", zap.Error(err))
		}
	}
}

func (s *Server) track(id string, c *client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining {
		return false
	}
	s.clients[id] = c
	return true
}

func (s *Server) untrack(id string) {
	s.mu.Lock()
	delete(s.clients, id)
	s.mu.Unlock()
}

// CloseAll disconnects every joined client and refuses later handshakes.
// Hijacked connections are not covered by http.Server.Shutdown.
func (s *Server) CloseAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.draining = true
	for _, c := range s.clients {
		c.kick()
	}
	return len(s.clients)
}

// readJoin waits up to join_timeout for the first frame, which must be a join.
func (s *Server) readJoin(conn *websocket.Conn) (string, error) {
	conn.SetReadDeadline(time.Now().Add(s.config.Server.JoinTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return "", errors.Wrap(err, "read join")
	}
	env, err := protocol.Decode(data)
	if err != nil {
		return "", err
	}
	if env.Type != protocol.MsgJoin {
		return "", errors.Errorf("first frame is %q, want %q", env.Type, protocol.MsgJoin)
	}
	var p protocol.JoinPayload
	if err := env.DecodePayload(&p); err != nil {
		return "", err
	}
	return p.Nickname, nil
}

// reject writes join.rejected straight to a connection that never got a
// write pump, then closes it.
func (s *Server) reject(conn *websocket.Conn, cause error) {
	defer conn.Close()
	conn.SetWriteDeadline(time.Now().Add(s.config.Server.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, rejectionFrame(cause)); err != nil {
		return
	}
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, presence.RejectionCode(cause)))
}

func rejectionFrame(err error) []byte {
	return protocol.MustEncode(protocol.MsgJoinRejected, protocol.JoinRejectedPayload{
		Code:   presence.RejectionCode(err),
		Reason: errors.Cause(err).Error(),
	})
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.hub.Registry().Peers())
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}

	if host == r.Host {
		return true
	}

	if strings.HasPrefix(host, "localhost:") || host == "localhost" {
		return true
	}
	if strings.HasPrefix(host, "127.0.0.1:") || host == "127.0.0.1" {
		return true
	}
	if strings.HasPrefix(host, "[::1]:") || host == "::1" {
		return true
	}

	return false
}

// NewHTTPServer builds the listening server; the caller owns its lifecycle.
func NewHTTPServer(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
