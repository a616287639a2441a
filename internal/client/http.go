package client

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/chat-relay/relay/internal/presence"
	"github.com/chat-relay/relay/internal/protocol"
	"github.com/pkg/errors"
)

// ErrNicknameInUse is the pre-flight answer when the roster already holds the
// nickname. The server's join remains authoritative.
var ErrNicknameInUse = errors.New("nickname is already in use")

// HTTPClient makes REST calls to the relay.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient creates a client targeting the given base URL (e.g. "http://127.0.0.1:8080").
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// BaseURLFromWS derives the HTTP origin of a WebSocket endpoint:
// ws://host:port/ws becomes http://host:port.
func BaseURLFromWS(wsURL string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", errors.Wrap(err, "parse url")
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", errors.Errorf("unsupported scheme %q", u.Scheme)
	}
	return u.Scheme + "://" + u.Host, nil
}

// Peers fetches /api/peers.
func (c *HTTPClient) Peers() ([]protocol.Peer, error) {
	var out []protocol.Peer
	if err := c.get("/api/peers", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CheckNickname reports ErrNicknameInUse when a live peer holds nickname.
func (c *HTTPClient) CheckNickname(nickname string) error {
	peers, err := c.Peers()
	if err != nil {
		return err
	}
	nickname = presence.NormalizeNickname(nickname)
	for _, p := range peers {
		if p.Nickname == nickname {
			return ErrNicknameInUse
		}
	}
	return nil
}

func (c *HTTPClient) get(path string, out interface{}) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("GET %s: %d %s", path, resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
