package client

import (
	"sync"
	"time"

	"github.com/chat-relay/relay/internal/protocol"
	"github.com/chat-relay/relay/internal/typing"
)

// TypingNotifier turns keystrokes into typing.set events. It announces true
// once, repeats it every half quiet period while keys keep coming so the
// server's own expiry never fires mid-burst, and announces false after the
// quiet period or on Stop.
type TypingNotifier struct {
	tracker *typing.Tracker[protocol.Scope]
	refresh time.Duration
	send    func(scope protocol.Scope, isTyping bool)
	now     func() time.Time

	mu       sync.Mutex
	lastSent map[protocol.Scope]time.Time
}

func NewTypingNotifier(quiet time.Duration, send func(scope protocol.Scope, isTyping bool)) *TypingNotifier {
	n := &TypingNotifier{
		send:     send,
		now:      time.Now,
		lastSent: make(map[protocol.Scope]time.Time),
	}
	n.tracker = typing.New[protocol.Scope](quiet, n.changed)
	n.refresh = n.tracker.QuietPeriod() / 2
	return n
}

// Keystroke records activity in scope.
func (n *TypingNotifier) Keystroke(scope protocol.Scope) {
	if n.tracker.Keystroke(scope) {
		return
	}
	n.mu.Lock()
	due := n.now().Sub(n.lastSent[scope]) >= n.refresh
	if due {
		n.lastSent[scope] = n.now()
	}
	n.mu.Unlock()
	if due && n.tracker.Active(scope) {
		n.send(scope, true)
	}
}

// Stop announces false at once if scope was typing.
func (n *TypingNotifier) Stop(scope protocol.Scope) {
	n.tracker.Stop(scope)
}

// Reset forgets all state without announcing anything; used after a
// reconnect, when the server has no typing state for us.
func (n *TypingNotifier) Reset() {
	n.tracker.Forget(func(protocol.Scope) bool { return true })
	n.mu.Lock()
	n.lastSent = make(map[protocol.Scope]time.Time)
	n.mu.Unlock()
}

func (n *TypingNotifier) Close() {
	n.tracker.Close()
}

func (n *TypingNotifier) changed(scope protocol.Scope, isTyping bool) {
	n.mu.Lock()
	if isTyping {
		n.lastSent[scope] = n.now()
	} else {
		delete(n.lastSent, scope)
	}
	n.mu.Unlock()
	n.send(scope, isTyping)
}
