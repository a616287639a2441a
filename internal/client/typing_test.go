package client

import (
	"sync"
	"testing"
	"time"

	"github.com/chat-relay/relay/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sent struct {
	scope    protocol.Scope
	isTyping bool
}

type sendLog struct {
	mu   sync.Mutex
	sent []sent
}

func (l *sendLog) record(scope protocol.Scope, isTyping bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = append(l.sent, sent{scope, isTyping})
}

func (l *sendLog) all() []sent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]sent(nil), l.sent...)
}

func TestTypingNotifierRefreshesWhileTyping(t *testing.T) {
	log := &sendLog{}
	n := NewTypingNotifier(100*time.Millisecond, log.record)
	defer n.Close()

	for i := 0; i < 12; i++ {
		n.Keystroke(protocol.Global)
		time.Sleep(20 * time.Millisecond)
	}

	got := log.all()
	require.NotEmpty(t, got)
	trues := 0
	for _, s := range got {
		require.True(t, s.isTyping, "no false while keys keep coming")
		trues++
	}
	assert.GreaterOrEqual(t, trues, 2, "true is repeated at half the quiet period")
	assert.Less(t, trues, 12, "not every keystroke is sent")

	n.Stop(protocol.Global)
	got = log.all()
	assert.Equal(t, sent{protocol.Global, false}, got[len(got)-1])
}

func TestTypingNotifierExpires(t *testing.T) {
	log := &sendLog{}
	n := NewTypingNotifier(40*time.Millisecond, log.record)
	defer n.Close()

	n.Keystroke(protocol.Private("b"))
	require.Eventually(t, func() bool { return len(log.all()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []sent{
		{protocol.Private("b"), true},
		{protocol.Private("b"), false},
	}, log.all())
}

func TestTypingNotifierResetIsSilent(t *testing.T) {
	log := &sendLog{}
	n := NewTypingNotifier(30*time.Millisecond, log.record)
	defer n.Close()

	n.Keystroke(protocol.Global)
	n.Reset()
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, []sent{{protocol.Global, true}}, log.all())

	n.Keystroke(protocol.Global)
	assert.Len(t, log.all(), 2, "typing starts afresh after a reset")
}
