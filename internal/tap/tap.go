// Package tap mirrors relay activity to optional external systems. Taps see
// metadata only: private message bodies never leave the process.
package tap

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Kind string

const (
	KindPeerJoined Kind = "peer.joined"
	KindPeerLeft   Kind = "peer.left"
	KindGlobal     Kind = "message.global"
	KindPrivate    Kind = "message.private"
	KindTyping     Kind = "typing"
)

type Event struct {
	Kind         Kind      `json:"kind"`
	ConnectionID string    `json:"connectionId"`
	Nickname     string    `json:"nickname"`
	Target       string    `json:"target,omitempty"`
	Bytes        int       `json:"bytes,omitempty"`
	Online       int       `json:"online"`
	At           time.Time `json:"at"`
}

// Publisher receives relay activity. Publish must not block.
type Publisher interface {
	Publish(Event)
}

// Handler is a blocking tap backend.
type Handler interface {
	Handle(ctx context.Context, ev Event) error
	Close(ctx context.Context) error
}

// Nop discards everything.
type Nop struct{}

func (Nop) Publish(Event) {}

// Async feeds handlers on one goroutine, in publish order. Message and
// typing events beyond the queue size are dropped. Roster changes are
// always kept, since a lost peer.left would leave a stale presence entry.
type Async struct {
	handlers []Handler
	timeout  time.Duration
	size     int
	log      *zap.Logger

	mu        sync.Mutex
	pending   []Event
	droppable int
	closed    bool
	wake      chan struct{}
	done      chan struct{}

	closeOnce sync.Once
	closeErr  error
}

func NewAsync(log *zap.Logger, size int, handlers ...Handler) *Async {
	if log == nil {
		log = zap.NewNop()
	}
	if size <= 0 {
		size = 256
	}
	a := &Async{
		handlers: handlers,
		timeout:  2 * time.Second,
		size:     size,
		log:      log,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go a.run()
	return a
}

func (k Kind) roster() bool {
	return k == KindPeerJoined || k == KindPeerLeft
}

func (a *Async) Publish(ev Event) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	if !ev.Kind.roster() {
		if a.droppable >= a.size {
			a.mu.Unlock()
			a.log.Warn("tap queue full, event dropped", zap.String("kind", string(ev.Kind)))
			return
		}
		a.droppable++
	}
	a.pending = append(a.pending, ev)
	a.mu.Unlock()
	a.signal()
}

func (a *Async) signal() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

func (a *Async) run() {
	defer close(a.done)
	for {
		a.mu.Lock()
		if len(a.pending) == 0 {
			closed := a.closed
			a.mu.Unlock()
			if closed {
				return
			}
			<-a.wake
			continue
		}
		ev := a.pending[0]
		a.pending[0] = Event{}
		a.pending = a.pending[1:]
		if !ev.Kind.roster() {
			a.droppable--
		}
		a.mu.Unlock()

		a.handle(ev)
	}
}

func (a *Async) handle(ev Event) {
	for _, h := range a.handlers {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		if err := h.Handle(ctx, ev); err != nil {
			a.log.Warn("tap handler failed", zap.String("kind", string(ev.Kind)), zap.Error(err))
		}
		cancel()
	}
}

// Close stops accepting events, drains what is pending and closes every
// handler once.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	a.signal()

	select {
	case <-a.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	a.closeOnce.Do(func() {
		for _, h := range a.handlers {
			if err := h.Close(ctx); err != nil && a.closeErr == nil {
				a.closeErr = err
			}
		}
	})
	return a.closeErr
}
