// Package typing implements the typing-indicator state machine shared by the
// relay server (observer fan-out) and the terminal client (keystroke debounce).
//
// Each key is either Idle (absent) or Typing. A keystroke on an idle key emits
// true and arms a quiet-period timer; further keystrokes only re-arm it. The
// key returns to Idle, emitting false, when the timer fires or Stop is called.
package typing

import (
	"sync"
	"time"
)

// DefaultQuietPeriod is how long a key stays Typing after its last keystroke.
const DefaultQuietPeriod = time.Second

type entry struct {
	gen   uint64
	timer *time.Timer
}

// Tracker holds the typing state of every key. onChange runs with the
// tracker locked, so it observes transitions in order; it must not block and
// must not call back into the tracker.
type Tracker[K comparable] struct {
	mu       sync.Mutex
	quiet    time.Duration
	onChange func(key K, typing bool)
	entries  map[K]*entry
	gen      uint64
	closed   bool
}

func New[K comparable](quiet time.Duration, onChange func(key K, typing bool)) *Tracker[K] {
	if quiet <= 0 {
		quiet = DefaultQuietPeriod
	}
	if onChange == nil {
		onChange = func(K, bool) {}
	}
	return &Tracker[K]{
		quiet:    quiet,
		onChange: onChange,
		entries:  make(map[K]*entry),
	}
}

// QuietPeriod returns the configured expiry delay.
func (t *Tracker[K]) QuietPeriod() time.Duration {
	return t.quiet
}

// Keystroke records activity for key. It reports whether the key moved from
// Idle to Typing (and therefore emitted true).
func (t *Tracker[K]) Keystroke(key K) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}

	t.gen++
	gen := t.gen
	timer := time.AfterFunc(t.quiet, func() { t.expire(key, gen) })

	if e, ok := t.entries[key]; ok {
		e.timer.Stop()
		e.gen = gen
		e.timer = timer
		return false
	}

	t.entries[key] = &entry{gen: gen, timer: timer}
	t.onChange(key, true)
	return true
}

// Stop moves key to Idle immediately. It reports whether the key was Typing.
func (t *Tracker[K]) Stop(key K) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[key]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(t.entries, key)
	t.onChange(key, false)
	return true
}

// Forget drops every key accepted by match without emitting false. Used when
// the owner of those keys is gone and observers learn that another way.
func (t *Tracker[K]) Forget(match func(K) bool) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for key, e := range t.entries {
		if match(key) {
			e.timer.Stop()
			delete(t.entries, key)
			n++
		}
	}
	return n
}

// Active reports whether key is currently Typing.
func (t *Tracker[K]) Active(key K) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[key]
	return ok
}

// ActiveKeys returns the Typing keys accepted by match, in no particular order.
func (t *Tracker[K]) ActiveKeys(match func(K) bool) []K {
	t.mu.Lock()
	defer t.mu.Unlock()

	var keys []K
	for key := range t.entries {
		if match == nil || match(key) {
			keys = append(keys, key)
		}
	}
	return keys
}

// Close cancels all pending timers. Later keystrokes are ignored.
func (t *Tracker[K]) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for key, e := range t.entries {
		e.timer.Stop()
		delete(t.entries, key)
	}
	t.closed = true
}

func (t *Tracker[K]) expire(key K, gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[key]
	if !ok || e.gen != gen {
		// Superseded by a later keystroke or already stopped.
		return
	}
	delete(t.entries, key)
	t.onChange(key, false)
}
