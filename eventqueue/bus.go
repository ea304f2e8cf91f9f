package eventqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/steveseguin/ninjamcp/protocol"
)

// ErrWaitTimeout is returned by Bus.Wait when no matching envelope arrives
// before the deadline.
var ErrWaitTimeout = errors.New("eventqueue: wait timeout")

// busEntry is one published envelope, tagged with the monotonically
// increasing cursor value it was published at.
type busEntry struct {
	cursor   uint64
	fromUUID string
	env      *protocol.Envelope
}

// Bus is the internal protocol-event bus FileTransferEngine uses to await a
// specific reply envelope: a monotonically
// increasing cursor plus a close-and-replace broadcast channel. A waiter
// captures the cursor before sending its request and resolves only on an
// entry with a strictly greater cursor that satisfies its predicate — this
// is what prevents the lost-wakeup race where a fast reply arrives before
// the waiter subscribes to the notify channel.
type Bus struct {
	mu     sync.Mutex
	cursor uint64
	recent []busEntry
	cap    int
	notify chan struct{}
}

// DefaultBusHistory bounds how many recent envelopes Wait can scan.
const DefaultBusHistory = 512

// NewBus returns a Bus retaining up to historyCap recent envelopes
// (DefaultBusHistory if historyCap<=0).
func NewBus(historyCap int) *Bus {
	if historyCap <= 0 {
		historyCap = DefaultBusHistory
	}
	return &Bus{cap: historyCap, notify: make(chan struct{})}
}

// Cursor returns the current cursor value. Callers should record this
// immediately before issuing the request whose reply they intend to Wait
// for.
func (b *Bus) Cursor() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cursor
}

// Publish records an inbound envelope from fromUUID and wakes all waiters.
func (b *Bus) Publish(fromUUID string, env *protocol.Envelope) {
	b.mu.Lock()
	b.cursor++
	b.recent = append(b.recent, busEntry{cursor: b.cursor, fromUUID: fromUUID, env: env})
	if len(b.recent) > b.cap {
		b.recent = append([]busEntry(nil), b.recent[len(b.recent)-b.cap:]...)
	}
	close(b.notify)
	b.notify = make(chan struct{})
	b.mu.Unlock()
}

// Wait blocks until an envelope published after sinceCursor satisfies match,
// or timeout (clamped to MaxWait) elapses, or ctx is done.
func (b *Bus) Wait(ctx context.Context, sinceCursor uint64, timeout time.Duration, match func(fromUUID string, env *protocol.Envelope) bool) (*protocol.Envelope, string, error) {
	if timeout <= 0 || timeout > MaxWait {
		timeout = MaxWait
	}
	deadline := time.Now().Add(timeout)
	for {
		b.mu.Lock()
		for _, e := range b.recent {
			if e.cursor > sinceCursor && match(e.fromUUID, e.env) {
				b.mu.Unlock()
				return e.env, e.fromUUID, nil
			}
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			b.mu.Unlock()
			return nil, "", ErrWaitTimeout
		}
		ch := b.notify
		b.mu.Unlock()

		timer := time.NewTimer(remaining)
		select {
		case <-ch:
			timer.Stop()
		case <-timer.C:
			return nil, "", ErrWaitTimeout
		case <-ctx.Done():
			timer.Stop()
			return nil, "", ctx.Err()
		}
	}
}
