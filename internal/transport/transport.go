// Package transport converts a raw bidirectional, message-framed channel
// into the typed message stream the protocol core consumes (§2 Transport
// adapter, §6 External interfaces). Everything here is a thin adapter: the
// synchronization semantics live one layer up, in internal/protocol.
package transport

import (
	"sync"

	"github.com/ashureev/mre-session-mux/internal/message"
)

// StatsTracker observes byte counts flowing over a Channel without being
// able to affect the data itself. Only one forwarding pair is ever wired
// live for a given app transport at a time (§4.4 authoritative election,
// §5 Shared resources).
type StatsTracker interface {
	RecordIncoming(bytes int)
	RecordOutgoing(bytes int)
}

// StatsTap is a StatsTracker that also lets callers subscribe to byte
// events, matching the "on('incoming'|'outgoing', bytes->void)" shape of
// §6. Subscriptions are additive; Unsubscribe removes exactly the handle
// returned by the matching On call.
type StatsTap struct {
	mu        sync.Mutex
	incoming  []func(int)
	outgoing  []func(int)
	nextToken int
}

type subscription struct {
	tap   *StatsTap
	token int
	dir   byte // 'i' or 'o'
}

// NewStatsTap constructs an empty, unsubscribed tap.
func NewStatsTap() *StatsTap {
	return &StatsTap{}
}

// RecordIncoming fans bytes out to every subscribed incoming listener.
func (t *StatsTap) RecordIncoming(bytes int) {
	t.mu.Lock()
	listeners := append([]func(int){}, t.incoming...)
	t.mu.Unlock()
	for _, fn := range listeners {
		fn(bytes)
	}
}

// RecordOutgoing fans bytes out to every subscribed outgoing listener.
func (t *StatsTap) RecordOutgoing(bytes int) {
	t.mu.Lock()
	listeners := append([]func(int){}, t.outgoing...)
	t.mu.Unlock()
	for _, fn := range listeners {
		fn(bytes)
	}
}

// OnIncoming subscribes fn to incoming byte events and returns a handle
// that detaches it.
func (t *StatsTap) OnIncoming(fn func(int)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	token := t.nextToken
	t.nextToken++
	t.incoming = append(t.incoming, fn)
	idx := len(t.incoming) - 1
	return func() { t.detach('i', idx, token) }
}

// OnOutgoing subscribes fn to outgoing byte events and returns a handle
// that detaches it.
func (t *StatsTap) OnOutgoing(fn func(int)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	token := t.nextToken
	t.nextToken++
	t.outgoing = append(t.outgoing, fn)
	idx := len(t.outgoing) - 1
	return func() { t.detach('o', idx, token) }
}

func (t *StatsTap) detach(dir byte, idx, token int) {
	_ = token
	t.mu.Lock()
	defer t.mu.Unlock()
	switch dir {
	case 'i':
		if idx < len(t.incoming) {
			t.incoming = append(t.incoming[:idx], t.incoming[idx+1:]...)
		}
	case 'o':
		if idx < len(t.outgoing) {
			t.outgoing = append(t.outgoing[:idx], t.outgoing[idx+1:]...)
		}
	}
}

var _ = subscription{} // retained for documentation of the handle shape above

// Channel is the duck-typed transport interface consumed by the protocol
// core (§6): send a message, observe an inbound stream, and learn about
// close/error exactly once each.
type Channel interface {
	// Send enqueues msg for delivery. Implementations must preserve
	// send-order delivery within one direction (§5).
	Send(msg *message.Message) error

	// Recv returns a channel of inbound messages. It is closed exactly
	// once, when the transport closes or errors.
	Recv() <-chan *message.Message

	// Errs returns a channel that receives at most one error: the reason
	// the transport closed, if not a clean close. Closed alongside Recv.
	Errs() <-chan error

	// Close closes the transport. Idempotent.
	Close() error

	// Stats returns the transport's stats tap, or nil if untracked.
	Stats() *StatsTap
}
