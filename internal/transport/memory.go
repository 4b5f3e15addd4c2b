package transport

import (
	"sync"

	"github.com/ashureev/mre-session-mux/internal/message"
)

// pipeState is the state shared by both ends of an in-process duplex
// connection. A single full-duplex connection tears down as one unit (as a
// real socket does): whichever end calls Close/CloseWithError first ends
// the whole pipe, and both ends observe it.
type pipeState struct {
	mu     sync.Mutex
	closed bool
	ab, ba chan *message.Message
	errs   chan error
}

func (p *pipeState) teardown(cause error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	close(p.ab)
	close(p.ba)
	if cause != nil {
		p.errs <- cause
	}
	close(p.errs)
}

func (p *pipeState) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// MemoryChannel is an in-process Channel backed by Go channels, used by
// protocol/client/session tests to drive both ends of a connection without
// a real socket. NewMemoryPair returns two MemoryChannels wired to each
// other: sending on one delivers on the other's Recv().
type MemoryChannel struct {
	pipe   *pipeState
	outbox chan<- *message.Message // writes go here, read by the peer
	inbox  <-chan *message.Message // Recv() reads here
	stats  *StatsTap
}

// NewMemoryPair returns two ends of an in-process duplex channel.
func NewMemoryPair() (a, b *MemoryChannel) {
	ab := make(chan *message.Message, 64)
	ba := make(chan *message.Message, 64)
	pipe := &pipeState{ab: ab, ba: ba, errs: make(chan error, 1)}
	a = &MemoryChannel{pipe: pipe, outbox: ab, inbox: ba, stats: NewStatsTap()}
	b = &MemoryChannel{pipe: pipe, outbox: ba, inbox: ab, stats: NewStatsTap()}
	return a, b
}

// Send implements Channel.
func (c *MemoryChannel) Send(msg *message.Message) error {
	if c.pipe.isClosed() {
		return errClosed
	}
	c.outbox <- msg.Clone()
	c.stats.RecordOutgoing(len(msg.Payload))
	return nil
}

// Recv implements Channel.
func (c *MemoryChannel) Recv() <-chan *message.Message { return c.inbox }

// Errs implements Channel.
func (c *MemoryChannel) Errs() <-chan error { return c.pipe.errs }

// Stats implements Channel.
func (c *MemoryChannel) Stats() *StatsTap { return c.stats }

// Close implements Channel: a clean close, observed by both ends (§7 kind 1).
func (c *MemoryChannel) Close() error {
	c.pipe.teardown(nil)
	return nil
}

// CloseWithError is like Close but reports err to both ends' Errs() first,
// simulating a real transport's `error` event (§6).
func (c *MemoryChannel) CloseWithError(err error) {
	c.pipe.teardown(err)
}

var errClosed = &closedError{}

type closedError struct{}

func (*closedError) Error() string { return "transport closed" }
