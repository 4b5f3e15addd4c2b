// Package client implements the client-side half of a connection: the
// Client record (§3) and its three sequential phase protocols, ClientHandshake,
// ClientSync, and ClientExecution (§4.2). A Client never holds a strong,
// owning reference back to its session (§9 Design Notes) — inbound
// execution-phase traffic is instead delivered upward through a callback
// supplied at construction, and outbound world-replay content during Sync is
// supplied by the caller rather than read from any session-owned state here.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/mre-session-mux/internal/domain"
	"github.com/ashureev/mre-session-mux/internal/message"
	"github.com/ashureev/mre-session-mux/internal/protocol"
	"github.com/ashureev/mre-session-mux/internal/rules"
	"github.com/ashureev/mre-session-mux/internal/transport"
)

// MessageHandler receives a request-shaped message a client sent during
// Execution, after it has passed the client's own recv middleware. The
// session supplies this at construction; Client has no other way to surface
// inbound traffic (§9).
type MessageHandler func(c *Client, msg *message.Message)

// Client is one downstream engine connection (§3). ID and Order are fixed at
// construction; Order is the process-wide monotonically increasing tie-break
// used by authoritative election (§4.4).
type Client struct {
	ID    string
	Order int

	logger *slog.Logger
	rules  *rules.Table
	onMsg  MessageHandler

	channel transport.Channel

	handshake *protocol.Protocol
	sync      *protocol.Protocol
	execution *protocol.Protocol

	mu            sync.Mutex
	phase         domain.Phase
	userID        string
	authoritative bool
	queued        []*message.Message

	execReachedOnce sync.Once
	execReached     chan struct{}
}

// New constructs a Client bound to ch. order must be assigned by the caller
// from a process-wide monotonic counter (§3). table may be nil, in which
// case queued messages are never rewritten or dropped (identity behavior).
func New(id string, order int, ch transport.Channel, logger *slog.Logger, table *rules.Table, onMsg MessageHandler) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		ID:          id,
		Order:       order,
		logger:      logger,
		rules:       table,
		onMsg:       onMsg,
		channel:     ch,
		execReached: make(chan struct{}),
	}
	c.handshake = protocol.New(fmt.Sprintf("client-handshake:%s", id), ch, logger)
	c.sync = protocol.New(fmt.Sprintf("client-sync:%s", id), ch, logger)
	c.execution = protocol.New(fmt.Sprintf("client-execution:%s", id), ch, logger)

	// Replies correlated on this protocol pass through untouched; every
	// other inbound message during Execution is the client's own traffic
	// and bubbles straight up to the session rather than being dispatched
	// by payload.type here (the rules table, owned by the session, makes
	// that decision — see internal/session).
	c.execution.UseRecv(func(msg *message.Message) (*message.Message, bool) {
		if msg.IsReply() {
			return msg, true
		}
		if c.onMsg != nil {
			c.onMsg(c, msg)
		}
		return msg, false
	})

	return c
}

// Phase returns the client's current phase.
func (c *Client) Phase() domain.Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// UserID returns the userId assigned during Handshake, or "" before then.
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// Authoritative reports whether this client currently holds the
// authoritative role (§4.4).
func (c *Client) Authoritative() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authoritative
}

// SetAuthoritative is called only by the session's election logic.
func (c *Client) SetAuthoritative(v bool) {
	c.mu.Lock()
	c.authoritative = v
	c.mu.Unlock()
}

func (c *Client) setPhase(p domain.Phase) {
	c.mu.Lock()
	if p > c.phase {
		c.phase = p
	}
	c.mu.Unlock()
	if p.AtLeastExecution() {
		c.execReachedOnce.Do(func() { close(c.execReached) })
	}
}

// ReachedExecutionOrClosed returns a channel that closes exactly once, the
// moment this client reaches Execution or Closed — the non-busy-wait
// predicate §4.2 calls for.
func (c *Client) ReachedExecutionOrClosed() <-chan struct{} {
	return c.execReached
}

func (c *Client) ruleContext() rules.ClientContext {
	return rules.ClientContext{ClientID: c.ID, Order: c.Order, Authoritative: c.Authoritative()}
}

// RunHandshake sends a handshake request and waits up to timeout for the
// client's reply, assigning userId from the reply's payload (or minting a
// fresh one if the reply carries none). A timed-out or rejected handshake
// closes the transport and returns the phase's terminal error (scenario 1).
func (c *Client) RunHandshake(ctx context.Context, timeout time.Duration) error {
	phaseDone := make(chan error, 1)
	go func() { phaseDone <- c.handshake.Run(ctx) }()

	req := &message.Message{Payload: message.Payload{"type": "handshake"}}
	reply, err := c.handshake.SendMessage(req, true, timeout)
	if err != nil {
		c.handshake.Reject(err)
		return <-phaseDone
	}

	payload, _, err := reply.Wait(ctx)
	if err != nil {
		c.handshake.Reject(err)
		return <-phaseDone
	}

	uid, _ := payload["userId"].(string)
	if uid == "" {
		uid = message.NewID()
	}
	c.mu.Lock()
	c.userID = uid
	c.mu.Unlock()

	c.handshake.Resolve()
	if err := <-phaseDone; err != nil {
		return err
	}
	c.setPhase(domain.PhaseSync)
	return nil
}

// RunSync drives the sync phase: replay is invoked with a send function that
// forwards one cache-derived message to this client (fire-and-forget, no
// reply expected per message); RunSync appends the terminal sync-complete
// message itself once replay returns. The caller (the session) supplies
// replay so Client never reads session-owned cache state directly.
func (c *Client) RunSync(ctx context.Context, replay func(send func(*message.Message) error) error) error {
	phaseDone := make(chan error, 1)
	go func() { phaseDone <- c.sync.Run(ctx) }()

	send := func(msg *message.Message) error {
		_, err := c.sync.SendMessage(msg, false, 0)
		return err
	}

	if replay != nil {
		if err := replay(send); err != nil {
			c.sync.Reject(err)
			return <-phaseDone
		}
	}

	complete := &message.Message{Payload: message.Payload{"type": message.TypeSyncComplete}}
	if _, err := c.sync.SendMessage(complete, false, 0); err != nil {
		c.sync.Reject(err)
		return <-phaseDone
	}

	c.sync.Resolve()
	if err := <-phaseDone; err != nil {
		return err
	}
	c.setPhase(domain.PhaseExecution)
	return nil
}

// RunExecution starts the steady-state listening loop and blocks until it
// ends (transport close/error, or ctx cancellation).
func (c *Client) RunExecution(ctx context.Context) error {
	err := c.execution.Run(ctx)
	c.setPhase(domain.PhaseClosed)
	return err
}

// SendExecution forwards an app-originated message to this client during
// Execution (§4.4 fan-out). Callers are expected to pass a shallow clone per
// client so per-client rewrites (e.g. rule hooks) do not cross-contaminate.
func (c *Client) SendExecution(msg *message.Message, wantReply bool, timeout time.Duration) (*protocol.Reply, error) {
	return c.execution.SendMessage(msg, wantReply, timeout)
}

// QueueMessage records msg for later delivery once this client reaches
// Execution, first running the payload type's beforeQueueMessageForClient
// rule (§4.4 Queueing), which may rewrite or drop it.
func (c *Client) QueueMessage(msg *message.Message) {
	out, keep := msg, true
	if c.rules != nil {
		out, keep = c.rules.Get(msg.Payload.Type()).BeforeQueueMessageForClient(c.ruleContext(), msg)
	}
	if !keep {
		return
	}
	c.mu.Lock()
	c.queued = append(c.queued, out)
	c.mu.Unlock()
}

// DrainQueued removes and returns every queued message for which filter
// returns true (or every message, if filter is nil), in enqueue order,
// leaving the rest queued for a later drainage wave (§4.4).
func (c *Client) DrainQueued(filter func(*message.Message) bool) []*message.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	var drained, kept []*message.Message
	for _, m := range c.queued {
		if filter == nil || filter(m) {
			drained = append(drained, m)
		} else {
			kept = append(kept, m)
		}
	}
	c.queued = kept
	return drained
}

// Stats returns the underlying transport's byte-counting tap, used by
// authoritative election to install/uninstall forwarding listeners (§4.4).
func (c *Client) Stats() *transport.StatsTap {
	return c.channel.Stats()
}

// Close closes the underlying transport and marks the client Closed.
func (c *Client) Close() error {
	c.setPhase(domain.PhaseClosed)
	return c.channel.Close()
}
