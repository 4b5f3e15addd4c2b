// Package protocol implements the common send/recv loop shared by every
// phase on both sides of a session (§4.1 Protocol base): middleware-
// processed send/recv, reply correlation with per-message timeouts, typed
// dispatch, and drain-on-close semantics.
//
// The scheduling model is single-threaded cooperative per §5: a Protocol's
// state (outstanding replies, handler dispatch) must only ever be mutated
// from its own receive loop goroutine or from SendMessage/Resolve/Reject
// calls serialized behind that same goroutine by the owner (Client/Session
// run their protocols one at a time, never concurrently with each other).
package protocol

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/mre-session-mux/internal/message"
	"github.com/ashureev/mre-session-mux/internal/shared"
	"github.com/ashureev/mre-session-mux/internal/transport"
)

// Result is what an OutstandingReply resolves to: the reply's payload and
// envelope, or an error if the reply was rejected (timeout, connection
// close, or middleware drop).
type Result struct {
	Payload message.Payload
	Message *message.Message
	Err     error
}

// Reply is the promise-shaped handle for a request's eventual reply (§3
// OutstandingReply). Callers block on Wait (or select on Done()) until the
// reply resolves, rejects, or the request's timeout fires.
type Reply struct {
	done chan Result
}

// Done returns a channel that receives exactly one Result.
func (r *Reply) Done() <-chan Result { return r.done }

// Wait blocks until the reply resolves, rejects, or ctx is cancelled.
func (r *Reply) Wait(ctx context.Context) (message.Payload, *message.Message, error) {
	select {
	case res := <-r.done:
		return res.Payload, res.Message, res.Err
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

type outstandingReply struct {
	reply *Reply
	timer *time.Timer
}

// SendMiddleware may rewrite msg before it is handed to the transport, or
// drop it by returning keep=false. A drop is silent (§7 kind 5): if a Reply
// was attached to the send, middleware must not drop a message it expects
// the caller to still be waiting on without the caller understanding the
// rejection — Protocol itself rejects the Reply on a drop, so middleware
// need not.
type SendMiddleware func(msg *message.Message) (out *message.Message, keep bool)

// RecvMiddleware may rewrite an inbound msg, or drop it by returning
// keep=false (silently, per §7 kind 5).
type RecvMiddleware func(msg *message.Message) (out *message.Message, keep bool)

// Handler processes one dispatched request (a message with no ReplyToID)
// by payload.type. Returning an error only logs; it never closes the
// transport (§7 kind 3 is recoverable).
type Handler func(ctx context.Context, payload message.Payload, msg *message.Message) error

// Protocol is the base send/recv loop every phase embeds. Name is used only
// for log attribution (e.g. "client-handshake", "session-sync").
type Protocol struct {
	Name    string
	Channel transport.Channel
	Logger  *slog.Logger

	sendMW []SendMiddleware
	recvMW []RecvMiddleware

	mu          sync.Mutex
	outstanding map[string]*outstandingReply
	handlers    map[string]Handler

	doneOnce sync.Once
	done     chan struct{}
	doneErr  error

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New constructs a Protocol bound to channel. Callers register handlers and
// middleware before calling Run.
func New(name string, channel transport.Channel, logger *slog.Logger) *Protocol {
	if logger == nil {
		logger = slog.Default()
	}
	return &Protocol{
		Name:        name,
		Channel:     channel,
		Logger:      logger,
		outstanding: make(map[string]*outstandingReply),
		handlers:    make(map[string]Handler),
		done:        make(chan struct{}),
		stopCh:      make(chan struct{}),
	}
}

// UseSend appends a send middleware to the end of the chain.
func (p *Protocol) UseSend(mw SendMiddleware) { p.sendMW = append(p.sendMW, mw) }

// UseRecv appends a recv middleware to the end of the chain.
func (p *Protocol) UseRecv(mw RecvMiddleware) { p.recvMW = append(p.recvMW, mw) }

// Handle registers a handler for requests whose payload.type == typ.
func (p *Protocol) Handle(typ string, h Handler) { p.handlers[typ] = h }

// Resolve completes Run's wait with a nil error, ending the phase
// successfully (§4.1 "a promise that completes when the phase ends").
func (p *Protocol) Resolve() { p.finish(nil) }

// Reject completes Run's wait with err, ending the phase with failure.
func (p *Protocol) Reject(err error) { p.finish(err) }

func (p *Protocol) finish(err error) {
	p.doneOnce.Do(func() {
		p.doneErr = err
		close(p.done)
	})
}

// Run starts listening, blocks until the phase completes (via Resolve or
// Reject, or the transport closing), then stops listening and returns the
// phase's terminal error.
func (p *Protocol) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	recvCh := p.Channel.Recv()
	errCh := p.Channel.Errs()

	go func() {
		for {
			select {
			case msg, ok := <-recvCh:
				if !ok {
					p.onTransportClosed(nil)
					return
				}
				p.recvMessage(ctx, msg)
			case err, ok := <-errCh:
				if !ok {
					p.onTransportClosed(nil)
					return
				}
				p.onTransportClosed(err)
				return
			case <-p.stopCh:
				return
			case <-p.done:
				return
			}
		}
	}()

	select {
	case <-p.done:
	case <-ctx.Done():
		p.finish(ctx.Err())
	}

	p.StopListening()
	return p.doneErr
}

// StopListening detaches from transport events without closing the
// transport itself. Safe to call multiple times.
func (p *Protocol) StopListening() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

func (p *Protocol) onTransportClosed(cause error) {
	reason := shared.WrapConnectionClosed()
	if cause != nil {
		reason = fmt.Errorf("%s: %w", cause.Error(), shared.ErrConnectionClosed)
	}
	p.rejectAllOutstanding(reason)
	p.finish(reason)
}

func (p *Protocol) rejectAllOutstanding(reason error) {
	p.mu.Lock()
	pending := p.outstanding
	p.outstanding = make(map[string]*outstandingReply)
	p.mu.Unlock()

	for id, o := range pending {
		if o.timer != nil {
			o.timer.Stop()
		}
		o.reply.done <- Result{Err: reason}
		p.Logger.Debug("protocol: rejected outstanding reply on close", "protocol", p.Name, "request_id", id)
	}
}

// SendMessage assigns msg an id if absent, runs the beforeSend middleware
// chain, and hands the (possibly rewritten) message to the transport. If
// wantReply is true an OutstandingReply is recorded and returned; if
// timeout > 0 a timer is armed that, on fire, rejects the reply with a
// timeout reason and closes the transport (§4.1, §7 kind 2).
func (p *Protocol) SendMessage(msg *message.Message, wantReply bool, timeout time.Duration) (*Reply, error) {
	msg.EnsureID()

	for _, mw := range p.sendMW {
		out, keep := mw(msg)
		if !keep {
			p.Logger.Debug("protocol: send middleware dropped message", "protocol", p.Name, "payload_type", msg.Payload.Type())
			if !wantReply {
				return nil, nil
			}
			reply := &Reply{done: make(chan Result, 1)}
			reply.done <- Result{Err: fmt.Errorf("send middleware dropped %q message", msg.Payload.Type())}
			return reply, nil
		}
		msg = out
	}

	var reply *Reply
	if wantReply {
		reply = &Reply{done: make(chan Result, 1)}
		o := &outstandingReply{reply: reply}
		if timeout > 0 {
			payloadType := msg.Payload.Type()
			o.timer = time.AfterFunc(timeout, func() { p.timeoutReply(msg.ID, payloadType) })
		}
		p.mu.Lock()
		p.outstanding[msg.ID] = o
		p.mu.Unlock()
	}

	if err := p.Channel.Send(msg); err != nil {
		if reply != nil {
			p.mu.Lock()
			delete(p.outstanding, msg.ID)
			p.mu.Unlock()
			reply.done <- Result{Err: err}
		}
		return reply, err
	}
	return reply, nil
}

func (p *Protocol) timeoutReply(requestID, payloadType string) {
	p.mu.Lock()
	o, ok := p.outstanding[requestID]
	if ok {
		delete(p.outstanding, requestID)
	}
	p.mu.Unlock()
	if !ok {
		return
	}

	reason := shared.WrapTimeout(payloadType)
	o.reply.done <- Result{Err: reason}
	p.Logger.Error("protocol: reply timed out, closing transport", "protocol", p.Name, "payload_type", payloadType)
	_ = p.Channel.Close()
}

// recvMessage runs the beforeRecv middleware chain, then either resolves an
// outstanding reply (if msg.ReplyToID is set) or dispatches to a
// payload-typed handler.
func (p *Protocol) recvMessage(ctx context.Context, msg *message.Message) {
	for _, mw := range p.recvMW {
		out, keep := mw(msg)
		if !keep {
			p.Logger.Debug("protocol: recv middleware dropped message", "protocol", p.Name)
			return
		}
		msg = out
	}

	if msg.IsReply() {
		p.mu.Lock()
		o, ok := p.outstanding[msg.ReplyToID]
		if ok {
			delete(p.outstanding, msg.ReplyToID)
		}
		p.mu.Unlock()

		if !ok {
			p.Logger.Error("protocol: unknown reply correlation", "protocol", p.Name, "reply_to_id", msg.ReplyToID)
			return
		}
		if o.timer != nil {
			o.timer.Stop()
		}
		o.reply.done <- Result{Payload: msg.Payload, Message: msg}
		return
	}

	typ := msg.Payload.Type()
	h, ok := p.handlers[typ]
	if !ok {
		p.Logger.Error("protocol: unknown payload type", "protocol", p.Name, "payload_type", typ)
		return
	}
	if err := h(ctx, msg.Payload, msg); err != nil {
		p.Logger.Error("protocol: handler error", "protocol", p.Name, "payload_type", typ, "error", err)
	}
}

// DrainPromises completes when the outstanding-reply map is empty, polling
// at the given interval (capped at ≤100ms per §4.1/§9) or returning early
// if ctx is cancelled.
func (p *Protocol) DrainPromises(ctx context.Context, pollInterval time.Duration) error {
	if pollInterval <= 0 || pollInterval > 100*time.Millisecond {
		pollInterval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		p.mu.Lock()
		n := len(p.outstanding)
		p.mu.Unlock()
		if n == 0 {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// OutstandingCount reports the number of outstanding replies, for tests
// asserting the §8 "after transport close, outstanding-reply map is empty"
// property.
func (p *Protocol) OutstandingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.outstanding)
}
