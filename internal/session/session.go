// Package session implements the session-side phase machine and the
// multiplexer that owns every client of one session, speaking to the app
// transport once while routing messages app<->clients through the rules
// table and maintaining the sync cache (§4.3, §4.4).
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/mre-session-mux/internal/client"
	"github.com/ashureev/mre-session-mux/internal/domain"
	"github.com/ashureev/mre-session-mux/internal/message"
	"github.com/ashureev/mre-session-mux/internal/protocol"
	"github.com/ashureev/mre-session-mux/internal/rules"
	"github.com/ashureev/mre-session-mux/internal/shared"
	"github.com/ashureev/mre-session-mux/internal/synccache"
	"github.com/ashureev/mre-session-mux/internal/transport"
)

// orderCounter assigns the process-wide monotonically increasing Client.order
// tie-break used by authoritative election (§3).
var orderCounter int64

func nextOrder() int {
	return int(atomic.AddInt64(&orderCounter, 1))
}

// Session owns every Client sharing one sessionId, the app transport, and
// the sync cache built from the app's traffic (§3 Session, Lifecycle).
type Session struct {
	ID                string
	Logger            *slog.Logger
	Rules             *rules.Table
	Cache             *synccache.Cache
	PeerAuthoritative bool

	appTransport transport.Channel
	appHandshake *protocol.Protocol
	appSync      *protocol.Protocol
	appExecution *protocol.Protocol

	mu              sync.Mutex
	phase           domain.Phase
	clients         map[string]*client.Client
	clientOrder     []string // client IDs in join order, == Order ascending
	authoritativeID string
	statsDetach     []func()

	closedOnce sync.Once
	closed     chan struct{}
}

// New constructs a Session bound to appCh. The session tears itself down —
// closing the app transport and every client, then closing the channel
// returned by Closed() — once its app phase machine ends or its last client
// leaves (Lifecycle: "when the last client leaves, the session closes the
// app transport and terminates").
func New(id string, appCh transport.Channel, logger *slog.Logger, table *rules.Table, peerAuthoritative bool) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if table == nil {
		table = rules.NewTable(logger)
	}
	s := &Session{
		ID:                id,
		Logger:            logger,
		Rules:             table,
		Cache:             synccache.New(),
		PeerAuthoritative: peerAuthoritative,
		appTransport:      appCh,
		clients:           make(map[string]*client.Client),
		closed:            make(chan struct{}),
	}
	s.appHandshake = protocol.New(fmt.Sprintf("session-handshake:%s", id), appCh, logger)
	s.appSync = protocol.New(fmt.Sprintf("session-sync:%s", id), appCh, logger)
	s.appExecution = protocol.New(fmt.Sprintf("session-execution:%s", id), appCh, logger)
	s.appExecution.UseRecv(s.recvFromApp)
	return s
}

// Phase returns the session's own (app-facing) phase.
func (s *Session) Phase() domain.Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *Session) setPhase(p domain.Phase) {
	s.mu.Lock()
	if p > s.phase {
		s.phase = p
	}
	s.mu.Unlock()
}

// Closed returns a channel that closes once the session has fully torn down.
func (s *Session) Closed() <-chan struct{} { return s.closed }

// Start runs the session's own three-phase machine against the app
// transport (§4.3): handshake, then sync, then execution is started and
// left running in the background until the app transport closes. Any phase
// failure disconnects the session and returns that error.
func (s *Session) Start(ctx context.Context, handshakeTimeout, syncTimeout time.Duration) error {
	if err := s.runAppHandshake(ctx, handshakeTimeout); err != nil {
		return s.disconnect(err)
	}
	if err := s.runAppSync(ctx, syncTimeout); err != nil {
		return s.disconnect(err)
	}
	s.setPhase(domain.PhaseExecution)

	go func() {
		err := s.appExecution.Run(ctx)
		_ = s.disconnect(err)
	}()
	return nil
}

func (s *Session) runAppHandshake(ctx context.Context, timeout time.Duration) error {
	phaseDone := make(chan error, 1)
	go func() { phaseDone <- s.appHandshake.Run(ctx) }()

	req := &message.Message{Payload: message.Payload{"type": "handshake"}}
	reply, err := s.appHandshake.SendMessage(req, true, timeout)
	if err != nil {
		s.appHandshake.Reject(err)
		return <-phaseDone
	}
	if _, _, err := reply.Wait(ctx); err != nil {
		s.appHandshake.Reject(err)
		return <-phaseDone
	}
	s.appHandshake.Resolve()
	if err := <-phaseDone; err != nil {
		return err
	}
	s.setPhase(domain.PhaseSync)
	return nil
}

// runAppSync mirrors the client-side sync phase's shape, but the session has
// nothing of its own to replay into the app — the app is the source of
// truth the cache is built from (§4.5). It simply announces readiness and
// waits for the app's own sync-complete acknowledgement, preserving phase
// symmetry with ClientSync (a resolved Open Question: spec.md does not
// describe session-sync content distinct from the phase-machine shape).
func (s *Session) runAppSync(ctx context.Context, timeout time.Duration) error {
	phaseDone := make(chan error, 1)
	go func() { phaseDone <- s.appSync.Run(ctx) }()

	ready := &message.Message{Payload: message.Payload{"type": message.TypeSyncComplete}}
	reply, err := s.appSync.SendMessage(ready, true, timeout)
	if err != nil {
		s.appSync.Reject(err)
		return <-phaseDone
	}
	if _, _, err := reply.Wait(ctx); err != nil {
		s.appSync.Reject(err)
		return <-phaseDone
	}
	s.appSync.Resolve()
	return <-phaseDone
}

// disconnect closes the app transport and every client, per §4.3 "any
// exception collapses to disconnect() which closes the app transport and
// emits close."
func (s *Session) disconnect(cause error) error {
	_ = s.appTransport.Close()

	s.mu.Lock()
	clients := make([]*client.Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		_ = c.Close()
	}

	s.setPhase(domain.PhaseClosed)
	s.closedOnce.Do(func() { close(s.closed) })
	if shared.IsConnectionClosed(cause) {
		return nil
	}
	return cause
}
