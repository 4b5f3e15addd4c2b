package session

import (
	"context"
	"time"

	"github.com/ashureev/mre-session-mux/internal/client"
	"github.com/ashureev/mre-session-mux/internal/domain"
	"github.com/ashureev/mre-session-mux/internal/message"
	"github.com/ashureev/mre-session-mux/internal/rules"
	"github.com/ashureev/mre-session-mux/internal/transport"
)

// Join admits a newly accepted client transport into the session: it runs
// the client's three phases in order, drains its queue on entry to
// Execution, and removes it from the session on phase failure or transport
// close (§3 Lifecycle, §4.2).
func (s *Session) Join(ctx context.Context, clientID string, ch transport.Channel, handshakeTimeout, syncTimeout time.Duration) {
	c := client.New(clientID, nextOrder(), ch, s.Logger, s.Rules, s.onClientMessage)
	s.addClient(c)

	go func() {
		defer s.removeClient(c)

		if err := c.RunHandshake(ctx, handshakeTimeout); err != nil {
			s.Logger.Warn("session: client handshake failed", "session_id", s.ID, "client_id", c.ID, "error", err)
			return
		}
		if err := c.RunSync(ctx, s.syncReplayFor(c)); err != nil {
			s.Logger.Warn("session: client sync failed", "session_id", s.ID, "client_id", c.ID, "error", err)
			return
		}

		s.onClientReachedExecution(c)

		if err := c.RunExecution(ctx); err != nil {
			s.Logger.Debug("session: client execution ended", "session_id", s.ID, "client_id", c.ID, "error", err)
		}
	}()
}

// syncReplayFor returns the cache-iteration function passed to
// Client.RunSync (§4.2: users, then asset creators, then assets, then
// actors in parent-first order, then per-actor animations and active
// media). The spec's separate "clients" replay step collapses into the
// users step here, since this implementation has no cache category for
// live peers distinct from their cached join record (see DESIGN.md).
func (s *Session) syncReplayFor(_ *client.Client) func(send func(*message.Message) error) error {
	return func(send func(*message.Message) error) error {
		for _, u := range s.Cache.Users() {
			if u.Join == nil {
				continue
			}
			if err := send(u.Join.Clone()); err != nil {
				return err
			}
		}
		for _, creator := range s.Cache.AssetCreators() {
			if err := send(creator.Message.Clone()); err != nil {
				return err
			}
		}
		for _, asset := range s.Cache.Assets() {
			if asset.Update != nil {
				if err := send(asset.Update.Clone()); err != nil {
					return err
				}
			}
		}
		for _, actor := range s.Cache.Actors() {
			if err := send(actor.Initialization.Clone()); err != nil {
				return err
			}
			for _, m := range actor.CreatedAnimations {
				if err := send(m.Clone()); err != nil {
					return err
				}
			}
			for _, m := range actor.ActiveMediaInstances {
				if err := send(m.Clone()); err != nil {
					return err
				}
			}
			for _, m := range actor.ActiveInterpolations {
				if err := send(m.Clone()); err != nil {
					return err
				}
			}
		}
		return nil
	}
}

func (s *Session) addClient(c *client.Client) {
	s.mu.Lock()
	s.clients[c.ID] = c
	s.clientOrder = append(s.clientOrder, c.ID)
	first := len(s.clientOrder) == 1
	s.mu.Unlock()

	if first && s.PeerAuthoritative {
		s.electAuthoritative(c)
	}
}

func (s *Session) removeClient(c *client.Client) {
	s.mu.Lock()
	delete(s.clients, c.ID)
	for i, id := range s.clientOrder {
		if id == c.ID {
			s.clientOrder = append(s.clientOrder[:i], s.clientOrder[i+1:]...)
			break
		}
	}
	wasAuthoritative := s.authoritativeID == c.ID
	remaining := len(s.clientOrder)
	s.mu.Unlock()

	if uid := c.UserID(); uid != "" {
		s.Cache.RemoveUser(uid)
		left := &message.Message{Payload: message.Payload{"type": message.TypeUserLeft, "userId": uid}}
		if _, err := s.appExecution.SendMessage(left, false, 0); err != nil {
			s.Logger.Warn("session: failed to notify app of user-left", "session_id", s.ID, "user_id", uid, "error", err)
		}
	}

	if wasAuthoritative && s.PeerAuthoritative {
		s.electNext()
	}

	if remaining == 0 {
		_ = s.appTransport.Close()
	}
}

// onClientReachedExecution promotes c to authoritative if the role is
// vacant (peer-authoritative sessions only), then drains every message
// queued for c during its handshake/sync phases and sends each one through
// its execution protocol,
// in enqueue order (§4.4 Queueing, §8 "every message enqueued before
// execution is sent exactly once, in order").
func (s *Session) onClientReachedExecution(c *client.Client) {
	if s.PeerAuthoritative {
		s.mu.Lock()
		vacant := s.authoritativeID == ""
		s.mu.Unlock()
		if vacant {
			s.electAuthoritative(c)
		}
	}

	for _, m := range c.DrainQueued(nil) {
		if _, err := c.SendExecution(m, false, 0); err != nil {
			s.Logger.Warn("session: failed to drain queued message", "session_id", s.ID, "client_id", c.ID, "error", err)
		}
	}
}

// onClientMessage is the session's half of preprocessFromClient (§2 data
// flow): it runs the payload type's beforeReceiveFromClient rule, then
// forwards the (possibly rewritten) message to the app.
func (s *Session) onClientMessage(c *client.Client, msg *message.Message) {
	sessionCtx := rules.SessionContext{SessionID: s.ID, Cache: s.Cache}
	clientCtx := rules.ClientContext{ClientID: c.ID, Order: c.Order, Authoritative: c.Authoritative()}

	out, keep := s.Rules.Get(msg.Payload.Type()).BeforeReceiveFromClient(sessionCtx, clientCtx, msg)
	if !keep {
		return
	}
	if _, err := s.appExecution.SendMessage(out, false, 0); err != nil {
		s.Logger.Warn("session: failed to forward client message to app", "session_id", s.ID, "client_id", c.ID, "error", err)
	}
}

// recvFromApp is the appExecution protocol's recv middleware. An ordinary
// reply is left for the protocol's own correlation map; a reply whose
// ReplyToID names a live asset creator is instead an asset-creation reply
// (§4.5) and is routed through preprocessFromApp like any other message.
func (s *Session) recvFromApp(msg *message.Message) (*message.Message, bool) {
	if msg.IsReply() && !s.Cache.HasCreator(msg.ReplyToID) {
		return msg, true
	}
	s.preprocessFromApp(msg)
	return msg, false
}

// preprocessFromApp is the session's half of the forward data flow (§2):
// resolve an asset-creation reply into the cache if applicable, run the
// payload type's beforeReceiveFromApp rule (which drives the cache mutators
// of §4.5 for actor/asset payloads), then fan out to every client.
func (s *Session) preprocessFromApp(msg *message.Message) {
	if msg.IsReply() && s.Cache.HasCreator(msg.ReplyToID) {
		s.Cache.ResolveAssetCreation(msg)
	}

	sessionCtx := rules.SessionContext{SessionID: s.ID, Cache: s.Cache}
	out, keep := s.Rules.Get(msg.Payload.Type()).BeforeReceiveFromApp(sessionCtx, msg)
	if !keep {
		return
	}
	s.sendToClients(out, nil)
}

// sendToClients fans msg out to every client matching filter (or all
// clients, if filter is nil), ordered by Client.order ascending (§4.4). Each
// client receives its own shallow clone so a per-client rewrite never
// cross-contaminates another client's copy. Clients that have not yet
// reached Execution have the clone queued instead of sent.
func (s *Session) sendToClients(msg *message.Message, filter func(*client.Client) bool) {
	s.mu.Lock()
	ordered := make([]*client.Client, 0, len(s.clientOrder))
	for _, id := range s.clientOrder {
		if c, ok := s.clients[id]; ok {
			ordered = append(ordered, c)
		}
	}
	s.mu.Unlock()

	for _, c := range ordered {
		if filter != nil && !filter(c) {
			continue
		}
		clone := msg.Clone()
		switch c.Phase() {
		case domain.PhaseExecution:
			if _, err := c.SendExecution(clone, false, 0); err != nil {
				s.Logger.Warn("session: failed to forward message to client", "session_id", s.ID, "client_id", c.ID, "error", err)
			}
		case domain.PhaseClosed:
			// client is gone; nothing to deliver to.
		default:
			c.QueueMessage(clone)
		}
	}
}

// sendPayloadToClients wraps payload in a fresh message and fans it out
// (§4.4: "sendPayloadToClients(payload, filter?) wraps payload in a fresh
// message").
func (s *Session) sendPayloadToClients(payload message.Payload, filter func(*client.Client) bool) {
	s.sendToClients(&message.Message{Payload: payload}, filter)
}
