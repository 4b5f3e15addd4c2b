package session

import "github.com/ashureev/mre-session-mux/internal/client"

// electAuthoritative installs c as the session's authoritative client,
// uninstalling any previous authority first (§4.4 Authoritative election).
// Only the authoritative client's stats tap is forwarded to the app
// transport's stats tracker.
func (s *Session) electAuthoritative(c *client.Client) {
	s.uninstallAuthoritative()

	stats := c.Stats()
	appStats := s.appTransport.Stats()
	if stats != nil && appStats != nil {
		detachIn := stats.OnIncoming(appStats.RecordIncoming)
		detachOut := stats.OnOutgoing(appStats.RecordOutgoing)
		s.mu.Lock()
		s.statsDetach = []func(){detachIn, detachOut}
		s.authoritativeID = c.ID
		s.mu.Unlock()
	} else {
		s.mu.Lock()
		s.authoritativeID = c.ID
		s.mu.Unlock()
	}
	c.SetAuthoritative(true)
	s.Logger.Debug("session: elected authoritative client", "session_id", s.ID, "client_id", c.ID)
}

// uninstallAuthoritative detaches the current authoritative client's stats
// forwarding, if any, and clears its flag.
func (s *Session) uninstallAuthoritative() {
	s.mu.Lock()
	detach := s.statsDetach
	oldID := s.authoritativeID
	s.statsDetach = nil
	s.authoritativeID = ""
	old := s.clients[oldID]
	s.mu.Unlock()

	for _, fn := range detach {
		fn()
	}
	if old != nil {
		old.SetAuthoritative(false)
	}
}

// electNext re-elects after the authoritative client leaves: the next
// client with phase >= Execution, ordered by Client.order ascending (§4.4
// scenario 4). If none qualifies, no client is authoritative until one
// reaches Execution and is separately promoted.
func (s *Session) electNext() {
	s.mu.Lock()
	ordered := make([]*client.Client, 0, len(s.clientOrder))
	for _, id := range s.clientOrder {
		if c, ok := s.clients[id]; ok {
			ordered = append(ordered, c)
		}
	}
	s.mu.Unlock()

	for _, c := range ordered {
		if c.Phase().AtLeastExecution() {
			s.electAuthoritative(c)
			return
		}
	}
	s.uninstallAuthoritative()
}
