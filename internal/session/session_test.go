package session

import (
	"context"
	"testing"
	"time"

	"github.com/ashureev/mre-session-mux/internal/message"
	"github.com/ashureev/mre-session-mux/internal/rules"
	"github.com/ashureev/mre-session-mux/internal/transport"
)

// answerAppHandshakeAndSync plays the app's side of the session's own
// handshake/sync exchange (§4.3), replying to whatever the session sends
// first (a handshake request) and second (a sync-complete readiness probe).
func answerAppHandshakeAndSync(t *testing.T, appConn *transport.MemoryChannel) {
	t.Helper()
	for i := 0; i < 2; i++ {
		select {
		case req := <-appConn.Recv():
			if err := appConn.Send(&message.Message{ID: message.NewID(), ReplyToID: req.ID, Payload: message.Payload{}}); err != nil {
				t.Fatalf("answering app phase %d: %v", i, err)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for session's phase-%d request to the app", i)
		}
	}
}

func newTestSession(t *testing.T, peerAuthoritative bool) (*Session, *transport.MemoryChannel, context.Context) {
	t.Helper()
	appSide, sessionSide := transport.NewMemoryPair()
	table := rules.NewTable(nil)
	rules.RegisterDefaultRules(table)

	s := New("sess-1", sessionSide, nil, table, peerAuthoritative)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	go answerAppHandshakeAndSync(t, appSide)
	if err := s.Start(ctx, time.Second, time.Second); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return s, appSide, ctx
}

func joinClient(t *testing.T, s *Session, ctx context.Context, id string) (*transport.MemoryChannel, func()) {
	t.Helper()
	clientConn, sessionSideOfClient := transport.NewMemoryPair()
	s.Join(ctx, id, sessionSideOfClient, time.Second, time.Second)

	// Answer the client handshake.
	req := <-clientConn.Recv()
	if err := clientConn.Send(&message.Message{ID: message.NewID(), ReplyToID: req.ID, Payload: message.Payload{"userId": "user-" + id}}); err != nil {
		t.Fatalf("answering client handshake: %v", err)
	}

	// Drain sync replay until sync-complete.
	for {
		select {
		case m := <-clientConn.Recv():
			if m.Payload.Type() == message.TypeSyncComplete {
				goto synced
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for sync-complete")
		}
	}
synced:
	return clientConn, func() { _ = clientConn.Close() }
}

func TestSession_ClientReachesExecution_ViaHandshakeAndSync(t *testing.T) {
	s, _, ctx := newTestSession(t, false)
	_, closeClient := joinClient(t, s, ctx, "C1")
	defer closeClient()

	deadline := time.After(time.Second)
	for {
		s.mu.Lock()
		c, ok := s.clients["C1"]
		s.mu.Unlock()
		if ok {
			select {
			case <-c.ReachedExecutionOrClosed():
				if c.UserID() != "user-C1" {
					t.Errorf("expected userId=user-C1, got %q", c.UserID())
				}
				return
			default:
			}
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for client to reach execution")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestSession_AssetCreationReply_ResolvesCacheAndForwardsToClients(t *testing.T) {
	s, appConn, ctx := newTestSession(t, false)
	clientConn, closeClient := joinClient(t, s, ctx, "C1")
	defer closeClient()

	creator := &message.Message{ID: "creator-1", Payload: message.Payload{"type": message.TypeCreateAsset, "definition": map[string]interface{}{"name": "rock"}}}
	if err := appConn.Send(creator); err != nil {
		t.Fatalf("Send creator: %v", err)
	}

	// The client should see the broadcasted creator message.
	select {
	case m := <-clientConn.Recv():
		if m.Payload.Type() != message.TypeCreateAsset {
			t.Fatalf("expected create-asset fanned out to client, got %q", m.Payload.Type())
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for creator fan-out")
	}

	reply := &message.Message{ID: "reply-1", ReplyToID: "creator-1", Payload: message.Payload{"id": "rock-1", "duration": 2.5}}
	if err := appConn.Send(reply); err != nil {
		t.Fatalf("Send reply: %v", err)
	}

	select {
	case m := <-clientConn.Recv():
		if m.ReplyToID != "creator-1" {
			t.Fatalf("expected asset-creation reply fanned out, got replyToId=%q", m.ReplyToID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for reply fan-out")
	}

	asset, ok := s.Cache.Asset("rock-1")
	if !ok {
		t.Fatal("expected asset rock-1 to be resolved into the cache")
	}
	if asset.Duration == nil || *asset.Duration != 2.5 {
		t.Errorf("expected duration=2.5, got %v", asset.Duration)
	}
}

func TestSession_UserLeft_NotifiesAppAndClearsCache(t *testing.T) {
	s, appConn, ctx := newTestSession(t, false)
	clientConn, _ := joinClient(t, s, ctx, "C1")

	s.Cache.RegisterUser("user-C1", &message.Message{Payload: message.Payload{"type": "user-joined"}})

	if err := clientConn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case m := <-appConn.Recv():
		if m.Payload.Type() != message.TypeUserLeft {
			t.Fatalf("expected user-left notification, got %q", m.Payload.Type())
		}
		if m.Payload["userId"] != "user-C1" {
			t.Errorf("expected userId=user-C1, got %v", m.Payload["userId"])
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for user-left notification")
	}

	if _, ok := s.Cache.Actor("user-C1"); ok {
		t.Error("did not expect an actor record for a user id")
	}
	if users := s.Cache.Users(); len(users) != 0 {
		t.Errorf("expected user removed from cache, got %d remaining", len(users))
	}
}

func TestSession_AuthoritativeHandoff(t *testing.T) {
	s, _, ctx := newTestSession(t, true)

	c1Conn, _ := joinClient(t, s, ctx, "C1")
	_, closeC2 := joinClient(t, s, ctx, "C2")
	defer closeC2()
	_, closeC3 := joinClient(t, s, ctx, "C3")
	defer closeC3()

	s.mu.Lock()
	authBefore := s.authoritativeID
	s.mu.Unlock()
	if authBefore != "C1" {
		t.Fatalf("expected C1 to be elected first, got %q", authBefore)
	}

	if err := c1Conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		s.mu.Lock()
		auth := s.authoritativeID
		s.mu.Unlock()
		if auth == "C2" {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for C2 to become authoritative, last saw %q", auth)
		case <-time.After(10 * time.Millisecond):
		}
	}
}
