package client

import (
	"context"
	"testing"
	"time"

	"github.com/ashureev/mre-session-mux/internal/domain"
	"github.com/ashureev/mre-session-mux/internal/message"
	"github.com/ashureev/mre-session-mux/internal/transport"
)

func TestClient_Handshake_AssignsUserIDAndAdvances(t *testing.T) {
	a, b := transport.NewMemoryPair()
	defer a.Close()
	defer b.Close()

	c := New("C1", 1, a, nil, nil, nil)

	done := make(chan error, 1)
	go func() { done <- c.RunHandshake(context.Background(), time.Second) }()

	req := <-b.Recv()
	if req.Payload.Type() != "handshake" {
		t.Fatalf("expected handshake request, got %q", req.Payload.Type())
	}
	if err := b.Send(&message.Message{ID: "r1", ReplyToID: req.ID, Payload: message.Payload{"userId": "U1"}}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("RunHandshake: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for handshake to complete")
	}

	if c.UserID() != "U1" {
		t.Errorf("expected userId=U1, got %q", c.UserID())
	}
	if c.Phase() != domain.PhaseSync {
		t.Errorf("expected phase=Sync after handshake, got %v", c.Phase())
	}
}

func TestClient_Handshake_TimeoutClosesTransport(t *testing.T) {
	a, b := transport.NewMemoryPair()
	defer b.Close()

	c := New("C1", 1, a, nil, nil, nil)

	err := c.RunHandshake(context.Background(), 10*time.Millisecond)
	if err == nil {
		t.Fatal("expected handshake timeout error, got nil")
	}

	select {
	case _, ok := <-a.Errs():
		if ok {
			t.Fatal("expected the client's own transport to be closed after the reply timeout")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for transport close")
	}
}

func TestClient_Sync_ReplaysThenCompletes(t *testing.T) {
	a, b := transport.NewMemoryPair()
	defer a.Close()
	defer b.Close()

	c := New("C1", 1, a, nil, nil, nil)
	c.setPhase(domain.PhaseSync)

	done := make(chan error, 1)
	go func() {
		done <- c.RunSync(context.Background(), func(send func(*message.Message) error) error {
			if err := send(&message.Message{Payload: message.Payload{"type": "create-actor", "actor": map[string]interface{}{"id": "A1"}}}); err != nil {
				return err
			}
			return send(&message.Message{Payload: message.Payload{"type": "create-actor", "actor": map[string]interface{}{"id": "A2"}}})
		})
	}()

	var got []string
	for i := 0; i < 3; i++ {
		select {
		case m := <-b.Recv():
			got = append(got, m.Payload.Type())
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for replayed message")
		}
	}

	if got[0] != "create-actor" || got[1] != "create-actor" || got[2] != message.TypeSyncComplete {
		t.Errorf("expected [create-actor create-actor sync-complete], got %v", got)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("RunSync: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for sync phase to resolve")
	}

	if c.Phase() != domain.PhaseExecution {
		t.Errorf("expected phase=Execution after sync, got %v", c.Phase())
	}
}

func TestClient_Execution_BubblesInboundMessages(t *testing.T) {
	a, b := transport.NewMemoryPair()
	defer a.Close()
	defer b.Close()

	received := make(chan *message.Message, 1)
	c := New("C1", 1, a, nil, nil, func(_ *Client, msg *message.Message) {
		received <- msg
	})
	c.setPhase(domain.PhaseExecution)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go c.RunExecution(ctx)

	if err := b.Send(&message.Message{ID: "m1", Payload: message.Payload{"type": "actor-update"}}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case msg := <-received:
		if msg.ID != "m1" {
			t.Errorf("expected to bubble message m1, got %q", msg.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message to bubble up")
	}
}

func TestClient_QueueAndDrain_PreservesOrderAndLeavesRest(t *testing.T) {
	a, _ := transport.NewMemoryPair()
	defer a.Close()
	c := New("C1", 1, a, nil, nil, nil)

	c.QueueMessage(&message.Message{ID: "m1", Payload: message.Payload{"type": "actor-update"}})
	c.QueueMessage(&message.Message{ID: "m2", Payload: message.Payload{"type": "asset-update"}})
	c.QueueMessage(&message.Message{ID: "m3", Payload: message.Payload{"type": "actor-update"}})

	drained := c.DrainQueued(func(m *message.Message) bool { return m.Payload.Type() == "actor-update" })
	if len(drained) != 2 || drained[0].ID != "m1" || drained[1].ID != "m3" {
		t.Fatalf("expected [m1 m3] drained in order, got %+v", drained)
	}

	rest := c.DrainQueued(nil)
	if len(rest) != 1 || rest[0].ID != "m2" {
		t.Fatalf("expected [m2] left for the next wave, got %+v", rest)
	}
}
