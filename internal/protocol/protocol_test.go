package protocol

import (
	"context"
	"testing"
	"time"

	"github.com/ashureev/mre-session-mux/internal/message"
	"github.com/ashureev/mre-session-mux/internal/transport"
)

func TestProtocol_SendMessage_AssignsID(t *testing.T) {
	a, b := transport.NewMemoryPair()
	defer a.Close()
	defer b.Close()

	p := New("test", a, nil)
	msg := &message.Message{Payload: message.Payload{"type": "ping"}}
	if _, err := p.SendMessage(msg, false, 0); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if msg.ID == "" {
		t.Errorf("expected message to be assigned an id")
	}

	select {
	case got := <-b.Recv():
		if got.ID != msg.ID {
			t.Errorf("expected peer to receive id %q, got %q", msg.ID, got.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for peer to receive message")
	}
}

func TestProtocol_ReplyTimeout_RejectsAndCloses(t *testing.T) {
	a, b := transport.NewMemoryPair()
	defer b.Close()

	p := New("test", a, nil)
	reply, err := p.SendMessage(&message.Message{Payload: message.Payload{"type": "handshake"}}, true, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	select {
	case res := <-reply.Done():
		if res.Err == nil {
			t.Fatal("expected timeout error, got nil")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for reply rejection")
	}

	if n := p.OutstandingCount(); n != 0 {
		t.Errorf("expected 0 outstanding replies after timeout, got %d", n)
	}
}

func TestProtocol_TransportClose_RejectsOutstanding(t *testing.T) {
	a, b := transport.NewMemoryPair()
	defer a.Close()

	p := New("test", a, nil)
	reply, err := p.SendMessage(&message.Message{Payload: message.Payload{"type": "handshake"}}, true, 0)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go p.Run(ctx)

	b.CloseWithError(errBoom)

	select {
	case res := <-reply.Done():
		if res.Err == nil {
			t.Fatal("expected connection-closed error, got nil")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for reply rejection on close")
	}
}

func TestProtocol_UnknownPayloadType_IsRecoverable(t *testing.T) {
	a, b := transport.NewMemoryPair()
	defer a.Close()
	defer b.Close()

	p := New("test", a, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	if err := b.Send(&message.Message{ID: "m1", Payload: message.Payload{"type": "unregistered-type"}}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	<-done // Run exits on ctx deadline, not a crash — unknown type must not close the transport.
}

func TestProtocol_DrainPromises_WaitsForEmpty(t *testing.T) {
	a, b := transport.NewMemoryPair()
	defer a.Close()
	defer b.Close()

	p := New("test", a, nil)
	reply, err := p.SendMessage(&message.Message{Payload: message.Payload{"type": "req"}}, true, 0)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	drainDone := make(chan error, 1)
	go func() {
		drainDone <- p.DrainPromises(context.Background(), 10*time.Millisecond)
	}()

	select {
	case <-drainDone:
		t.Fatal("drain completed before outstanding reply was resolved")
	case <-time.After(30 * time.Millisecond):
	}

	req := <-b.Recv()
	if err := b.Send(&message.Message{ID: "r1", ReplyToID: req.ID, Payload: message.Payload{"type": "req-reply"}}); err != nil {
		t.Fatalf("Send reply: %v", err)
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		p.Run(ctx)
	}()

	select {
	case res := <-reply.Done():
		if res.Err != nil {
			t.Fatalf("unexpected reply error: %v", res.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for reply resolution")
	}

	select {
	case err := <-drainDone:
		if err != nil {
			t.Fatalf("DrainPromises: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for drain to complete")
	}
}

type boomError struct{}

func (boomError) Error() string { return "boom" }

var errBoom = boomError{}
