package transport

import (
	"testing"
	"time"

	"github.com/ashureev/mre-session-mux/internal/message"
)

func TestMemoryChannel_SendDeliversToPeer(t *testing.T) {
	a, b := NewMemoryPair()
	msg := &message.Message{ID: "m1", Payload: message.Payload{"type": "ping"}}

	if err := a.Send(msg); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case got := <-b.Recv():
		if got.ID != "m1" {
			t.Fatalf("expected id m1, got %s", got.ID)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for delivery")
	}
}

func TestMemoryChannel_Close_ClosesBothEndsRecv(t *testing.T) {
	a, b := NewMemoryPair()

	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, ok := <-a.Recv(); ok {
		t.Fatalf("expected a.Recv() to be closed")
	}
	if _, ok := <-b.Recv(); ok {
		t.Fatalf("expected b.Recv() to be closed after the peer closed")
	}
}

func TestMemoryChannel_CloseWithError_ObservedByBothEnds(t *testing.T) {
	a, b := NewMemoryPair()
	boom := errTestBoom{}

	b.CloseWithError(boom)

	select {
	case err := <-a.Errs():
		if err != boom {
			t.Fatalf("expected a to observe the peer's close error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for a to observe the peer's CloseWithError")
	}

	select {
	case err, ok := <-b.Errs():
		if ok && err != boom {
			t.Fatalf("unexpected error on closer's own Errs(): %v", err)
		}
	default:
	}
}

func TestMemoryChannel_Close_IsIdempotent(t *testing.T) {
	a, _ := NewMemoryPair()
	if err := a.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second Close should be a no-op, got: %v", err)
	}
}

func TestMemoryChannel_SendAfterClose_Errors(t *testing.T) {
	a, _ := NewMemoryPair()
	a.Close()

	if err := a.Send(&message.Message{ID: "m1"}); err == nil {
		t.Fatalf("expected Send after Close to error")
	}
}

type errTestBoom struct{}

func (errTestBoom) Error() string { return "boom" }
