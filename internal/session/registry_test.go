package session

import (
	"testing"
	"time"

	"github.com/ashureev/mre-session-mux/internal/rules"
	"github.com/ashureev/mre-session-mux/internal/transport"
)

func newRegistryTestSession(id string) *Session {
	appSide, _ := transport.NewMemoryPair()
	table := rules.NewTable(nil)
	rules.RegisterDefaultRules(table)
	return New(id, appSide, nil, table, true)
}

func TestRegistry_GetOrCreate_ReusesExistingSession(t *testing.T) {
	r := NewRegistry()
	calls := 0
	newFn := func() *Session {
		calls++
		return newRegistryTestSession("sess-1")
	}

	first, created := r.GetOrCreate("sess-1", newFn)
	if !created {
		t.Fatalf("expected created=true on first call")
	}
	second, created := r.GetOrCreate("sess-1", newFn)
	if created {
		t.Fatalf("expected created=false on second call for the same id")
	}
	if first != second {
		t.Fatalf("expected the same *Session to be returned both times")
	}
	if calls != 1 {
		t.Fatalf("expected newFn to be called exactly once, got %d", calls)
	}
}

func TestRegistry_Get_MissingIDReturnsFalse(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.Get("no-such-session"); ok {
		t.Fatalf("expected Get on an unregistered id to report ok=false")
	}
}

func TestRegistry_RemovesSessionOnceClosed(t *testing.T) {
	r := NewRegistry()
	s := newRegistryTestSession("sess-1")

	if _, created := r.GetOrCreate("sess-1", func() *Session { return s }); !created {
		t.Fatalf("expected created=true")
	}
	if r.Len() != 1 {
		t.Fatalf("expected 1 registered session, got %d", r.Len())
	}

	s.closedOnce.Do(func() { close(s.closed) })

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if r.Len() == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected registry to remove the session once it closed")
}
