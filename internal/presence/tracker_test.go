package presence

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/quictalk/chat-client/internal/protocol"
	"github.com/quictalk/chat-client/internal/transport"
)

// fakeSource records subscriptions and lets tests push events synchronously.
type fakeSource struct {
	handlers map[string][]transport.Handler
}

func newFakeSource() *fakeSource {
	return &fakeSource{handlers: make(map[string][]transport.Handler)}
}

func (f *fakeSource) Subscribe(eventType string, h transport.Handler) transport.Unsubscribe {
	f.handlers[eventType] = append(f.handlers[eventType], h)
	idx := len(f.handlers[eventType]) - 1
	return func() { f.handlers[eventType][idx] = nil }
}

func (f *fakeSource) emit(t *testing.T, eventType string, payload interface{}) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, h := range f.handlers[eventType] {
		if h != nil {
			h(data)
		}
	}
}

func TestRosterReplacesWholesale(t *testing.T) {
	src := newFakeSource()
	tr := NewTracker(nil, nil)
	tr.Attach(src)

	src.emit(t, protocol.TypeGetOnlineUsers, []string{"A", "B"})
	src.emit(t, protocol.TypeGetOnlineUsers, []string{"C"})

	if got := tr.Online(); !reflect.DeepEqual(got, []string{"C"}) {
		t.Fatalf("expected roster [C], got %v", got)
	}
	if tr.IsOnline("A") {
		t.Error("A should no longer be online")
	}
}

func TestRosterAliasEvent(t *testing.T) {
	src := newFakeSource()
	tr := NewTracker(nil, nil)
	tr.Attach(src)

	src.emit(t, protocol.TypeOnlineUsersUpdate, []string{"x", "y"})

	if tr.Count() != 2 || !tr.IsOnline("x") || !tr.IsOnline("y") {
		t.Fatalf("expected x and y online, got %v", tr.Online())
	}
}

func TestMalformedRosterKeepsPreviousSet(t *testing.T) {
	src := newFakeSource()
	tr := NewTracker(nil, nil)
	tr.Attach(src)

	src.emit(t, protocol.TypeGetOnlineUsers, []string{"A"})
	src.emit(t, protocol.TypeGetOnlineUsers, map[string]string{"not": "a list"})

	if got := tr.Online(); !reflect.DeepEqual(got, []string{"A"}) {
		t.Fatalf("expected roster [A] to survive a malformed event, got %v", got)
	}
}

func TestDetachStopsUpdates(t *testing.T) {
	src := newFakeSource()
	tr := NewTracker(nil, nil)
	detach := tr.Attach(src)

	src.emit(t, protocol.TypeGetOnlineUsers, []string{"A"})
	detach()
	src.emit(t, protocol.TypeGetOnlineUsers, []string{"B"})

	if got := tr.Online(); !reflect.DeepEqual(got, []string{"A"}) {
		t.Fatalf("expected roster [A] after detach, got %v", got)
	}
}

func TestOnChangeAndReset(t *testing.T) {
	var seen [][]string
	tr := NewTracker(nil, func(users []string) { seen = append(seen, users) })

	tr.Replace([]string{"b", "a", "a"})
	if len(seen) != 1 || !reflect.DeepEqual(seen[0], []string{"a", "b"}) {
		t.Fatalf("expected one sorted, deduplicated callback, got %v", seen)
	}

	tr.Reset()
	if tr.Count() != 0 {
		t.Errorf("expected empty roster after reset, got %v", tr.Online())
	}
}
