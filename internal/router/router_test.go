package router

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/quictalk/chat-client/internal/chat"
	"github.com/quictalk/chat-client/internal/protocol"
	"github.com/quictalk/chat-client/internal/transport"
)

// fakeSource is an in-memory stand-in for a transport session.
type fakeSource struct {
	mu        sync.Mutex
	connected bool
	nextID    int
	handlers  map[int]transport.Handler
}

func newFakeSource(connected bool) *fakeSource {
	return &fakeSource{connected: connected, handlers: make(map[int]transport.Handler)}
}

func (f *fakeSource) Subscribe(eventType string, h transport.Handler) transport.Unsubscribe {
	f.mu.Lock()
	defer f.mu.Unlock()
	if eventType != protocol.TypeNewMessage {
		panic("router subscribed to " + eventType)
	}
	f.nextID++
	id := f.nextID
	f.handlers[id] = h
	return func() {
		f.mu.Lock()
		delete(f.handlers, id)
		f.mu.Unlock()
	}
}

func (f *fakeSource) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeSource) listeners() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers)
}

// deliver pushes a newMessage payload to every registered listener.
func (f *fakeSource) deliver(t *testing.T, id, from, to string) {
	t.Helper()
	data, err := json.Marshal(map[string]interface{}{
		"_id":        id,
		"senderId":   from,
		"receiverId": to,
		"text":       "hello",
		"createdAt":  time.Now(),
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	f.deliverRaw(data)
}

func (f *fakeSource) deliverRaw(data json.RawMessage) {
	f.mu.Lock()
	hs := make([]transport.Handler, 0, len(f.handlers))
	for _, h := range f.handlers {
		hs = append(hs, h)
	}
	f.mu.Unlock()
	for _, h := range hs {
		h(data)
	}
}

func TestPairFilter(t *testing.T) {
	src := newFakeSource(true)
	log := chat.NewLog()
	r := New(nil, nil)
	r.Subscribe(src, "U2", "U1", log)

	src.deliver(t, "m1", "U2", "U1") // from peer
	src.deliver(t, "m2", "U3", "U1") // other conversation
	src.deliver(t, "m3", "U1", "U2") // self-sent echo

	if log.Len() != 2 {
		t.Fatalf("expected 2 accepted messages, got %d", log.Len())
	}
	if !log.Contains("m1") || !log.Contains("m3") {
		t.Errorf("expected m1 and m3, got %+v", log.Messages())
	}
	if log.Contains("m2") {
		t.Error("message from U3 must be filtered")
	}
}

func TestNumericIDsAreNormalized(t *testing.T) {
	src := newFakeSource(true)
	log := chat.NewLog()
	r := New(nil, nil)
	r.Subscribe(src, "2", "1", log)

	src.deliverRaw(json.RawMessage(`{"_id":"m1","senderId":2,"receiverId":1,"text":"hi"}`))

	if log.Len() != 1 {
		t.Fatalf("numeric ids should match their string form, got %d messages", log.Len())
	}
}

func TestDedupAgainstLocallyAppendedMessage(t *testing.T) {
	src := newFakeSource(true)
	log := chat.NewLog()

	var accepted []chat.Message
	r := New(nil, func(m chat.Message) { accepted = append(accepted, m) })
	r.Subscribe(src, "U2", "U1", log)

	// The send call returned the confirmed message first.
	log.Append(chat.Message{ID: "m1", SenderID: "U1", ReceiverID: "U2", Body: "hello"})
	// Then the broadcast echo arrives, twice (reconnect replay).
	src.deliver(t, "m1", "U1", "U2")
	src.deliver(t, "m1", "U1", "U2")

	if log.Len() != 1 {
		t.Fatalf("expected exactly one copy, got %d", log.Len())
	}
	if len(accepted) != 0 {
		t.Errorf("duplicates must not be reported as accepted, got %d", len(accepted))
	}
}

func TestResubscribeLeavesNoListenerForPreviousConversation(t *testing.T) {
	src := newFakeSource(true)
	logA := chat.NewLog()
	logB := chat.NewLog()
	r := New(nil, nil)

	r.Subscribe(src, "A", "me", logA)
	r.Subscribe(src, "B", "me", logB)

	if n := src.listeners(); n != 1 {
		t.Fatalf("expected exactly 1 listener after switching, got %d", n)
	}

	src.deliver(t, "m1", "A", "me")

	if logA.Len() != 0 {
		t.Errorf("conversation A must not receive messages after switching, got %d", logA.Len())
	}
	if logB.Len() != 0 {
		t.Errorf("message for A must be dropped by B's filter, got %d", logB.Len())
	}
	if peer, ok := r.Active(); !ok || peer != "B" {
		t.Errorf("expected active peer B, got %q (%v)", peer, ok)
	}
}

func TestStaleHandleDoesNotRemoveNewSubscription(t *testing.T) {
	src := newFakeSource(true)
	r := New(nil, nil)

	offA := r.Subscribe(src, "A", "me", chat.NewLog())
	logB := chat.NewLog()
	r.Subscribe(src, "B", "me", logB)

	offA()

	if n := src.listeners(); n != 1 {
		t.Fatalf("stale handle removed the live subscription, listeners=%d", n)
	}
	src.deliver(t, "m1", "B", "me")
	if logB.Len() != 1 {
		t.Errorf("expected B to keep receiving, got %d", logB.Len())
	}
}

func TestUnsubscribe(t *testing.T) {
	src := newFakeSource(true)
	log := chat.NewLog()
	r := New(nil, nil)

	off := r.Subscribe(src, "A", "me", log)
	off()
	off()

	if n := src.listeners(); n != 0 {
		t.Fatalf("expected 0 listeners, got %d", n)
	}
	if _, ok := r.Active(); ok {
		t.Error("expected no active subscription")
	}
	r.Unsubscribe()
}

func TestSubscribePreconditions(t *testing.T) {
	cases := []struct {
		name      string
		connected bool
		peer      string
		self      string
	}{
		{"not connected", false, "A", "me"},
		{"no conversation", true, "", "me"},
		{"no identity", true, "A", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			src := newFakeSource(tc.connected)
			r := New(nil, nil)

			off := r.Subscribe(src, tc.peer, tc.self, chat.NewLog())
			if off == nil {
				t.Fatal("expected a non-nil handle")
			}
			off()
			if n := src.listeners(); n != 0 {
				t.Errorf("expected no listener, got %d", n)
			}
			if _, ok := r.Active(); ok {
				t.Error("expected no active subscription")
			}
		})
	}
}

func TestPreconditionFailureStillRemovesPreviousSubscription(t *testing.T) {
	src := newFakeSource(true)
	r := New(nil, nil)

	r.Subscribe(src, "A", "me", chat.NewLog())
	r.Subscribe(src, "", "me", chat.NewLog())

	if n := src.listeners(); n != 0 {
		t.Fatalf("expected previous listener to be removed, got %d", n)
	}
}

func TestMalformedMessageIsDropped(t *testing.T) {
	src := newFakeSource(true)
	log := chat.NewLog()
	r := New(nil, nil)
	r.Subscribe(src, "A", "me", log)

	src.deliverRaw(json.RawMessage(`{"senderId":"A","receiverId":"me"}`))
	src.deliverRaw(json.RawMessage(`"not an object"`))

	if log.Len() != 0 {
		t.Fatalf("expected malformed messages to be dropped, got %d", log.Len())
	}
}

func TestRouteResults(t *testing.T) {
	src := newFakeSource(true)
	log := chat.NewLog()
	r := New(nil, nil)
	r.Subscribe(src, "A", "me", log)

	r.mu.Lock()
	sub := r.current
	r.mu.Unlock()

	payload := func(id, from, to string) json.RawMessage {
		data, _ := json.Marshal(map[string]string{"_id": id, "senderId": from, "receiverId": to})
		return data
	}

	if got := r.route(sub, payload("1", "A", "me")); got != ResultAccepted {
		t.Errorf("expected accepted, got %s", got)
	}
	if got := r.route(sub, payload("1", "A", "me")); got != ResultDuplicate {
		t.Errorf("expected duplicate, got %s", got)
	}
	if got := r.route(sub, payload("2", "X", "me")); got != ResultFiltered {
		t.Errorf("expected filtered, got %s", got)
	}
	if got := r.route(sub, json.RawMessage(`{}`)); got != ResultMalformed {
		t.Errorf("expected malformed, got %s", got)
	}

	r.Unsubscribe()
	if got := r.route(sub, payload("3", "A", "me")); got != ResultStale {
		t.Errorf("expected stale, got %s", got)
	}
}
