package bridge

import (
	"testing"
	"time"

	"github.com/quictalk/chat-client/internal/chat"
)

// newTestBridge connects to a local NATS server or skips the test.
func newTestBridge(t *testing.T) *Bridge {
	t.Helper()
	cfg := DefaultConfig()
	cfg.MaxReconnects = 0
	b, err := Connect(cfg, nil)
	if err != nil {
		t.Skipf("nats not available: %v", err)
	}
	t.Cleanup(b.Close)
	return b
}

func TestChatSubjectIsOrderIndependent(t *testing.T) {
	if ChatSubject("U1", "U2") != ChatSubject("U2", "U1") {
		t.Fatal("expected the same subject for both directions")
	}
}

func TestPublishMessageRoundTrip(t *testing.T) {
	b := newTestBridge(t)

	got := make(chan Event, 1)
	if err := b.Subscribe(ChatSubject("U1", "U2"), func(ev Event) { got <- ev }); err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}
	if err := b.Flush(); err != nil {
		t.Fatal(err)
	}

	if err := b.PublishMessage(chat.Message{ID: "m1", SenderID: "U2", ReceiverID: "U1", Body: "hi"}); err != nil {
		t.Fatalf("PublishMessage() error: %v", err)
	}

	select {
	case ev := <-got:
		if ev.Type != EventMessage || ev.Msg == nil || ev.Msg.ID != "m1" {
			t.Fatalf("unexpected event %+v", ev)
		}
		if ev.Pair != chat.PairKey("U1", "U2") {
			t.Errorf("unexpected pair %q", ev.Pair)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message event")
	}
}

func TestPublishPresenceRoundTrip(t *testing.T) {
	b := newTestBridge(t)

	got := make(chan Event, 1)
	if err := b.Subscribe(SubjectPresence, func(ev Event) { got <- ev }); err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}
	if err := b.Flush(); err != nil {
		t.Fatal(err)
	}
	if err := b.PublishPresence([]string{"A", "B"}); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-got:
		if ev.Type != EventPresence || len(ev.Online) != 2 {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for presence event")
	}
}
