package chat

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/quictalk/chat-client/internal/protocol"
)

func msg(id, from, to string) Message {
	return Message{ID: id, SenderID: from, ReceiverID: to, Body: "body-" + id, CreatedAt: time.Now()}
}

func TestAppendAndMessages(t *testing.T) {
	l := NewLog()

	l.Append(msg("1", "a", "b"))
	l.Append(msg("2", "b", "a"))
	l.Append(msg("3", "a", "b"))

	msgs := l.Messages()
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	for i, want := range []string{"1", "2", "3"} {
		if msgs[i].ID != want {
			t.Errorf("index %d: expected id %q, got %q", i, want, msgs[i].ID)
		}
	}
}

func TestAppendDuplicateKeepsLength(t *testing.T) {
	l := NewLog()

	sent := msg("m1", "u1", "u2")
	if !l.Append(sent) {
		t.Fatal("first append should succeed")
	}
	if l.Append(sent) {
		t.Fatal("duplicate append should be rejected")
	}
	if l.Len() != 1 {
		t.Fatalf("expected 1 message, got %d", l.Len())
	}
	if !l.Contains("m1") {
		t.Error("expected log to contain m1")
	}
}

func TestSeedKeepsLiveMessagesAfterHistory(t *testing.T) {
	l := NewLog()

	// A live echo arrives before the history fetch completes; the history
	// also contains it.
	l.Append(msg("3", "a", "b"))
	l.Append(msg("4", "b", "a"))

	n := l.Seed([]Message{msg("1", "a", "b"), msg("2", "b", "a"), msg("3", "a", "b")})
	if n != 4 {
		t.Fatalf("expected 4 messages after seed, got %d", n)
	}

	var ids []string
	for _, m := range l.Messages() {
		ids = append(ids, m.ID)
	}
	if got := strings.Join(ids, ","); got != "1,2,3,4" {
		t.Errorf("unexpected order %s", got)
	}
}

func TestResetEmptiesLog(t *testing.T) {
	l := NewLog()
	l.Append(msg("1", "a", "b"))
	l.Reset()

	if l.Len() != 0 {
		t.Fatalf("expected 0 messages after reset, got %d", l.Len())
	}
	if l.Contains("1") {
		t.Error("reset log should not remember ids")
	}
	if !l.Append(msg("1", "a", "b")) {
		t.Error("append after reset should succeed")
	}
}

func TestMessagesReturnsCopy(t *testing.T) {
	l := NewLog()
	l.Append(msg("1", "a", "b"))

	msgs := l.Messages()
	msgs[0].Body = "mutated"

	if l.Messages()[0].Body == "mutated" {
		t.Error("Messages must not expose internal storage")
	}
}

func TestConcurrentAppend(t *testing.T) {
	l := NewLog()
	goroutines := 50
	perGoroutine := 20

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func(id int) {
			defer wg.Done()
			for m := 0; m < perGoroutine; m++ {
				// Every id is appended by two goroutines.
				l.Append(msg(fmt.Sprintf("m-%d-%d", id/2, m), "a", "b"))
				_ = l.Messages()
			}
		}(g)
	}
	wg.Wait()

	if want := goroutines / 2 * perGoroutine; l.Len() != want {
		t.Fatalf("expected %d unique messages, got %d", want, l.Len())
	}
}

func TestBelongsTo(t *testing.T) {
	cases := []struct {
		name string
		m    Message
		want bool
	}{
		{"inbound from peer", msg("1", "U2", "U1"), true},
		{"self-sent echo", msg("2", "U1", "U2"), true},
		{"other sender", msg("3", "U3", "U1"), false},
		{"other receiver", msg("4", "U1", "U3"), false},
		{"unrelated pair", msg("5", "U3", "U4"), false},
		{"padded ids", msg("6", " U2", "U1 "), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.m.BelongsTo("U1", "U2"); got != tc.want {
				t.Errorf("BelongsTo(U1, U2) = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestPairKeyIsOrderIndependent(t *testing.T) {
	if PairKey("a", "b") != PairKey("b", "a") {
		t.Fatal("pair key must not depend on argument order")
	}
	if PairKey("a", "b") == PairKey("a", "c") {
		t.Fatal("different pairs must have different keys")
	}
}

func TestFromPayloadNormalizes(t *testing.T) {
	p := protocol.MessagePayload{
		AltID:      "7",
		SenderID:   "42",
		ReceiverID: "u1",
		Body:       "hello",
	}
	m := FromPayload(p)
	if m.ID != "7" || m.SenderID != "42" || m.Body != "hello" {
		t.Errorf("unexpected message %+v", m)
	}
	if !m.BelongsTo("u1", "42") {
		t.Error("numeric sender should match its string form")
	}
}
