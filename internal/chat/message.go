// Package chat holds the chat message model and the per-conversation message
// log that enforces at-most-once presence of every message id.
package chat

import (
	"strings"
	"time"

	"github.com/quictalk/chat-client/internal/protocol"
)

// Message is one immutable chat message between two users.
type Message struct {
	ID         string    `json:"_id"`
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId"`
	Body       string    `json:"text"`
	Image      string    `json:"image,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// FromPayload converts a wire payload into a Message. Identifiers are
// normalized to their string form.
func FromPayload(p protocol.MessagePayload) Message {
	return Message{
		ID:         p.MessageID(),
		SenderID:   NormalizeID(string(p.SenderID)),
		ReceiverID: NormalizeID(string(p.ReceiverID)),
		Body:       p.Content(),
		Image:      p.Image,
		CreatedAt:  p.CreatedAt,
	}
}

// FromPayloads converts a slice of wire payloads, keeping order.
func FromPayloads(ps []protocol.MessagePayload) []Message {
	msgs := make([]Message, 0, len(ps))
	for _, p := range ps {
		msgs = append(msgs, FromPayload(p))
	}
	return msgs
}

// NormalizeID returns the canonical string form of an identifier.
func NormalizeID(id string) string {
	return strings.TrimSpace(id)
}

// BelongsTo reports whether the message's unordered {sender, receiver} pair
// equals {a, b}.
func (m Message) BelongsTo(a, b string) bool {
	a, b = NormalizeID(a), NormalizeID(b)
	s, r := NormalizeID(m.SenderID), NormalizeID(m.ReceiverID)
	return (s == a && r == b) || (s == b && r == a)
}

// PairKey returns an order-independent key for the conversation between a
// and b.
func PairKey(a, b string) string {
	a, b = NormalizeID(a), NormalizeID(b)
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}
