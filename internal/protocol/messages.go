// Package protocol defines the realtime event names and payloads exchanged
// with the chat server. Every frame is a JSON envelope carrying a type
// discriminator and an event-specific data payload.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"time"
)

// ---------------------------------------------------------------------------
// Event type constants
// ---------------------------------------------------------------------------

// Client -> Server event types.
const (
	TypeAuthenticate = "authenticate"
)

// Server -> Client event types.
const (
	TypeGetOnlineUsers    = "getOnlineUsers"
	TypeOnlineUsersUpdate = "onlineUsersUpdate"
	TypeNewMessage        = "newMessage"
)

// TypeHeartbeat flows both ways: the server probes with it and the client
// answers with the same type.
const TypeHeartbeat = "heartbeat"

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope is the outer frame of every realtime event. Data is kept raw so
// listeners can decode it into the concrete payload they expect.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Parse decodes a raw frame into an Envelope. Frames without a type are
// rejected.
func Parse(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	return env, nil
}

// Encode builds a frame for the given event type and payload. A nil payload
// produces an envelope without data.
func Encode(eventType string, payload interface{}) ([]byte, error) {
	env := Envelope{Type: eventType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("protocol: failed to marshal %q payload: %w", eventType, err)
		}
		env.Data = raw
	}
	out, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal envelope: %w", err)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Payloads
// ---------------------------------------------------------------------------

// AuthenticateMsg announces the identity bound to a connection.
type AuthenticateMsg struct {
	UserID string `json:"userId"`
}

// OnlineUsers is the full roster of online user ids.
type OnlineUsers []string

// DecodeOnlineUsers decodes a roster payload. Ids sent as numbers are
// normalized to strings.
func DecodeOnlineUsers(data json.RawMessage) (OnlineUsers, error) {
	var raw []ID
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("protocol: failed to decode roster: %w", err)
	}
	users := make(OnlineUsers, 0, len(raw))
	for _, id := range raw {
		if id == "" {
			continue
		}
		users = append(users, string(id))
	}
	return users, nil
}

// ID is a user or message identifier. It accepts JSON strings and numbers so
// that ids compare equal regardless of how the server serialized them.
type ID string

// UnmarshalJSON implements json.Unmarshaler.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("protocol: id must be a string or number: %w", err)
	}
	if i, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
		*id = ID(strconv.FormatInt(i, 10))
		return nil
	}
	*id = ID(canonicalNumber(n.String()))
	return nil
}

// maxIDBits bounds the integers canonicalNumber will expand.
const maxIDBits = 256

// canonicalNumber writes integral numbers such as 1e3 or 1000.0 in plain
// integer form. Anything else is returned unchanged.
func canonicalNumber(s string) string {
	f, _, err := big.ParseFloat(s, 10, maxIDBits, big.ToNearestEven)
	if err != nil || !f.IsInt() || f.MantExp(nil) > maxIDBits {
		return s
	}
	i, _ := f.Int(nil)
	return i.String()
}

// MessagePayload is the wire shape of a chat message, as delivered by
// newMessage and returned by the HTTP API.
type MessagePayload struct {
	ID         ID        `json:"_id"`
	AltID      ID        `json:"id,omitempty"`
	SenderID   ID        `json:"senderId"`
	ReceiverID ID        `json:"receiverId"`
	Text       string    `json:"text,omitempty"`
	Body       string    `json:"body,omitempty"`
	Image      string    `json:"image,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// MessageID returns the message id, preferring "_id" over "id".
func (m MessagePayload) MessageID() string {
	if m.ID != "" {
		return string(m.ID)
	}
	return string(m.AltID)
}

// Content returns the message text, preferring "text" over "body".
func (m MessagePayload) Content() string {
	if m.Text != "" {
		return m.Text
	}
	return m.Body
}

// Validate reports whether the payload carries the fields every message must
// have to be routed.
func (m MessagePayload) Validate() error {
	switch {
	case m.MessageID() == "":
		return fmt.Errorf("protocol: message missing id")
	case m.SenderID == "":
		return fmt.Errorf("protocol: message missing senderId")
	case m.ReceiverID == "":
		return fmt.Errorf("protocol: message missing receiverId")
	}
	return nil
}

// DecodeMessage decodes and validates a newMessage payload.
func DecodeMessage(data json.RawMessage) (MessagePayload, error) {
	var m MessagePayload
	if err := json.Unmarshal(data, &m); err != nil {
		return MessagePayload{}, fmt.Errorf("protocol: failed to decode message: %w", err)
	}
	if err := m.Validate(); err != nil {
		return MessagePayload{}, err
	}
	return m, nil
}
