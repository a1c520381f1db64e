package bridge

import "github.com/quictalk/chat-client/internal/chat"

// Event types carried on the bridge subjects.
const (
	EventMessage  = "message"
	EventPresence = "presence"
)

// Event is the JSON payload published on chat.<pair> and presence.online.
type Event struct {
	Type   string        `json:"type"`
	Pair   string        `json:"pair,omitempty"`
	Msg    *chat.Message `json:"message,omitempty"`
	Online []string      `json:"online,omitempty"`
	Ts     int64         `json:"ts"` // unix milliseconds
}
