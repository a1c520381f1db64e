// Package presence tracks which users are online. The server is the only
// authority on membership: every roster broadcast replaces the set wholesale.
package presence

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"

	"github.com/quictalk/chat-client/internal/metrics"
	"github.com/quictalk/chat-client/internal/protocol"
	"github.com/quictalk/chat-client/internal/transport"
)

// Source is the part of a transport session the tracker listens on.
type Source interface {
	Subscribe(eventType string, handler transport.Handler) transport.Unsubscribe
}

// Tracker holds the current set of online user ids.
type Tracker struct {
	logger *slog.Logger

	mu       sync.RWMutex
	online   map[string]struct{}
	onChange func([]string)
}

// NewTracker creates an empty Tracker. onChange, when non-nil, is called with
// the sorted roster after every replacement.
func NewTracker(logger *slog.Logger, onChange func([]string)) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		logger:   logger.With("component", "presence"),
		online:   make(map[string]struct{}),
		onChange: onChange,
	}
}

// Attach listens for roster broadcasts on src. Both the current and the
// older roster event names are honored. The returned function detaches.
func (t *Tracker) Attach(src Source) transport.Unsubscribe {
	offA := src.Subscribe(protocol.TypeGetOnlineUsers, t.handleRoster)
	offB := src.Subscribe(protocol.TypeOnlineUsersUpdate, t.handleRoster)
	return func() {
		offA()
		offB()
	}
}

func (t *Tracker) handleRoster(data json.RawMessage) {
	users, err := protocol.DecodeOnlineUsers(data)
	if err != nil {
		t.logger.Debug("dropping malformed roster", "error", err)
		return
	}
	t.Replace(users)
}

// Replace swaps the whole online set for users.
func (t *Tracker) Replace(users []string) {
	next := make(map[string]struct{}, len(users))
	for _, id := range users {
		next[id] = struct{}{}
	}

	t.mu.Lock()
	t.online = next
	onChange := t.onChange
	t.mu.Unlock()

	metrics.OnlineUsers.Set(float64(len(next)))
	t.logger.Debug("roster replaced", "online", len(next))
	if onChange != nil {
		onChange(t.Online())
	}
}

// Reset clears the online set, e.g. on logout.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.online = make(map[string]struct{})
	t.mu.Unlock()
	metrics.OnlineUsers.Set(0)
}

// Online returns the online user ids, sorted.
func (t *Tracker) Online() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	users := make([]string, 0, len(t.online))
	for id := range t.online {
		users = append(users, id)
	}
	sort.Strings(users)
	return users
}

// IsOnline reports whether id is in the current roster.
func (t *Tracker) IsOnline(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.online[id]
	return ok
}

// Count returns the size of the current roster.
func (t *Tracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.online)
}
