package chat

import "sync"

// Log is the ordered message log of one conversation. It is append-only and
// never holds two messages with the same id. It is goroutine-safe.
type Log struct {
	mu    sync.RWMutex
	items []Message
	ids   map[string]struct{}
}

// NewLog creates an empty Log.
func NewLog() *Log {
	return &Log{ids: make(map[string]struct{})}
}

// Append adds msg at the end unless a message with the same id is already
// present. It reports whether the message was added.
func (l *Log) Append(msg Message) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLocked(msg)
}

func (l *Log) appendLocked(msg Message) bool {
	if _, dup := l.ids[msg.ID]; dup {
		return false
	}
	l.ids[msg.ID] = struct{}{}
	l.items = append(l.items, msg)
	return true
}

// Seed installs server history (oldest first) as the head of the log.
// Messages already in the log that the history does not contain (live
// deliveries that raced the fetch) are kept after it. Duplicates are
// dropped. It returns the resulting length.
func (l *Log) Seed(history []Message) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	live := l.items
	l.items = make([]Message, 0, len(history)+len(live))
	l.ids = make(map[string]struct{}, len(history)+len(live))
	for _, m := range history {
		l.appendLocked(m)
	}
	for _, m := range live {
		l.appendLocked(m)
	}
	return len(l.items)
}

// Contains reports whether a message with id is in the log.
func (l *Log) Contains(id string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.ids[id]
	return ok
}

// Messages returns a copy of the log in order (oldest first).
func (l *Log) Messages() []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Message, len(l.items))
	copy(out, l.items)
	return out
}

// Len returns the number of messages in the log.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.items)
}

// Reset empties the log.
func (l *Log) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = nil
	l.ids = make(map[string]struct{})
}
