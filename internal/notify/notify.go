// Package notify carries short user-facing notices (success and failure
// messages for explicit actions, connection warnings) from the stores to
// whatever front end is displaying them.
package notify

import (
	"log/slog"
	"sync"
	"time"
)

// Level is the severity of a notice.
type Level string

const (
	LevelSuccess Level = "success"
	LevelError   Level = "error"
	LevelInfo    Level = "info"
)

// Notice is one message for the user.
type Notice struct {
	Level Level
	Text  string
	Time  time.Time
}

// Notifier delivers notices. Implementations must not block the caller.
type Notifier interface {
	Notify(level Level, text string)
}

// Success, Error and Info are shorthands over Notifier.
func Success(n Notifier, text string) { n.Notify(LevelSuccess, text) }

func Error(n Notifier, text string) { n.Notify(LevelError, text) }

func Info(n Notifier, text string) { n.Notify(LevelInfo, text) }

// Channel is a Notifier backed by a buffered channel. When the buffer is
// full new notices are dropped and logged.
type Channel struct {
	ch     chan Notice
	logger *slog.Logger
}

// NewChannel creates a Channel with the given buffer size.
func NewChannel(size int, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		ch:     make(chan Notice, size),
		logger: logger.With("component", "notify"),
	}
}

// Notify implements Notifier.
func (c *Channel) Notify(level Level, text string) {
	n := Notice{Level: level, Text: text, Time: time.Now()}
	select {
	case c.ch <- n:
	default:
		c.logger.Warn("notice dropped, consumer too slow", "level", level, "text", text)
	}
}

// Notices returns the channel to read notices from.
func (c *Channel) Notices() <-chan Notice {
	return c.ch
}

// Log is a Notifier that writes notices to a logger.
type Log struct {
	logger *slog.Logger
}

// NewLog creates a Log notifier.
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger.With("component", "notify")}
}

// Notify implements Notifier.
func (l *Log) Notify(level Level, text string) {
	if level == LevelError {
		l.logger.Error(text)
		return
	}
	l.logger.Info(text, "level", string(level))
}

// Recorder keeps every notice in memory. It is meant for tests.
type Recorder struct {
	mu      sync.Mutex
	notices []Notice
}

// Notify implements Notifier.
func (r *Recorder) Notify(level Level, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, Notice{Level: level, Text: text, Time: time.Now()})
}

// Notices returns a copy of the recorded notices.
func (r *Recorder) Notices() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notice, len(r.notices))
	copy(out, r.notices)
	return out
}

// Count returns how many notices of level were recorded.
func (r *Recorder) Count(level Level) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, nt := range r.notices {
		if nt.Level == level {
			n++
		}
	}
	return n
}
