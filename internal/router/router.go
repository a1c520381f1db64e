// Package router narrows the global newMessage stream down to the one
// conversation that is currently open and appends its messages to that
// conversation's log exactly once.
package router

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/quictalk/chat-client/internal/chat"
	"github.com/quictalk/chat-client/internal/metrics"
	"github.com/quictalk/chat-client/internal/protocol"
	"github.com/quictalk/chat-client/internal/transport"
)

// Source is the part of a transport session the router listens on.
type Source interface {
	Subscribe(eventType string, handler transport.Handler) transport.Unsubscribe
	Connected() bool
}

// Sink receives accepted messages. Append must report false for an id it
// already holds; chat.Log satisfies it.
type Sink interface {
	Append(msg chat.Message) bool
}

// Result classifies what the router did with one inbound message.
type Result string

const (
	ResultAccepted  Result = "accepted"
	ResultDuplicate Result = "duplicate"
	ResultFiltered  Result = "filtered"
	ResultMalformed Result = "malformed"
	ResultStale     Result = "stale"
)

// subscription is one registration for one open conversation.
type subscription struct {
	self string
	peer string
	sink Sink
	off  transport.Unsubscribe
}

// Router holds at most one subscription at a time. Subscribing again
// replaces the previous registration before the new one is made, so two
// conversations are never fed at once.
type Router struct {
	logger   *slog.Logger
	onAccept func(chat.Message)

	mu      sync.Mutex
	current *subscription
}

// New creates a Router. onAccept, when non-nil, is called after a message
// was appended to the sink.
func New(logger *slog.Logger, onAccept func(chat.Message)) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		logger:   logger.With("component", "router"),
		onAccept: onAccept,
	}
}

// Subscribe starts routing messages exchanged between self and peer from src
// into sink. Any previous subscription is removed first. When src is not
// connected, or peer or self is unknown, nothing is registered and the
// returned handle does nothing.
func (r *Router) Subscribe(src Source, peer, self string, sink Sink) transport.Unsubscribe {
	peer, self = chat.NormalizeID(peer), chat.NormalizeID(self)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.unsubscribeLocked()

	if src == nil || !src.Connected() || peer == "" || self == "" || sink == nil {
		r.logger.Debug("subscribe skipped", "peer", peer, "self", self)
		return func() {}
	}

	sub := &subscription{self: self, peer: peer, sink: sink}
	sub.off = src.Subscribe(protocol.TypeNewMessage, func(data json.RawMessage) {
		r.route(sub, data)
	})
	r.current = sub
	r.logger.Debug("subscribed", "peer", peer)

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.current == sub {
			r.unsubscribeLocked()
		}
	}
}

// Unsubscribe removes the current subscription, if any.
func (r *Router) Unsubscribe() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unsubscribeLocked()
}

func (r *Router) unsubscribeLocked() {
	if r.current == nil {
		return
	}
	r.current.off()
	r.logger.Debug("unsubscribed", "peer", r.current.peer)
	r.current = nil
}

// Active returns the peer of the current subscription.
func (r *Router) Active() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return "", false
	}
	return r.current.peer, true
}

// route applies the pair filter and the dedup rule to one newMessage
// payload. It runs under mu so an Unsubscribe cannot interleave with an
// append for the subscription being removed.
func (r *Router) route(sub *subscription, data json.RawMessage) Result {
	r.mu.Lock()
	result, msg := r.routeLocked(sub, data)
	r.mu.Unlock()

	metrics.MessagesRouted.WithLabelValues(string(result)).Inc()
	if result == ResultAccepted && r.onAccept != nil {
		r.onAccept(msg)
	}
	return result
}

func (r *Router) routeLocked(sub *subscription, data json.RawMessage) (Result, chat.Message) {
	if r.current != sub {
		r.logger.Debug("dropping message for a replaced subscription", "peer", sub.peer)
		return ResultStale, chat.Message{}
	}

	payload, err := protocol.DecodeMessage(data)
	if err != nil {
		r.logger.Debug("dropping malformed message", "error", err)
		return ResultMalformed, chat.Message{}
	}
	msg := chat.FromPayload(payload)

	if !msg.BelongsTo(sub.self, sub.peer) {
		r.logger.Debug("dropping message for another conversation",
			"id", msg.ID, "sender", msg.SenderID, "receiver", msg.ReceiverID)
		return ResultFiltered, msg
	}
	if !sub.sink.Append(msg) {
		r.logger.Debug("dropping duplicate message", "id", msg.ID)
		return ResultDuplicate, msg
	}
	return ResultAccepted, msg
}
