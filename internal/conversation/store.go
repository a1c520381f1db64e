// Package conversation holds the chattable users roster and the message log
// of the conversation that is currently open.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quictalk/chat-client/internal/api"
	"github.com/quictalk/chat-client/internal/chat"
	"github.com/quictalk/chat-client/internal/notify"
	"github.com/quictalk/chat-client/internal/protocol"
	"github.com/quictalk/chat-client/internal/router"
)

// ErrNoConversation is returned by Send when no conversation is open.
var ErrNoConversation = errors.New("conversation: no conversation selected")

// cacheWriteTimeout bounds a cache write made while a realtime delivery is
// in progress.
const cacheWriteTimeout = 500 * time.Millisecond

// API is the part of the HTTP client the store needs.
type API interface {
	Users(ctx context.Context) ([]api.User, error)
	Conversation(ctx context.Context, userID string) ([]protocol.MessagePayload, error)
	Send(ctx context.Context, userID string, req api.SendRequest) (protocol.MessagePayload, error)
}

// HistoryCache keeps a copy of conversation history keyed by chat.PairKey.
type HistoryCache interface {
	Load(ctx context.Context, pair string) ([]chat.Message, error)
	Save(ctx context.Context, pair string, msgs []chat.Message) error
	Append(ctx context.Context, pair string, msg chat.Message) error
}

// Publisher forwards accepted messages to other consumers.
type Publisher interface {
	PublishMessage(msg chat.Message) error
}

// Options configures a Store. API is required.
type Options struct {
	API       API
	Cache     HistoryCache
	Publisher Publisher
	Notifier  notify.Notifier
	Logger    *slog.Logger

	// OnMessage is called for every message appended to the open
	// conversation, from the realtime channel or from Send.
	OnMessage func(chat.Message)

	// OnUnauthorized is called when an API call is answered with 401.
	// No notice is raised for such failures.
	OnUnauthorized func()
}

// Store is the conversation state container. It owns a router and feeds the
// selected conversation's log from it.
type Store struct {
	api       API
	cache     HistoryCache
	publisher Publisher
	notifier  notify.Notifier
	logger    *slog.Logger
	onMessage func(chat.Message)
	router    *router.Router

	mu              sync.Mutex
	src             router.Source
	self            string
	users           []api.User
	selected        string
	log             *chat.Log
	generation      uint64
	usersLoading    bool
	messagesLoading bool
	onUnauthorized  func()
}

// New creates an empty Store.
func New(opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = notify.NewLog(logger)
	}
	s := &Store{
		api:            opts.API,
		cache:          opts.Cache,
		publisher:      opts.Publisher,
		notifier:       notifier,
		logger:         logger.With("component", "conversation"),
		onMessage:      opts.OnMessage,
		onUnauthorized: opts.OnUnauthorized,
		log:            chat.NewLog(),
	}
	s.router = router.New(logger, s.accepted)
	return s
}

// OnUnauthorized replaces the handler run when an API call is answered with
// 401. It is called without the store lock held.
func (s *Store) OnUnauthorized(fn func()) {
	s.mu.Lock()
	s.onUnauthorized = fn
	s.mu.Unlock()
}

// unauthorized reports whether err is a 401 and, if so, hands it to the
// handler.
func (s *Store) unauthorized(err error) bool {
	if !api.IsAuthenticationRequired(err) {
		return false
	}
	s.mu.Lock()
	fn := s.onUnauthorized
	s.mu.Unlock()
	s.logger.Debug("api call unauthorized", "error", err)
	if fn != nil {
		fn()
	}
	return true
}

// Bind sets the realtime source and the local identity. When a
// conversation is already open it is resubscribed.
func (s *Store) Bind(src router.Source, self string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.src = src
	s.self = chat.NormalizeID(self)
	if s.selected != "" {
		s.router.Subscribe(s.src, s.selected, s.self, s.log)
	}
}

// Unbind drops the subscription, the selection and the roster. It is
// called on logout.
func (s *Store) Unbind() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.router.Unsubscribe()
	s.src = nil
	s.self = ""
	s.users = nil
	s.selected = ""
	s.log = chat.NewLog()
	s.generation++
	s.messagesLoading = false
}

// LoadUsers fetches the roster of chattable users.
func (s *Store) LoadUsers(ctx context.Context) error {
	s.mu.Lock()
	s.usersLoading = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.usersLoading = false
		s.mu.Unlock()
	}()

	users, err := s.api.Users(ctx)
	if s.unauthorized(err) {
		return fmt.Errorf("conversation: load users: %w", err)
	}
	if err != nil {
		s.logger.Warn("loading users failed", "error", err)
		notify.Error(s.notifier, api.UserMessage(err, "Failed to load users"))
		return fmt.Errorf("conversation: load users: %w", err)
	}

	s.mu.Lock()
	s.users = users
	s.mu.Unlock()
	return nil
}

// Users returns the last loaded roster.
func (s *Store) Users() []api.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]api.User, len(s.users))
	copy(out, s.users)
	return out
}

// User returns the roster entry for id.
func (s *Store) User(id string) (api.User, bool) {
	id = chat.NormalizeID(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if string(u.ID) == id {
			return u, true
		}
	}
	return api.User{}, false
}

// Select opens the conversation with peer: the log is cleared, the router
// is moved to the new pair and the history is fetched. A history response
// that arrives after another Select is discarded.
func (s *Store) Select(ctx context.Context, peer string) error {
	peer = chat.NormalizeID(peer)
	if peer == "" {
		s.Deselect()
		return nil
	}

	s.mu.Lock()
	s.generation++
	gen := s.generation
	s.selected = peer
	s.log = chat.NewLog()
	log := s.log
	s.router.Subscribe(s.src, peer, s.self, log)
	s.messagesLoading = true
	self := s.self
	s.mu.Unlock()

	return s.loadHistory(ctx, gen, self, peer, log)
}

// Refresh re-attaches the router for the open conversation and merges a
// fresh copy of its history. It is meant to run after the realtime channel
// (re)connects, since messages sent while it was down are only in history.
func (s *Store) Refresh(ctx context.Context) error {
	s.mu.Lock()
	peer := s.selected
	if peer == "" {
		s.mu.Unlock()
		return nil
	}
	if active, ok := s.router.Active(); !ok || active != peer {
		s.router.Subscribe(s.src, peer, s.self, s.log)
	}
	gen, self, log := s.generation, s.self, s.log
	s.mu.Unlock()

	return s.loadHistory(ctx, gen, self, peer, log)
}

func (s *Store) loadHistory(ctx context.Context, gen uint64, self, peer string, log *chat.Log) error {
	defer func() {
		s.mu.Lock()
		if s.generation == gen {
			s.messagesLoading = false
		}
		s.mu.Unlock()
	}()

	pair := chat.PairKey(self, peer)
	payloads, err := s.api.Conversation(ctx, peer)
	if err != nil {
		if !s.current(gen) {
			s.logger.Debug("discarding failed history for a replaced selection", "peer", peer, "error", err)
			return nil
		}
		if s.unauthorized(err) {
			return fmt.Errorf("conversation: load history: %w", err)
		}
		s.logger.Warn("loading history failed", "peer", peer, "error", err)
		if history, cached := s.cachedHistory(ctx, pair); cached {
			log.Seed(history)
			notify.Info(s.notifier, "Showing cached messages")
		} else {
			notify.Error(s.notifier, api.UserMessage(err, "Failed to load messages"))
		}
		return fmt.Errorf("conversation: load history: %w", err)
	}

	history := chat.FromPayloads(payloads)
	if !s.current(gen) {
		s.logger.Debug("discarding history for a replaced selection", "peer", peer)
		return nil
	}
	total := log.Seed(history)
	s.logger.Debug("history loaded", "peer", peer, "history", len(history), "total", total)

	if s.cache != nil && self != "" {
		if err := s.cache.Save(ctx, pair, log.Messages()); err != nil {
			s.logger.Warn("caching history failed", "pair", pair, "error", err)
		}
	}
	return nil
}

func (s *Store) cachedHistory(ctx context.Context, pair string) ([]chat.Message, bool) {
	if s.cache == nil {
		return nil, false
	}
	msgs, err := s.cache.Load(ctx, pair)
	if err != nil {
		s.logger.Warn("reading cached history failed", "pair", pair, "error", err)
		return nil, false
	}
	return msgs, len(msgs) > 0
}

func (s *Store) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation == gen
}

// Deselect closes the open conversation.
func (s *Store) Deselect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.router.Unsubscribe()
	s.generation++
	s.selected = ""
	s.log = chat.NewLog()
	s.messagesLoading = false
}

// Send posts text and an optional image to the open conversation. The
// confirmed message is appended to the log; its realtime echo is then
// ignored as a duplicate.
func (s *Store) Send(ctx context.Context, text, image string) (chat.Message, error) {
	s.mu.Lock()
	peer, gen, log := s.selected, s.generation, s.log
	s.mu.Unlock()
	if peer == "" {
		return chat.Message{}, ErrNoConversation
	}
	if err := chat.ValidateBody(text, image != ""); err != nil {
		notify.Error(s.notifier, err.Error())
		return chat.Message{}, fmt.Errorf("conversation: send: %w", err)
	}

	payload, err := s.api.Send(ctx, peer, api.SendRequest{Text: text, Image: image})
	if s.unauthorized(err) {
		return chat.Message{}, fmt.Errorf("conversation: send: %w", err)
	}
	if err != nil {
		s.logger.Warn("sending message failed", "peer", peer, "error", err)
		notify.Error(s.notifier, api.UserMessage(err, "Failed to send message"))
		return chat.Message{}, fmt.Errorf("conversation: send: %w", err)
	}
	msg := chat.FromPayload(payload)

	if s.current(gen) && log.Append(msg) {
		s.accepted(msg)
	}
	return msg, nil
}

// accepted runs for every message newly appended to the open log.
func (s *Store) accepted(msg chat.Message) {
	if s.cache != nil {
		pair := chat.PairKey(msg.SenderID, msg.ReceiverID)
		ctx, cancel := context.WithTimeout(context.Background(), cacheWriteTimeout)
		err := s.cache.Append(ctx, pair, msg)
		cancel()
		if err != nil {
			s.logger.Warn("caching message failed", "id", msg.ID, "error", err)
		}
	}
	if s.publisher != nil {
		if err := s.publisher.PublishMessage(msg); err != nil {
			s.logger.Warn("publishing message failed", "id", msg.ID, "error", err)
		}
	}
	if s.onMessage != nil {
		s.onMessage(msg)
	}
}

// Selected returns the peer of the open conversation, or "".
func (s *Store) Selected() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected
}

// Messages returns the open conversation's messages in log order.
func (s *Store) Messages() []chat.Message {
	s.mu.Lock()
	log := s.log
	s.mu.Unlock()
	return log.Messages()
}

// UsersLoading reports whether a roster fetch is in flight.
func (s *Store) UsersLoading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usersLoading
}

// MessagesLoading reports whether a history fetch for the open
// conversation is in flight.
func (s *Store) MessagesLoading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messagesLoading
}

// Routed reports whether the router currently feeds the open conversation.
func (s *Store) Routed() bool {
	peer, ok := s.router.Active()
	return ok && peer == s.Selected()
}
