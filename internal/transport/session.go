// Package transport manages the persistent realtime connection to the chat
// server: dialing, identity announcement, automatic reconnection with
// backoff, keep-alive, and dispatch of inbound events to registered
// listeners.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gobwas/ws"
	"github.com/google/uuid"

	"github.com/quictalk/chat-client/internal/metrics"
	"github.com/quictalk/chat-client/internal/protocol"
)

// ErrNotConnected is returned by operations that need a live connection.
var ErrNotConnected = errors.New("transport: not connected")

// State is the connection state of a Session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config holds tunable parameters for a Session.
type Config struct {
	URL         string        // realtime endpoint, e.g. "ws://localhost:5001/ws"
	MaxAttempts int           // reconnect attempts before giving up
	Delay       time.Duration // initial reconnect delay
	MaxDelay    time.Duration // cap on the reconnect delay
	DialTimeout time.Duration // dial + handshake timeout per attempt
	Heartbeat   HeartbeatConfig
}

// DefaultConfig returns a Config matching the browser client's policy: five
// reconnect attempts starting one second apart.
func DefaultConfig() Config {
	return Config{
		URL:         "ws://localhost:5001/ws",
		MaxAttempts: 5,
		Delay:       time.Second,
		MaxDelay:    5 * time.Second,
		DialTimeout: 10 * time.Second,
		Heartbeat:   DefaultHeartbeatConfig(),
	}
}

// Handler receives the raw data payload of an event.
type Handler func(data json.RawMessage)

// Unsubscribe removes a listener. It is safe to call more than once.
type Unsubscribe func()

// Observer receives lifecycle notifications. Callbacks run on internal
// goroutines and must not call Connect or Disconnect.
type Observer struct {
	OnState func(State)
	OnError func(error) // terminal connection error after retries
}

// Options carries the collaborators of a Session.
type Options struct {
	Logger   *slog.Logger
	Observer Observer
	// Header, when set, supplies extra handshake headers (cookies) for
	// every dial.
	Header func() http.Header
}

type listener struct {
	id      uint64
	handler Handler
}

// run is one Connect call's lifetime: the supervisor goroutine that dials,
// reads and reconnects until it is stopped or gives up.
type run struct {
	identity string
	cancel   context.CancelFunc
	done     chan struct{}
	conn     *conn
}

// Session owns one logical realtime connection. All state transitions and
// listener changes are serialized by mu; Connect and Disconnect are further
// serialized by opMu so teardown of an old run completes before a new one
// starts.
type Session struct {
	config   Config
	logger   *slog.Logger
	binder   *IdentityBinder
	observer Observer
	header   func() http.Header

	opMu      sync.Mutex // serializes Connect/Disconnect
	deliverMu sync.Mutex // held while listeners run

	mu        sync.Mutex
	state     State
	run       *run
	lastErr   error
	listeners map[string][]listener
	nextID    uint64
	changed   chan struct{} // closed and replaced on every state change
}

// NewSession creates a disconnected Session.
func NewSession(config Config, opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxDelay < config.Delay {
		config.MaxDelay = config.Delay
	}
	return &Session{
		config:    config,
		logger:    logger.With("component", "transport"),
		binder:    NewIdentityBinder(logger),
		observer:  opts.Observer,
		header:    opts.Header,
		listeners: make(map[string][]listener),
		changed:   make(chan struct{}),
	}
}

// Connect starts a connection bound to identity. It returns immediately;
// dialing and retries happen in the background and are observable through
// State, WaitConnected and the Observer. Calling Connect again for the same
// identity while a connection is live or being established is a no-op. A
// different identity tears the existing connection down first.
func (s *Session) Connect(identity string) error {
	if err := s.binder.Check(identity); err != nil {
		return err
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	current := s.run
	s.mu.Unlock()
	if current != nil {
		if current.identity == identity {
			return nil
		}
		s.logger.Info("identity changed, replacing connection")
		s.teardown()
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &run{
		identity: identity,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	s.mu.Lock()
	s.run = r
	s.lastErr = nil
	s.setStateLocked(StateConnecting)
	s.mu.Unlock()
	s.notifyState(StateConnecting)

	go s.supervise(ctx, r)
	return nil
}

// Disconnect closes the connection, stops reconnection and drops every
// registered listener. When it returns no listener is running and none will
// run for the closed connection. Safe to call when already disconnected.
func (s *Session) Disconnect() {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.teardown()
}

// teardown stops the current run and waits for it. Caller holds opMu.
func (s *Session) teardown() {
	s.mu.Lock()
	r := s.run
	wasDown := r == nil && s.state == StateDisconnected
	s.run = nil
	s.listeners = make(map[string][]listener)
	if r != nil {
		r.cancel()
		if r.conn != nil {
			r.conn.Close()
		}
	}
	s.setStateLocked(StateDisconnected)
	s.mu.Unlock()

	if r != nil {
		<-r.done
	}
	// Wait out a delivery that was already in flight.
	s.deliverMu.Lock()
	s.deliverMu.Unlock()

	if !wasDown {
		s.logger.Info("disconnected")
		s.notifyState(StateDisconnected)
	}
}

// Subscribe registers handler for events of eventType. Listeners survive
// reconnects of the same session and are dropped by Disconnect.
func (s *Session) Subscribe(eventType string, handler Handler) Unsubscribe {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners[eventType] = append(s.listeners[eventType], listener{id: id, handler: handler})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			ls := s.listeners[eventType]
			for i, l := range ls {
				if l.id == id {
					s.listeners[eventType] = append(ls[:i:i], ls[i+1:]...)
					break
				}
			}
			if len(s.listeners[eventType]) == 0 {
				delete(s.listeners, eventType)
			}
		})
	}
}

// ListenerCount returns the number of listeners registered for eventType.
func (s *Session) ListenerCount(eventType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners[eventType])
}

// Emit sends an event on the live connection.
func (s *Session) Emit(eventType string, payload interface{}) error {
	s.mu.Lock()
	var c *conn
	if s.run != nil && s.state == StateConnected {
		c = s.run.conn
	}
	s.mu.Unlock()
	if c == nil {
		return ErrNotConnected
	}

	frame, err := protocol.Encode(eventType, payload)
	if err != nil {
		return err
	}
	if err := c.WriteText(frame); err != nil {
		return fmt.Errorf("transport: emit %s: %w", eventType, err)
	}
	return nil
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connected reports whether the session is connected and announced.
func (s *Session) Connected() bool {
	return s.State() == StateConnected
}

// Identity returns the identity of the current run, or "" when none.
func (s *Session) Identity() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil {
		return ""
	}
	return s.run.identity
}

// WaitConnected blocks until the session is connected, the session gives up
// (returning the terminal error), or ctx is done.
func (s *Session) WaitConnected(ctx context.Context) error {
	for {
		s.mu.Lock()
		state, lastErr, changed := s.state, s.lastErr, s.changed
		s.mu.Unlock()

		switch state {
		case StateConnected:
			return nil
		case StateDisconnected:
			if lastErr != nil {
				return lastErr
			}
			return ErrNotConnected
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// supervise dials, announces, reads and reconnects until ctx is cancelled
// or the retry budget is exhausted.
func (s *Session) supervise(ctx context.Context, r *run) {
	defer close(r.done)

	policy := s.newBackOff()
	reconnecting := false

	for {
		c, err := s.open(ctx, r.identity)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if reconnecting {
				metrics.ReconnectAttempts.WithLabelValues("failure").Inc()
			}
			wait := policy.NextBackOff()
			if wait == backoff.Stop {
				s.giveUp(r, err)
				return
			}
			s.logger.Warn("connect failed, retrying", "error", err, "retry_in", wait.Round(time.Millisecond))
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}

		if !s.markConnected(r, c) {
			c.Close()
			return
		}
		if reconnecting {
			metrics.ReconnectAttempts.WithLabelValues("success").Inc()
		}
		policy.Reset()

		go s.keepAlive(ctx, c)
		err = s.readLoop(r, c)
		c.Close()

		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("connection lost", "conn", c.id, "error", err)
		if !s.markConnecting(r) {
			return
		}
		reconnecting = true
	}
}

// open dials the server and announces identity on the new connection.
func (s *Session) open(ctx context.Context, identity string) (*conn, error) {
	dialCtx := ctx
	if s.config.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, s.config.DialTimeout)
		defer cancel()
	}

	dialer := ws.Dialer{Timeout: s.config.DialTimeout}
	if s.header != nil {
		if h := s.header(); len(h) > 0 {
			dialer.Header = ws.HandshakeHeaderHTTP(h)
		}
	}

	nc, br, _, err := dialer.Dial(dialCtx, s.config.URL)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", s.config.URL, err)
	}

	c := newConn(uuid.New().String(), nc, br)
	if err := s.binder.Announce(c, identity); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// readLoop reads frames from c until it fails and dispatches them.
func (s *Session) readLoop(r *run, c *conn) error {
	deadline := s.config.Heartbeat.readDeadline()
	for {
		data, err := c.ReadMessage(deadline)
		if err != nil {
			return err
		}
		s.handleFrame(r, c, data)
	}
}

// handleFrame parses one frame, answers heartbeats and hands everything else
// to the listeners of its type.
func (s *Session) handleFrame(r *run, c *conn, data []byte) {
	env, err := protocol.Parse(data)
	if err != nil {
		metrics.EventsDropped.WithLabelValues("malformed").Inc()
		s.logger.Debug("dropping malformed frame", "conn", c.id, "error", err)
		return
	}
	metrics.EventsReceived.WithLabelValues(env.Type).Inc()

	if env.Type == protocol.TypeHeartbeat {
		s.answerHeartbeat(c)
		return
	}
	s.deliver(r, c, env)
}

// deliver runs the listeners for env if c is still the live, announced
// connection of the current run.
func (s *Session) deliver(r *run, c *conn, env protocol.Envelope) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	if s.run != r || r.conn != c {
		s.mu.Unlock()
		metrics.EventsDropped.WithLabelValues("stale").Inc()
		s.logger.Debug("dropping event from stale connection", "type", env.Type, "conn", c.id)
		return
	}
	if s.state != StateConnected {
		s.mu.Unlock()
		metrics.EventsDropped.WithLabelValues("unannounced").Inc()
		s.logger.Debug("dropping event before announcement", "type", env.Type, "conn", c.id)
		return
	}
	ls := s.listeners[env.Type]
	handlers := make([]Handler, len(ls))
	for i, l := range ls {
		handlers[i] = l.handler
	}
	s.mu.Unlock()

	if len(handlers) == 0 {
		s.logger.Debug("no listener for event", "type", env.Type)
		return
	}
	for _, h := range handlers {
		h(env.Data)
	}
}

func (s *Session) markConnected(r *run, c *conn) bool {
	s.mu.Lock()
	if s.run != r {
		s.mu.Unlock()
		return false
	}
	r.conn = c
	s.lastErr = nil
	s.setStateLocked(StateConnected)
	s.mu.Unlock()

	s.logger.Info("connected", "conn", c.id, "user_id", r.identity)
	s.notifyState(StateConnected)
	return true
}

func (s *Session) markConnecting(r *run) bool {
	s.mu.Lock()
	if s.run != r {
		s.mu.Unlock()
		return false
	}
	r.conn = nil
	s.setStateLocked(StateConnecting)
	s.mu.Unlock()

	s.notifyState(StateConnecting)
	return true
}

// giveUp records a terminal connection error. Listeners and identity stay
// untouched; a later Connect may try again.
func (s *Session) giveUp(r *run, err error) {
	s.mu.Lock()
	if s.run != r {
		s.mu.Unlock()
		return
	}
	s.run = nil
	s.lastErr = fmt.Errorf("transport: giving up after %d attempts: %w", s.config.MaxAttempts, err)
	terminal := s.lastErr
	s.setStateLocked(StateDisconnected)
	s.mu.Unlock()

	s.logger.Error("connection failed", "error", terminal)
	s.notifyState(StateDisconnected)
	if s.observer.OnError != nil {
		s.observer.OnError(terminal)
	}
}

// setStateLocked records a state change and wakes waiters. Caller holds mu.
func (s *Session) setStateLocked(state State) {
	s.state = state
	metrics.ConnectionState.Set(float64(state))
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Session) notifyState(state State) {
	if s.observer.OnState != nil {
		s.observer.OnState(state)
	}
}

func (s *Session) newBackOff() backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = s.config.Delay
	exp.MaxInterval = s.config.MaxDelay
	exp.MaxElapsedTime = 0
	exp.Reset()

	attempts := s.config.MaxAttempts
	if attempts < 0 {
		attempts = 0
	}
	return backoff.WithMaxRetries(exp, uint64(attempts))
}

// EventTypes returns the event types that currently have listeners, sorted.
func (s *Session) EventTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	types := make([]string, 0, len(s.listeners))
	for t := range s.listeners {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
