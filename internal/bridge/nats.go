// Package bridge republishes what the client accepts (routed messages and
// roster changes) on NATS so local tools such as notifiers or loggers can
// follow a session without opening their own realtime connection.
package bridge

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/quictalk/chat-client/internal/chat"
)

// NATS subjects used by the bridge.
const (
	SubjectChat     = "chat"            // + .<pair>
	SubjectPresence = "presence.online" // roster replacements
)

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns the default connection settings.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Name:          "chatcli",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// Bridge publishes client events to NATS.
type Bridge struct {
	conn   *nats.Conn
	logger *slog.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

// Connect dials NATS. It returns an error if the initial connection fails;
// later disconnects are retried by the NATS client.
func Connect(config Config, logger *slog.Logger) (*Bridge, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "bridge")

	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Debug("nats connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("bridge: nats connect: %w", err)
	}
	logger.Info("nats connected", "url", nc.ConnectedUrl())

	return &Bridge{conn: nc, logger: logger}, nil
}

// ChatSubject returns the subject for the conversation between a and b.
func ChatSubject(a, b string) string {
	return SubjectChat + "." + chat.PairKey(a, b)
}

// PublishMessage publishes an accepted message on its conversation subject.
func (b *Bridge) PublishMessage(msg chat.Message) error {
	m := msg
	return b.publish(ChatSubject(msg.SenderID, msg.ReceiverID), Event{
		Type: EventMessage,
		Pair: chat.PairKey(msg.SenderID, msg.ReceiverID),
		Msg:  &m,
	})
}

// PublishPresence publishes a roster replacement.
func (b *Bridge) PublishPresence(online []string) error {
	if online == nil {
		online = []string{}
	}
	return b.publish(SubjectPresence, Event{Type: EventPresence, Online: online})
}

func (b *Bridge) publish(subject string, ev Event) error {
	ev.Ts = time.Now().UnixMilli()
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("bridge: encode %s: %w", subject, err)
	}
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("bridge: publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe delivers decoded events published on subject, which may use
// NATS wildcards such as "chat.>". Undecodable payloads are dropped.
func (b *Bridge) Subscribe(subject string, handler func(Event)) error {
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			b.logger.Debug("dropping undecodable bridge event", "subject", msg.Subject, "error", err)
			return
		}
		handler(ev)
	})
	if err != nil {
		return fmt.Errorf("bridge: subscribe %s: %w", subject, err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return nil
}

// Flush waits until the server has processed everything published so far.
func (b *Bridge) Flush() error {
	return b.conn.Flush()
}

// Close drains all subscriptions and closes the connection.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		if err := sub.Drain(); err != nil {
			b.logger.Warn("drain subscription", "subject", sub.Subject, "error", err)
		}
	}
	b.subs = nil

	if err := b.conn.Drain(); err != nil {
		b.logger.Warn("drain connection", "error", err)
	}
}
