package transport

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/quictalk/chat-client/internal/protocol"
)

// ErrNoIdentity is returned when a connection is requested without an
// authenticated identity. Connecting anonymously is a caller bug.
var ErrNoIdentity = errors.New("transport: no identity to bind")

// textWriter is the part of a connection the binder needs.
type textWriter interface {
	WriteText(data []byte) error
}

// IdentityBinder associates a connection with the authenticated user by
// sending a single authenticate event right after every successful dial,
// before the connection is reported as connected.
type IdentityBinder struct {
	logger *slog.Logger
}

// NewIdentityBinder creates an IdentityBinder.
func NewIdentityBinder(logger *slog.Logger) *IdentityBinder {
	if logger == nil {
		logger = slog.Default()
	}
	return &IdentityBinder{logger: logger.With("component", "binder")}
}

// Check rejects an absent identity.
func (b *IdentityBinder) Check(identity string) error {
	if identity == "" {
		return ErrNoIdentity
	}
	return nil
}

// Announce writes the authenticate event for identity on w.
func (b *IdentityBinder) Announce(w textWriter, identity string) error {
	if err := b.Check(identity); err != nil {
		return err
	}
	frame, err := protocol.Encode(protocol.TypeAuthenticate, protocol.AuthenticateMsg{UserID: identity})
	if err != nil {
		return err
	}
	if err := w.WriteText(frame); err != nil {
		return fmt.Errorf("transport: announce identity: %w", err)
	}
	b.logger.Debug("identity announced", "user_id", identity)
	return nil
}
