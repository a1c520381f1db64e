package transport

import (
	"context"
	"time"

	"github.com/quictalk/chat-client/internal/protocol"
)

// HeartbeatConfig holds keep-alive tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping the server (0 disables pings)
	Timeout  time.Duration // extra time allowed for a reply before the link is considered dead
}

// DefaultHeartbeatConfig returns sensible defaults for heartbeat monitoring.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 25 * time.Second,
		Timeout:  20 * time.Second,
	}
}

// readDeadline is the longest a read may block before the connection is
// treated as dead. Zero means no deadline.
func (h HeartbeatConfig) readDeadline() time.Duration {
	if h.Interval <= 0 {
		return 0
	}
	return h.Interval + h.Timeout
}

// keepAlive sends WebSocket ping frames on c until ctx is cancelled or the
// connection closes. A failed ping closes the connection, which ends the read
// loop and starts a reconnect.
func (s *Session) keepAlive(ctx context.Context, c *conn) {
	if s.config.Heartbeat.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.config.Heartbeat.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.Done():
			return
		case <-ticker.C:
			if err := c.WritePing(); err != nil {
				s.logger.Warn("heartbeat ping failed", "conn", c.id, "error", err)
				c.Close()
				return
			}
		}
	}
}

// answerHeartbeat replies to an application-level heartbeat probe.
func (s *Session) answerHeartbeat(c *conn) {
	frame, err := protocol.Encode(protocol.TypeHeartbeat, nil)
	if err != nil {
		s.logger.Error("failed to build heartbeat reply", "error", err)
		return
	}
	if err := c.WriteText(frame); err != nil {
		s.logger.Warn("failed to send heartbeat reply", "conn", c.id, "error", err)
	}
}
