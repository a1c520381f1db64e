package transport

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// closeWriteTimeout bounds how long Close waits to send the closure frame.
const closeWriteTimeout = time.Second

// maxMessageSize caps a single inbound frame and a reassembled message.
const maxMessageSize = 1 << 20

// ErrMessageTooLarge is returned by ReadMessage for a message over
// maxMessageSize. The connection cannot be resynchronized afterwards.
var ErrMessageTooLarge = errors.New("transport: message too large")

// conn is one dialed WebSocket connection. The write mutex serializes
// outbound frames so that the read loop (pongs, heartbeat replies), the
// pinger and callers of Emit never interleave frame bytes.
type conn struct {
	id        string
	nc        net.Conn
	rd        *wsutil.Reader
	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

func newConn(id string, nc net.Conn, br *bufio.Reader) *conn {
	var src io.Reader = nc
	if br != nil {
		// The server may have sent frames right behind the handshake
		// response; they sit in br and must be read first.
		src = io.MultiReader(br, nc)
	}
	c := &conn{
		id:     id,
		nc:     nc,
		closed: make(chan struct{}),
	}
	c.rd = &wsutil.Reader{
		Source:         src,
		State:          ws.StateClientSide,
		CheckUTF8:      true,
		MaxFrameSize:   maxMessageSize,
		OnIntermediate: c.handleControl,
	}
	return c
}

// WriteText sends a WebSocket text frame.
func (c *conn) WriteText(data []byte) error {
	return c.writeFrame(ws.NewTextFrame(data))
}

// WritePing sends a WebSocket protocol-level ping frame.
func (c *conn) WritePing() error {
	return c.writeFrame(ws.NewPingFrame(nil))
}

// writeFrame masks and writes a single frame. Client frames must be masked.
func (c *conn) writeFrame(f ws.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.nc, ws.MaskFrameInPlace(f))
}

// ReadMessage returns the payload of the next text or binary message. Control
// frames are answered inline; deadline is applied before every frame so an
// idle connection that stops answering pings is detected.
func (c *conn) ReadMessage(deadline time.Duration) ([]byte, error) {
	for {
		if deadline > 0 {
			if err := c.nc.SetReadDeadline(time.Now().Add(deadline)); err != nil {
				return nil, err
			}
		}
		hdr, err := c.rd.NextFrame()
		if err != nil {
			return nil, err
		}
		if hdr.OpCode.IsControl() {
			if err := c.handleControl(hdr, c.rd); err != nil {
				return nil, err
			}
			continue
		}
		if hdr.OpCode&(ws.OpText|ws.OpBinary) == 0 {
			if err := c.rd.Discard(); err != nil {
				return nil, err
			}
			continue
		}
		data, err := io.ReadAll(io.LimitReader(c.rd, maxMessageSize+1))
		if err != nil {
			return nil, err
		}
		if len(data) > maxMessageSize {
			return nil, ErrMessageTooLarge
		}
		return data, nil
	}
}

// handleControl answers pings and close frames from the server.
func (c *conn) handleControl(h ws.Header, r io.Reader) error {
	payload := make([]byte, h.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("transport: read control frame: %w", err)
	}
	switch h.OpCode {
	case ws.OpPing:
		return c.writeFrame(ws.NewPongFrame(payload))
	case ws.OpPong:
		return nil
	case ws.OpClose:
		code, reason := ws.ParseCloseFrameData(payload)
		_ = c.writeFrame(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, "")))
		return wsutil.ClosedError{Code: code, Reason: reason}
	}
	return nil
}

// Close sends a normal closure frame and closes the socket. It is safe to
// call multiple times.
func (c *conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.nc.SetWriteDeadline(time.Now().Add(closeWriteTimeout))
		_ = c.writeFrame(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, "")))
		err = c.nc.Close()
	})
	return err
}

// Done is closed once Close has been called.
func (c *conn) Done() <-chan struct{} {
	return c.closed
}
