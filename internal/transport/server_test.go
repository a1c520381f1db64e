package transport

import (
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/quictalk/chat-client/internal/protocol"
)

// testServer is a minimal realtime server built on the gobwas/ws upgrader.
// It records every accepted connection and the frames each one sends.
type testServer struct {
	t        *testing.T
	srv      *httptest.Server
	reject   atomic.Bool
	accepted chan *serverConn

	mu      sync.Mutex
	conns   []*serverConn
	headers []http.Header
}

// serverConn is the server side of one client connection.
type serverConn struct {
	nc      net.Conn
	writeMu sync.Mutex
	frames  chan protocol.Envelope
	pings   chan struct{}
	closed  chan struct{}

	// silent stops pong replies, as a server that hung would.
	silent atomic.Bool
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{
		t:        t,
		accepted: make(chan *serverConn, 16),
	}
	ts.srv = httptest.NewServer(http.HandlerFunc(ts.handleUpgrade))
	t.Cleanup(ts.Close)
	return ts
}

// URL returns the ws:// URL of the server.
func (ts *testServer) URL() string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http")
}

func (ts *testServer) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if ts.reject.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	ts.mu.Lock()
	ts.headers = append(ts.headers, r.Header.Clone())
	ts.mu.Unlock()

	nc, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		ts.t.Logf("upgrade failed: %v", err)
		return
	}

	sc := &serverConn{
		nc:     nc,
		frames: make(chan protocol.Envelope, 64),
		pings:  make(chan struct{}, 64),
		closed: make(chan struct{}),
	}
	ts.mu.Lock()
	ts.conns = append(ts.conns, sc)
	ts.mu.Unlock()

	go sc.readLoop()
	ts.accepted <- sc
}

// readLoop reads raw frames so ping handling stays under test control.
// Fragmented messages are reassembled before parsing.
func (sc *serverConn) readLoop() {
	defer close(sc.closed)
	var message []byte
	for {
		hdr, err := ws.ReadHeader(sc.nc)
		if err != nil {
			return
		}
		payload := make([]byte, hdr.Length)
		if _, err := io.ReadFull(sc.nc, payload); err != nil {
			return
		}
		if hdr.Masked {
			ws.Cipher(payload, hdr.Mask, 0)
		}

		switch hdr.OpCode {
		case ws.OpPing:
			select {
			case sc.pings <- struct{}{}:
			default:
			}
			if !sc.silent.Load() {
				sc.writeMu.Lock()
				_ = ws.WriteFrame(sc.nc, ws.NewPongFrame(payload))
				sc.writeMu.Unlock()
			}
			continue
		case ws.OpClose:
			return
		case ws.OpText, ws.OpContinuation:
			message = append(message, payload...)
		default:
			continue
		}
		if !hdr.Fin {
			continue
		}
		env, err := protocol.Parse(message)
		message = nil
		if err != nil {
			continue
		}
		sc.frames <- env
	}
}

// send writes one event to the client.
func (sc *serverConn) send(t *testing.T, eventType string, payload interface{}) {
	t.Helper()
	frame, err := protocol.Encode(eventType, payload)
	if err != nil {
		t.Fatalf("encode %s: %v", eventType, err)
	}
	sc.sendRaw(frame)
}

// sendRaw writes a raw text frame; write errors are ignored because tests
// deliberately write to connections the client already closed.
func (sc *serverConn) sendRaw(frame []byte) {
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	_ = wsutil.WriteServerText(sc.nc, frame)
}

// waitPing waits for the next ping from the client.
func (sc *serverConn) waitPing(t *testing.T) {
	t.Helper()
	select {
	case <-sc.pings:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for ping")
	}
}

// drop closes the connection without a closing handshake.
func (sc *serverConn) drop() {
	sc.nc.Close()
}

// waitConn waits for the next accepted connection.
func (ts *testServer) waitConn(t *testing.T) *serverConn {
	t.Helper()
	select {
	case sc := <-ts.accepted:
		return sc
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for client connection")
		return nil
	}
}

// expectNoConn asserts that no further connection arrives within d.
func (ts *testServer) expectNoConn(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case <-ts.accepted:
		t.Fatal("unexpected extra connection")
	case <-time.After(d):
	}
}

func (ts *testServer) connCount() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.conns)
}

func (ts *testServer) Close() {
	ts.mu.Lock()
	for _, sc := range ts.conns {
		sc.nc.Close()
	}
	ts.mu.Unlock()
	ts.srv.Close()
}

// expectFrame waits for the next frame from the client and checks its type.
func expectFrame(t *testing.T, sc *serverConn, eventType string) protocol.Envelope {
	t.Helper()
	select {
	case env := <-sc.frames:
		if env.Type != eventType {
			t.Fatalf("expected frame %q, got %q", eventType, env.Type)
		}
		return env
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %q frame", eventType)
		return protocol.Envelope{}
	}
}
