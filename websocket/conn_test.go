package websocket

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type recordingHandler struct {
	opened  chan *Connection
	message chan recordedMessage
	closed  chan recordedClose
}

type recordedMessage struct {
	dataType DataType
	data     []byte
}

type recordedClose struct {
	code   CloseCode
	reason string
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		opened:  make(chan *Connection, 1),
		message: make(chan recordedMessage, 16),
		closed:  make(chan recordedClose, 1),
	}
}

func (h *recordingHandler) OnOpen(c *Connection) { h.opened <- c }
func (h *recordingHandler) OnMessage(_ *Connection, dt DataType, data []byte) {
	h.message <- recordedMessage{dt, append([]byte(nil), data...)}
}
func (h *recordingHandler) OnClose(_ *Connection, code CloseCode, reason string) {
	h.closed <- recordedClose{code, reason}
}

// newTestPair returns a server-role Connection and a bare client-side
// net.Conn wired together with net.Pipe, with the server's read pump
// already running.
func newTestPair(t *testing.T, handler Handler) (server *Connection, client net.Conn) {
	t.Helper()
	serverNC, clientNC := net.Pipe()
	server = newConnection(context.Background(), serverNC, RoleServer, handler, zerolog.Nop(), defaultMaxFramePayload)
	server.markConnected()
	server.wg.Add(1)
	go server.runReadPump()
	t.Cleanup(func() { _ = clientNC.Close() })
	return server, clientNC
}

func writeClientFrame(t *testing.T, conn net.Conn, f *frame) {
	t.Helper()
	f.masked = true
	wire, err := encodeFrame(f)
	if err != nil {
		t.Fatalf("encodeFrame: %v", err)
	}
	if _, err := conn.Write(wire); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// drainClient discards everything the server writes to conn in the
// background. net.Pipe is synchronous (a Write blocks until a matching
// Read), so any test that calls Close/Send on the server side without
// itself inspecting the echoed bytes needs a concurrent reader or the
// server's write — and the OnClose callback that follows it — never
// returns.
func drainClient(conn net.Conn) {
	go func() {
		buf := make([]byte, 256)
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
		}
	}()
}

// writeRawMaskedFrame writes a frame header + masked payload directly,
// bypassing encodeFrame's outbound validity checks (e.g. the control frame
// length cap), to simulate a non-conforming peer for boundary tests.
func writeRawMaskedFrame(t *testing.T, conn net.Conn, opcode opcode, payload []byte) {
	t.Helper()
	var mask [4]byte
	if err := fillRandomMask(&mask); err != nil {
		t.Fatalf("fillRandomMask: %v", err)
	}

	var header []byte
	payloadLen := len(payload)
	switch {
	case payloadLen <= payloadLen7Bit:
		header = []byte{0x80 | byte(opcode), 0x80 | byte(payloadLen)}
	case payloadLen <= 0xFFFF:
		header = []byte{0x80 | byte(opcode), 0x80 | payloadLen16Bit, byte(payloadLen >> 8), byte(payloadLen)}
	default:
		t.Fatalf("writeRawMaskedFrame: payload too large for this helper")
	}
	header = append(header, mask[:]...)

	masked := make([]byte, payloadLen)
	for i, b := range payload {
		masked[i] = b ^ mask[i%4]
	}

	if _, err := conn.Write(append(header, masked...)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readServerFrame(t *testing.T, conn net.Conn) *frame {
	t.Helper()
	buf := make([]byte, 0, 256)
	chunk := make([]byte, 256)
	deadline := time.Now().Add(2 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		f, consumed, decErr := decodeFrame(buf, defaultMaxFramePayload)
		if decErr != nil {
			t.Fatalf("decode: %v", decErr)
		}
		if consumed > 0 {
			return f
		}
		if err != nil {
			t.Fatalf("read: %v", err)
		}
	}
}

func TestConnectionDeliversUnfragmentedTextMessage(t *testing.T) {
	handler := newRecordingHandler()
	server, client := newTestPair(t, handler)
	drainClient(client)
	defer server.Close(CloseNormal, "")

	writeClientFrame(t, client, &frame{fin: true, opcode: opcodeText, payload: []byte("hello")})

	select {
	case msg := <-handler.message:
		if msg.dataType != Text || string(msg.data) != "hello" {
			t.Fatalf("unexpected message: %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestConnectionReassemblesFragmentedMessage(t *testing.T) {
	handler := newRecordingHandler()
	_, client := newTestPair(t, handler)

	writeClientFrame(t, client, &frame{fin: false, opcode: opcodeBinary, payload: []byte("part1-")})
	writeClientFrame(t, client, &frame{fin: false, opcode: opcodeContinuation, payload: []byte("part2-")})
	writeClientFrame(t, client, &frame{fin: true, opcode: opcodeContinuation, payload: []byte("part3")})

	select {
	case msg := <-handler.message:
		if msg.dataType != Binary || string(msg.data) != "part1-part2-part3" {
			t.Fatalf("unexpected reassembled message: %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestConnectionRejectsInvalidUTF8(t *testing.T) {
	handler := newRecordingHandler()
	_, client := newTestPair(t, handler)

	writeClientFrame(t, client, &frame{fin: true, opcode: opcodeText, payload: []byte{0xC0, 0xAF}})

	// Drain the server's close frame (its write blocks on net.Pipe until
	// read) before waiting on the OnClose signal that follows it.
	readServerFrame(t, client)

	select {
	case c := <-handler.closed:
		if c.code != CloseInvalidData {
			t.Fatalf("expected CloseInvalidData, got %d", c.code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for close")
	}
}

func TestConnectionRejectsUnexpectedContinuation(t *testing.T) {
	handler := newRecordingHandler()
	_, client := newTestPair(t, handler)

	writeClientFrame(t, client, &frame{fin: true, opcode: opcodeContinuation, payload: []byte("x")})

	readServerFrame(t, client)

	select {
	case c := <-handler.closed:
		if c.code != CloseProtocolError {
			t.Fatalf("expected CloseProtocolError, got %d", c.code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for close")
	}
}

func TestConnectionAutoReplysToPing(t *testing.T) {
	handler := newRecordingHandler()
	_, client := newTestPair(t, handler)

	writeClientFrame(t, client, &frame{fin: true, opcode: opcodePing, payload: []byte("ping-data")})

	f := readServerFrame(t, client)
	if f.opcode != opcodePong || string(f.payload) != "ping-data" {
		t.Fatalf("expected pong echo, got %+v", f)
	}
}

func TestConnectionHandlesPeerClose(t *testing.T) {
	handler := newRecordingHandler()
	_, client := newTestPair(t, handler)

	payload := []byte{0x03, 0xE8} // 1000 (CloseNormal)
	writeClientFrame(t, client, &frame{fin: true, opcode: opcodeClose, payload: payload})

	// The server's close echo write blocks (net.Pipe is synchronous) until
	// this side reads it, so drain it before waiting on the OnClose signal
	// that fires only once that write returns.
	f := readServerFrame(t, client)
	if f.opcode != opcodeClose {
		t.Fatalf("expected close frame echo, got opcode 0x%X", f.opcode)
	}

	select {
	case c := <-handler.closed:
		if c.code != CloseNormal {
			t.Fatalf("expected CloseNormal, got %d", c.code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for close")
	}
}

func TestConnectionSendValidatesUTF8(t *testing.T) {
	handler := newRecordingHandler()
	server, client := newTestPair(t, handler)
	drainClient(client)
	defer server.Close(CloseNormal, "")

	if err := server.Send(Text, []byte{0xFF, 0xFE}); err != ErrInvalidUTF8 {
		t.Fatalf("expected ErrInvalidUTF8, got %v", err)
	}
}

func TestConnectionRejectsOneByteClosePayload(t *testing.T) {
	handler := newRecordingHandler()
	_, client := newTestPair(t, handler)

	// A single byte can never hold a 2-byte status code.
	writeClientFrame(t, client, &frame{fin: true, opcode: opcodeClose, payload: []byte{0x01}})

	readServerFrame(t, client)

	select {
	case c := <-handler.closed:
		if c.code != CloseProtocolError {
			t.Fatalf("expected CloseProtocolError, got %d", c.code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for close")
	}
}

func TestConnectionRejectsInvalidUTF8CloseReason(t *testing.T) {
	handler := newRecordingHandler()
	_, client := newTestPair(t, handler)

	payload := append([]byte{0x03, 0xE8}, 0xC0, 0xAF) // CloseNormal + invalid UTF-8 reason
	writeClientFrame(t, client, &frame{fin: true, opcode: opcodeClose, payload: payload})

	readServerFrame(t, client)

	select {
	case c := <-handler.closed:
		if c.code != CloseInvalidData {
			t.Fatalf("expected CloseInvalidData, got %d", c.code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for close")
	}
}

func TestConnectionRejectsOversizedControlFrame(t *testing.T) {
	handler := newRecordingHandler()
	_, client := newTestPair(t, handler)

	writeRawMaskedFrame(t, client, opcodePing, make([]byte, 200))

	readServerFrame(t, client)

	select {
	case c := <-handler.closed:
		if c.code != CloseProtocolError {
			t.Fatalf("expected CloseProtocolError, got %d", c.code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for close")
	}
}

func TestConnectionCloseIsIdempotent(t *testing.T) {
	handler := newRecordingHandler()
	server, client := newTestPair(t, handler)
	drainClient(client)

	if err := server.Close(CloseNormal, "bye"); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := server.Close(CloseGoingAway, "again"); err != nil {
		t.Fatalf("second close should be a no-op, got: %v", err)
	}
	if server.State() != StateClosed {
		t.Fatalf("state = %v, want closed", server.State())
	}
}
