package websocket

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/rs/zerolog"
)

// State is a Connection's position in the lifecycle RFC 6455 implies:
// negotiating the opening handshake, exchanging data/control frames, or
// torn down.
type State int32

const (
	// StateHandshake is the initial state: the opening handshake has not
	// yet completed in both directions.
	StateHandshake State = iota
	// StateConnected is entered once the handshake succeeds; frames may
	// be sent and received.
	StateConnected
	// StateClosed is terminal: the close handshake finished (or the
	// connection failed) and the underlying transport is shut down.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshake:
		return "handshake"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Handler is the set of callbacks a Connection invokes for its owner.
// Calls are serialized per Connection: OnOpen happens-before every
// OnMessage, which happen-before the single OnClose call. Handler
// implementations must not
// block indefinitely; doing so stalls that connection's read pump.
type Handler interface {
	// OnOpen is called once the opening handshake completes and the
	// connection enters StateConnected.
	OnOpen(*Connection)
	// OnMessage is called once per complete, reassembled message (a
	// single unfragmented data frame, or the concatenation of a
	// fragmented message's frames) after UTF-8 validation for Text.
	OnMessage(*Connection, DataType, []byte)
	// OnClose is called exactly once, whether the peer initiated the
	// close handshake, this side did, or the connection failed.
	OnClose(*Connection, CloseCode, string)
}

// Connection is a single WebSocket connection, server- or client-side
// It owns exactly one read goroutine
// (driven by the Transport, see transport.go) and serializes all writes
// and all Handler callbacks.
type Connection struct {
	id   string
	role Role
	nc   net.Conn
	log  zerolog.Logger

	handler Handler

	maxFramePayload uint64

	state atomic.Int32

	writeMu   sync.Mutex
	closeOnce sync.Once

	partial partialMessage

	userData atomic.Value

	ctx    context.Context
	cancel context.CancelFunc

	// wg tracks the read pump goroutine so ServerEndpoint/DialClient can
	// wait for it to exit during shutdown, without manual atomic
	// refcounting.
	wg sync.WaitGroup

	openOnce sync.Once
}

// wgDone marks the read pump goroutine finished. Called via defer from
// runReadPump.
func (c *Connection) wgDone() { c.wg.Done() }

// Wait blocks until the connection's read pump goroutine has exited.
func (c *Connection) Wait() { c.wg.Wait() }

// newConnection wires a raw net.Conn (already past the opening handshake)
// into a Connection. Callers obtain Connections through ServerEndpoint or
// DialClient (endpoint.go); this constructor is not exported.
func newConnection(parent context.Context, nc net.Conn, role Role, handler Handler, log zerolog.Logger, maxFramePayload uint64) *Connection {
	ctx, cancel := context.WithCancel(parent)
	c := &Connection{
		id:              shortuuid.New(),
		role:            role,
		nc:              nc,
		log:             log.With().Str("conn_id", "").Logger(),
		handler:         handler,
		maxFramePayload: maxFramePayload,
		ctx:             ctx,
		cancel:          cancel,
	}
	c.log = log.With().Str("conn_id", c.id).Str("role", role.String()).Logger()
	c.state.Store(int32(StateHandshake))
	return c
}

// ID returns the connection's unique identifier, generated once at
// construction time for logging and lookup. It is not part of the wire
// protocol.
func (c *Connection) ID() string { return c.id }

// Role reports whether this Connection is the server or client side.
func (c *Connection) Role() Role { return c.role }

// State reports the connection's current lifecycle state.
func (c *Connection) State() State { return State(c.state.Load()) }

// RemoteAddr returns the peer's network address, or "" if unavailable.
func (c *Connection) RemoteAddr() string {
	if c.nc == nil {
		return ""
	}
	return c.nc.RemoteAddr().String()
}

// LocalAddr returns this side's network address, or "" if unavailable.
func (c *Connection) LocalAddr() string {
	if c.nc == nil {
		return ""
	}
	return c.nc.LocalAddr().String()
}

// UserData returns the arbitrary value last attached with SetUserData, or
// nil if none has been set. Used to associate application state (a user
// ID, a room membership) with a Connection without a side table.
func (c *Connection) UserData() any {
	return c.userData.Load()
}

// SetUserData attaches an arbitrary value to the connection, retrievable
// later via UserData. Safe for concurrent use.
func (c *Connection) SetUserData(v any) {
	c.userData.Store(v)
}

func (c *Connection) markConnected() {
	c.state.Store(int32(StateConnected))
}

// Send transmits a single, unfragmented data frame. Text payloads are
// validated as UTF-8 before sending, per RFC 6455 Section 8.1.
func (c *Connection) Send(dataType DataType, data []byte) error {
	if dataType == Text {
		var v utf8Validator
		if v.feed(data) != utf8StateOK {
			return ErrInvalidUTF8
		}
	}
	return c.writeFrame(&frame{
		fin:     true,
		opcode:  dataType.opcode(),
		masked:  c.role == RoleClient,
		payload: data,
	})
}

// SendFragmentedStart transmits the first frame (FIN=0) of a fragmented
// message. RFC 6455 Section 5.1 forbids interleaving another data message
// on this connection until
// the fragmented message completes; callers must not call Send or
// SendFragmentedStart again before SendFragmentedContinue(..., fin=true).
func (c *Connection) SendFragmentedStart(dataType DataType, data []byte) error {
	return c.writeFrame(&frame{
		fin:     false,
		opcode:  dataType.opcode(),
		masked:  c.role == RoleClient,
		payload: data,
	})
}

// SendFragmentedContinue transmits a CONTINUATION frame. Set fin=true on
// the final chunk of the message.
func (c *Connection) SendFragmentedContinue(data []byte, fin bool) error {
	return c.writeFrame(&frame{
		fin:     fin,
		opcode:  opcodeContinuation,
		masked:  c.role == RoleClient,
		payload: data,
	})
}

// SendPing transmits a PING control frame. data must be <= 125 bytes
// (RFC 6455 Section 5.5).
func (c *Connection) SendPing(data []byte) error {
	return c.writeFrame(&frame{fin: true, opcode: opcodePing, masked: c.role == RoleClient, payload: data})
}

// SendPong transmits a PONG control frame, normally echoing the
// application data of a received PING (RFC 6455 Section 5.5.3). The read
// pump already does this automatically for inbound PINGs; SendPong exists
// for unsolicited (heartbeat) pongs.
func (c *Connection) SendPong(data []byte) error {
	return c.writeFrame(&frame{fin: true, opcode: opcodePong, masked: c.role == RoleClient, payload: data})
}

// Close performs the close handshake (RFC 6455 Section 7.1.2): sends a
// CLOSE frame with code/reason, then shuts down the transport. Idempotent.
// A code that fails CloseCode.Valid is rejected with an error and the
// connection is left open.
func (c *Connection) Close(code CloseCode, reason string) error {
	if !code.Valid() {
		return fmt.Errorf("websocket: invalid close code %d", uint16(code))
	}
	return c.closeConnection(code, reason, true)
}

// closeConnection sends a CLOSE frame (unless sendFrame is false, used by
// the read pump when the transport itself has failed and no frame can be
// delivered) and invokes OnClose exactly once.
func (c *Connection) closeConnection(code CloseCode, reason string, sendFrame bool) error {
	var sendErr error
	c.closeOnce.Do(func() {
		prevState := State(c.state.Swap(int32(StateClosed)))

		if sendFrame {
			payload := make([]byte, 0, 2+len(reason))
			if code != 0 {
				payload = append(payload, byte(code>>8), byte(code&0xFF))
			}
			payload = append(payload, reason...)
			sendErr = c.writeFrame(&frame{
				fin:     true,
				opcode:  opcodeClose,
				masked:  c.role == RoleClient,
				payload: payload,
			})
		}

		c.cancel()
		_ = c.nc.Close()

		if prevState != StateClosed && c.handler != nil {
			c.handler.OnClose(c, code, reason)
		}
	})
	return sendErr
}

// writeFrame serializes one frame to the wire; writeMu keeps concurrent
// writers from interleaving the bytes of different frames. It does not stop
// a data frame from being sent while a fragmented message is still in
// progress; SendFragmentedStart documents that rule for callers.
func (c *Connection) writeFrame(f *frame) error {
	if State(c.state.Load()) != StateConnected && f.opcode != opcodeClose {
		return ErrClosed
	}

	wire, err := encodeFrame(f)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(writeTimeout)
	_ = c.nc.SetWriteDeadline(deadline)
	_, err = c.nc.Write(wire)
	return err
}

// writeTimeout bounds a single frame write; a peer that stops reading
// should not be able to wedge a writer goroutine forever.
const writeTimeout = 10 * time.Second

// handleFrame applies one decoded inbound frame to the connection's state
// machine. It returns a non-nil error when the connection must be failed;
// the caller (the Transport read pump) is responsible for calling
// closeConnection with the appropriate close code in that case. The one
// exception is errClosedByPeer, returned after an inbound CLOSE has already
// torn the connection down.
func (c *Connection) handleFrame(f *frame) error {
	wantMasked := c.role == RoleServer // servers require masked inbound frames
	if f.masked != wantMasked {
		return ErrMaskDirection
	}

	if isControlOpcode(f.opcode) {
		return c.handleControlFrame(f)
	}
	return c.handleDataFrame(f)
}

func (c *Connection) handleControlFrame(f *frame) error {
	switch f.opcode {
	case opcodePing:
		return c.writeFrame(&frame{fin: true, opcode: opcodePong, masked: c.role == RoleClient, payload: f.payload})
	case opcodePong:
		return nil
	case opcodeClose:
		if len(f.payload) == 1 {
			// A lone byte can never hold a 2-byte status code: RFC 6455
			// Section 5.5.1 makes this a protocol error, not a codeless close.
			_ = c.closeConnection(CloseProtocolError, "", true)
			return errClosedByPeer
		}
		code, hadCode, reason := parseClosePayload(f.payload)
		switch {
		case hadCode && !code.Valid():
			code = CloseProtocolError
			reason = ""
		case hadCode && !validUTF8String(reason):
			code = CloseInvalidData
			reason = ""
		case !hadCode:
			code = CloseNormal
		}
		_ = c.closeConnection(code, reason, true)
		return errClosedByPeer
	default:
		return fmt.Errorf("%w: 0x%X", ErrInvalidOpcode, f.opcode)
	}
}

// errClosedByPeer signals handleFrame's caller that the connection is
// already torn down and the read pump should stop without failing it
// again.
var errClosedByPeer = fmt.Errorf("websocket: closed by peer")

// parseClosePayload extracts the optional status code and reason from a
// CLOSE frame's payload (RFC 6455 Section 5.5.1). hadCode is false for a
// body-less CLOSE frame, which is valid and carries no status to validate.
func parseClosePayload(payload []byte) (code CloseCode, hadCode bool, reason string) {
	if len(payload) < 2 {
		return 0, false, ""
	}
	code = CloseCode(uint16(payload[0])<<8 | uint16(payload[1]))
	return code, true, string(payload[2:])
}

func (c *Connection) handleDataFrame(f *frame) error {
	switch f.opcode {
	case opcodeText, opcodeBinary:
		if c.partial.active {
			return ErrAlreadyOpen
		}
		dataType := Binary
		if f.opcode == opcodeText {
			dataType = Text
		}

		if f.fin {
			if dataType == Text {
				var v utf8Validator
				if v.feed(f.payload) != utf8StateOK {
					return ErrInvalidUTF8
				}
			}
			c.handler.OnMessage(c, dataType, f.payload)
			return nil
		}

		c.partial.start(dataType)
		c.partial.lastActivity = time.Now()
		c.partial.buffer = append(c.partial.buffer, f.payload...)
		if dataType == Text && c.partial.utf8.feed(f.payload) == utf8StateFail {
			c.partial.reset()
			return ErrInvalidUTF8
		}
		return nil

	case opcodeContinuation:
		if !c.partial.active {
			return ErrUnexpectedContinuation
		}
		c.partial.lastActivity = time.Now()
		c.partial.buffer = append(c.partial.buffer, f.payload...)
		if c.partial.dataType == Text {
			if c.partial.utf8.feed(f.payload) == utf8StateFail {
				c.partial.reset()
				return ErrInvalidUTF8
			}
		}

		if !f.fin {
			return nil
		}

		if c.partial.dataType == Text && !c.partial.utf8.atMessageEnd() {
			c.partial.reset()
			return ErrInvalidUTF8
		}

		result := make([]byte, len(c.partial.buffer))
		copy(result, c.partial.buffer)
		dataType := c.partial.dataType
		c.partial.reset()
		c.handler.OnMessage(c, dataType, result)
		return nil

	default:
		return fmt.Errorf("%w: 0x%X", ErrInvalidOpcode, f.opcode)
	}
}

// checkFragmentTimeout fails the connection if a partial message has seen
// no progress for longer than fragmentReassemblyTimeout. The Transport read
// pump calls this on its poll tick (<=300ms).
func (c *Connection) checkFragmentTimeout(now time.Time) error {
	if c.partial.expired(now) {
		c.partial.reset()
		return ErrFragmentTimeout
	}
	return nil
}
