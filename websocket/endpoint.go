package websocket

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultHandshakeTimeout = 30 * time.Second
	maxHandshakeBytes       = 16 * 1024
	handshakeReadChunk      = 1024
)

// EndpointConfig configures a ServerEndpoint.
type EndpointConfig struct {
	// Handler receives lifecycle callbacks for every accepted connection.
	Handler Handler

	// Handshake controls opening-handshake validation (currently just
	// origin checking; subprotocol negotiation is not supported).
	Handshake ServerHandshakeConfig

	// MaxFramePayload bounds an accepted data frame's payload length.
	// Zero uses defaultMaxFramePayload (32 MiB).
	MaxFramePayload uint64

	// HandshakeTimeout bounds how long a client has to complete the
	// opening handshake before the connection is dropped. Zero uses
	// defaultHandshakeTimeout (30s).
	HandshakeTimeout time.Duration

	// Logger is the base logger Connections derive their own conn_id/role
	// scoped loggers from. Nil uses defaultLogger().
	Logger *zerolog.Logger

	// TLSConfig, if non-nil, wraps accepted connections in TLS (wss://).
	TLSConfig *tls.Config
}

// ServerEndpoint accepts TCP (optionally TLS) connections, performs the
// RFC 6455 opening handshake itself off the raw byte stream (no net/http
// involved beyond the single Upgrade exchange), and hands each resulting
// Connection off to its own read pump.
type ServerEndpoint struct {
	cfg EndpointConfig
	log zerolog.Logger

	ln net.Listener

	mu     sync.Mutex
	conns  map[string]*Connection
	closed bool

	acceptWG sync.WaitGroup
}

// NewServerEndpoint constructs a ServerEndpoint from cfg; call Serve to
// start accepting.
func NewServerEndpoint(cfg EndpointConfig) *ServerEndpoint {
	if cfg.MaxFramePayload == 0 {
		cfg.MaxFramePayload = defaultMaxFramePayload
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	log := defaultLogger()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}
	return &ServerEndpoint{
		cfg:   cfg,
		log:   log,
		conns: make(map[string]*Connection),
	}
}

// Serve listens on addr and accepts connections until Close is called or
// a fatal error occurs on the listener. It blocks; call it in a goroutine.
func (e *ServerEndpoint) Serve(network, addr string) error {
	if _, err := e.Listen(network, addr); err != nil {
		return err
	}
	return e.AcceptLoop()
}

// Listen binds the listening socket without yet accepting connections,
// letting a caller that requested an ephemeral port (":0") read back the
// address that was actually bound via Addr() before calling AcceptLoop.
func (e *ServerEndpoint) Listen(network, addr string) (net.Addr, error) {
	ln, err := net.Listen(network, addr)
	if err != nil {
		return nil, err
	}
	if tcpLn, ok := ln.(*net.TCPListener); ok {
		if err := listenerTuneSocket(tcpLn); err != nil {
			e.log.Warn().Err(err).Msg("listener socket tuning failed")
		}
	}
	if e.cfg.TLSConfig != nil {
		ln = tls.NewListener(ln, e.cfg.TLSConfig)
	}
	e.ln = ln
	return ln.Addr(), nil
}

// Addr returns the bound listener's address, or nil if Listen/Serve has
// not been called yet.
func (e *ServerEndpoint) Addr() net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ln == nil {
		return nil
	}
	return e.ln.Addr()
}

// AcceptLoop accepts connections on the listener bound by Listen/Serve
// until Close is called or a fatal error occurs. It blocks.
func (e *ServerEndpoint) AcceptLoop() error {
	ln := e.ln
	for {
		nc, err := ln.Accept()
		if err != nil {
			e.mu.Lock()
			closed := e.closed
			e.mu.Unlock()
			if closed {
				return nil
			}
			e.log.Error().Err(err).Msg("accept failed")
			return err
		}
		e.acceptWG.Add(1)
		go e.handleConn(nc)
	}
}

// handleConn performs the server-side opening handshake over the raw
// connection, then (on success) constructs a Connection and starts its
// read pump.
func (e *ServerEndpoint) handleConn(nc net.Conn) {
	defer e.acceptWG.Done()

	if err := tuneSocket(nc); err != nil {
		e.log.Debug().Err(err).Msg("socket tuning failed")
	}

	req, err := e.readHandshakeRequest(nc)
	if err != nil {
		e.log.Debug().Err(err).Str("remote", nc.RemoteAddr().String()).Msg("handshake parse failed")
		if !errors.Is(err, ErrHandshakeTimeout) {
			_, _ = nc.Write(buildRejectionReply(400, "Bad Request"))
		}
		_ = nc.Close()
		return
	}

	if err := validateServerHandshakeRequest(req, e.cfg.Handshake); err != nil {
		e.log.Debug().Err(err).Str("remote", nc.RemoteAddr().String()).Msg("handshake rejected")
		_, _ = nc.Write(buildRejectionReply(400, "Bad Request"))
		_ = nc.Close()
		return
	}

	_ = nc.SetWriteDeadline(time.Now().Add(e.cfg.HandshakeTimeout))
	if _, err := nc.Write(buildServerHandshakeReply(req.key)); err != nil {
		_ = nc.Close()
		return
	}
	_ = nc.SetDeadline(time.Time{})

	conn := newConnection(context.Background(), nc, RoleServer, e.cfg.Handler, e.log, e.cfg.MaxFramePayload)
	e.register(conn)

	conn.openOnce.Do(func() {
		conn.markConnected()
		if e.cfg.Handler != nil {
			e.cfg.Handler.OnOpen(conn)
		}
	})

	conn.wg.Add(1)
	conn.runReadPump()
	e.unregister(conn)
}

// readHandshakeRequest accumulates bytes from nc until a full opening
// handshake header block has arrived (or the handshake deadline/byte cap
// is exceeded).
func (e *ServerEndpoint) readHandshakeRequest(nc net.Conn) (*serverHandshakeRequest, error) {
	_ = nc.SetReadDeadline(time.Now().Add(e.cfg.HandshakeTimeout))

	buf := make([]byte, 0, handshakeReadChunk)
	chunk := make([]byte, handshakeReadChunk)

	for {
		n, readErr := nc.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if len(buf) > maxHandshakeBytes {
			return nil, ErrMalformedHandshake
		}

		req, _, parseErr := parseServerHandshakeRequest(buf)
		if parseErr != nil {
			return nil, parseErr
		}
		if req != nil {
			return req, nil
		}
		if readErr != nil {
			if isTimeoutError(readErr) {
				return nil, ErrHandshakeTimeout
			}
			return nil, readErr
		}
	}
}

func (e *ServerEndpoint) register(c *Connection) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.conns[c.id] = c
}

func (e *ServerEndpoint) unregister(c *Connection) {
	e.mu.Lock()
	delete(e.conns, c.id)
	e.mu.Unlock()
}

// IsConnected reports whether a connection with id is currently registered
// and in StateConnected.
func (e *ServerEndpoint) IsConnected(id string) bool {
	e.mu.Lock()
	c, ok := e.conns[id]
	e.mu.Unlock()
	return ok && c.State() == StateConnected
}

// Connection looks up a currently registered connection by ID.
func (e *ServerEndpoint) Connection(id string) (*Connection, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.conns[id]
	return c, ok
}

// Connections returns a snapshot of all currently registered connections.
func (e *ServerEndpoint) Connections() []*Connection {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Connection, 0, len(e.conns))
	for _, c := range e.conns {
		out = append(out, c)
	}
	return out
}

// Close stops accepting new connections, closes every registered
// connection with CloseGoingAway, and waits for all read pumps to exit.
func (e *ServerEndpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	ln := e.ln
	e.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}

	for _, c := range e.Connections() {
		_ = c.Close(CloseGoingAway, "server shutting down")
		c.Wait()
	}
	e.acceptWG.Wait()

	return err
}

// DialConfig configures a client-side opening handshake and Connection.
type DialConfig struct {
	Handler          Handler
	MaxFramePayload  uint64
	HandshakeTimeout time.Duration
	Logger           *zerolog.Logger
	TLSConfig        *tls.Config
}

// DialClient opens a client-side WebSocket connection to addr (host:port),
// performing the raw-TCP opening handshake itself (no net/http client).
// host is the Host header value and path the HTTP request target; both are
// normally derived from a ws://host[:port]/path or wss://... URL by the
// caller. ctx bounds the TCP dial only; HandshakeTimeout separately bounds
// the handshake exchange.
func DialClient(ctx context.Context, network, addr, host, path string, cfg DialConfig) (*Connection, error) {
	if cfg.MaxFramePayload == 0 {
		cfg.MaxFramePayload = defaultMaxFramePayload
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	log := defaultLogger()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}

	var d net.Dialer
	nc, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}

	if cfg.TLSConfig != nil {
		tlsConn := tls.Client(nc, cfg.TLSConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = nc.Close()
			return nil, err
		}
		nc = tlsConn
	} else if err := tuneSocket(nc); err != nil {
		log.Debug().Err(err).Msg("socket tuning failed")
	}

	reqBytes, key, err := buildClientHandshakeRequest(host, path)
	if err != nil {
		_ = nc.Close()
		return nil, err
	}

	deadline := time.Now().Add(cfg.HandshakeTimeout)
	_ = nc.SetDeadline(deadline)
	if _, err := nc.Write(reqBytes); err != nil {
		_ = nc.Close()
		return nil, err
	}

	if _, err := readClientHandshakeReply(nc, key); err != nil {
		_ = nc.Close()
		return nil, err
	}
	_ = nc.SetDeadline(time.Time{})

	conn := newConnection(context.Background(), nc, RoleClient, cfg.Handler, log, cfg.MaxFramePayload)

	conn.openOnce.Do(func() {
		conn.markConnected()
		if cfg.Handler != nil {
			cfg.Handler.OnOpen(conn)
		}
	})

	conn.wg.Add(1)
	go conn.runReadPump()

	return conn, nil
}

func readClientHandshakeReply(nc net.Conn, key string) (*clientHandshakeReply, error) {
	buf := make([]byte, 0, handshakeReadChunk)
	chunk := make([]byte, handshakeReadChunk)

	for {
		n, readErr := nc.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if len(buf) > maxHandshakeBytes {
			return nil, ErrMalformedHandshake
		}

		reply, _, parseErr := parseClientHandshakeReply(buf, key)
		if parseErr != nil {
			return nil, parseErr
		}
		if reply != nil {
			return reply, nil
		}
		if readErr != nil {
			if isTimeoutError(readErr) {
				return nil, ErrHandshakeTimeout
			}
			return nil, readErr
		}
	}
}
