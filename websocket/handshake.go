package websocket

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"crypto/sha1" // #nosec G505 - SHA-1 required by RFC 6455 Section 1.3
	"encoding/base64"
	"fmt"
	"net/textproto"
	"strconv"
	"strings"
)

// websocketGUID is the magic GUID from RFC 6455 Section 1.3, used to derive
// Sec-WebSocket-Accept from Sec-WebSocket-Key.
const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// headerTerminator marks the end of the HTTP header block in the opening
// handshake, which this engine parses off a raw byte stream rather than
// through net/http.
var headerTerminator = []byte("\r\n\r\n")

// handshakeHeaders is a case-insensitive multi-value header map, built with
// textproto.MIMEHeader (the same primitive net/http itself uses to parse raw
// header blocks) rather than pulling in the full net/http request/response
// machinery.
type handshakeHeaders = textproto.MIMEHeader

// ServerHandshakeConfig configures how ServerEndpoint validates and replies
// to an inbound opening handshake. Subprotocol negotiation is not
// supported.
type ServerHandshakeConfig struct {
	// CheckOrigin validates the Origin header. A nil value allows all
	// origins (acceptable for non-browser clients; INSECURE for
	// browser-facing production servers without an explicit allowlist).
	CheckOrigin func(origin string) bool
}

// serverHandshakeRequest is a parsed client opening handshake.
type serverHandshakeRequest struct {
	method  string
	target  string
	headers handshakeHeaders
	key     string
}

// parseServerHandshakeRequest attempts to parse a client's opening
// handshake request from the front of buf.
//
// Like decodeFrame, this never blocks: it returns consumed == 0, err == nil
// when buf does not yet contain a full "\r\n\r\n"-terminated header block,
// so the transport adapter can keep accumulating bytes from the raw TCP
// stream and retry.
func parseServerHandshakeRequest(buf []byte) (req *serverHandshakeRequest, consumed int, err error) {
	idx := bytes.Index(buf, headerTerminator)
	if idx < 0 {
		return nil, 0, nil
	}
	consumed = idx + len(headerTerminator)

	tp := textproto.NewReader(bufio.NewReader(bytes.NewReader(buf[:consumed])))
	requestLine, err := tp.ReadLine()
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrMalformedHandshake, err)
	}
	parts := strings.Fields(requestLine)
	if len(parts) != 3 {
		return nil, 0, fmt.Errorf("%w: bad request line", ErrMalformedHandshake)
	}

	headers, err := tp.ReadMIMEHeader()
	if err != nil && len(headers) == 0 {
		return nil, 0, fmt.Errorf("%w: %v", ErrMalformedHandshake, err)
	}

	req = &serverHandshakeRequest{
		method:  parts[0],
		target:  parts[1],
		headers: headers,
		key:     headers.Get("Sec-Websocket-Key"),
	}
	return req, consumed, nil
}

// validateServerHandshakeRequest checks req against RFC 6455 Section 4.2.1
// and cfg.
func validateServerHandshakeRequest(req *serverHandshakeRequest, cfg ServerHandshakeConfig) error {
	if req.method != "GET" {
		return ErrInvalidMethod
	}
	if !headerContainsToken(req.headers.Get("Upgrade"), "websocket") {
		return ErrMissingUpgrade
	}
	if !headerContainsToken(req.headers.Get("Connection"), "upgrade") {
		return ErrMissingConnection
	}
	if req.headers.Get("Sec-Websocket-Version") != "13" {
		return ErrInvalidVersion
	}
	if req.key == "" {
		return ErrMissingSecKey
	}
	if cfg.CheckOrigin != nil && !cfg.CheckOrigin(req.headers.Get("Origin")) {
		return ErrOriginDenied
	}

	return nil
}

// buildServerHandshakeReply renders the 101 Switching Protocols response for
// a validated client key (RFC 6455 Section 4.2.2).
func buildServerHandshakeReply(key string) []byte {
	var b bytes.Buffer
	b.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	b.WriteString("Upgrade: websocket\r\n")
	b.WriteString("Connection: Upgrade\r\n")
	b.WriteString("Sec-WebSocket-Accept: " + computeAcceptKey(key) + "\r\n")
	b.WriteString("\r\n")
	return b.Bytes()
}

// buildRejectionReply renders a plain HTTP error response for a handshake
// that failed validation, so the peer gets a status line rather than a bare
// TCP close.
func buildRejectionReply(status int, reason string) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", status, reason)
	b.WriteString("Connection: close\r\n")
	b.WriteString("Content-Length: 0\r\n")
	b.WriteString("\r\n")
	return b.Bytes()
}

// newClientNonce draws a 16-byte random nonce and base64-encodes it, per
// RFC 6455 Section 4.1: "a randomly selected 16-byte value... base64-encoded".
func newClientNonce() (string, error) {
	var nonce [16]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(nonce[:]), nil
}

// buildClientHandshakeRequest renders a client opening handshake request for
// host/path, returning the bytes to send and the key from which the server
// must derive its Sec-WebSocket-Accept value (see computeAcceptKey).
func buildClientHandshakeRequest(host, path string) (request []byte, key string, err error) {
	key, err = newClientNonce()
	if err != nil {
		return nil, "", err
	}
	if path == "" {
		path = "/"
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "GET %s HTTP/1.1\r\n", path)
	fmt.Fprintf(&b, "Host: %s\r\n", host)
	b.WriteString("Upgrade: websocket\r\n")
	b.WriteString("Connection: Upgrade\r\n")
	fmt.Fprintf(&b, "Sec-WebSocket-Key: %s\r\n", key)
	b.WriteString("Sec-WebSocket-Version: 13\r\n")
	b.WriteString("\r\n")
	return b.Bytes(), key, nil
}

// clientHandshakeReply is a parsed server opening-handshake reply.
type clientHandshakeReply struct {
	status  int
	headers handshakeHeaders
}

// parseClientHandshakeReply attempts to parse a server's handshake reply
// from the front of buf, following the same NeedMore contract as
// parseServerHandshakeRequest and decodeFrame.
func parseClientHandshakeReply(buf []byte, key string) (reply *clientHandshakeReply, consumed int, err error) {
	idx := bytes.Index(buf, headerTerminator)
	if idx < 0 {
		return nil, 0, nil
	}
	consumed = idx + len(headerTerminator)

	tp := textproto.NewReader(bufio.NewReader(bytes.NewReader(buf[:consumed])))
	statusLine, err := tp.ReadLine()
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrMalformedHandshake, err)
	}
	parts := strings.SplitN(statusLine, " ", 3)
	if len(parts) < 2 {
		return nil, 0, fmt.Errorf("%w: bad status line", ErrMalformedHandshake)
	}
	status, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, 0, fmt.Errorf("%w: bad status code", ErrMalformedHandshake)
	}

	headers, err := tp.ReadMIMEHeader()
	if err != nil && len(headers) == 0 {
		return nil, 0, fmt.Errorf("%w: %v", ErrMalformedHandshake, err)
	}

	if status != 101 {
		return &clientHandshakeReply{status: status, headers: headers}, consumed, ErrHandshakeRejected
	}

	accept := headers.Get("Sec-Websocket-Accept")
	if accept == "" {
		return nil, 0, ErrMissingAccept
	}
	if accept != computeAcceptKey(key) {
		return nil, 0, ErrAcceptMismatch
	}

	return &clientHandshakeReply{
		status:  status,
		headers: headers,
	}, consumed, nil
}

// computeAcceptKey computes Sec-WebSocket-Accept from a client's
// Sec-WebSocket-Key (RFC 6455 Section 1.3):
//
//	Sec-WebSocket-Accept = base64(SHA-1(key + GUID))
//
// For key "dGhlIHNhbXBsZSBub25jZQ==" this yields
// "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", the test vector from RFC 6455 Section 1.3.
func computeAcceptKey(key string) string {
	// #nosec G401 - SHA-1 required by RFC 6455 Section 1.3 (not for cryptographic security)
	h := sha1.New()
	h.Write([]byte(key))
	h.Write([]byte(websocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// headerContainsToken reports whether header, a comma-separated list, case-
// insensitively contains token (RFC 6455 Section 4.2.1 header tokens are
// case-insensitive).
func headerContainsToken(header, token string) bool {
	header = strings.ToLower(header)
	token = strings.ToLower(token)
	for _, h := range strings.Split(header, ",") {
		if strings.TrimSpace(h) == token {
			return true
		}
	}
	return false
}

// checkSameOrigin is a CheckOrigin implementation suitable for browser-
// facing servers that only expect same-origin connections; it compares
// origin against expectedHost ("scheme://host[:port]" built by the caller
// from its own listener configuration). An empty Origin header (non-browser
// clients) is always accepted.
func checkSameOrigin(expectedHost string) func(origin string) bool {
	return func(origin string) bool {
		if origin == "" {
			return true
		}
		return origin == expectedHost
	}
}
