package websocket

import (
	"errors"
	"net"
	"time"
)

// pollInterval bounds how long a single Read blocks before the read pump
// re-checks for shutdown and fragment-reassembly timeouts, rather than
// blocking indefinitely on a single read, so Close/context cancellation and
// stalled-fragment detection are both responsive.
const pollInterval = 250 * time.Millisecond

// initialReadBufferSize is the starting capacity of a Connection's inbound
// byte accumulator; it grows geometrically (via append) as larger frames
// demand it.
const initialReadBufferSize = 4 * 1024

// runReadPump is the single read goroutine a Connection owns for its
// lifetime. It accumulates bytes from the transport,
// hands them to decodeFrame in a loop (decodeFrame may report NeedMore,
// i.e. consumed == 0, at any point because TCP does not preserve frame
// boundaries), and dispatches complete frames to handleFrame.
func (c *Connection) runReadPump() {
	defer c.wgDone()

	buf := make([]byte, 0, initialReadBufferSize)
	chunk := make([]byte, initialReadBufferSize)

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		_ = c.nc.SetReadDeadline(time.Now().Add(pollInterval))
		n, readErr := c.nc.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}

		for {
			f, consumed, decErr := decodeFrame(buf, c.maxFramePayload)
			if decErr != nil {
				_ = c.closeConnection(closeCodeFor(decErr), decErr.Error(), true)
				return
			}
			if consumed == 0 {
				break
			}
			buf = buf[consumed:]

			if hErr := c.handleFrame(f); hErr != nil {
				if errors.Is(hErr, errClosedByPeer) {
					return
				}
				_ = c.closeConnection(closeCodeFor(hErr), hErr.Error(), true)
				return
			}
		}

		if c.State() == StateClosed {
			return
		}

		if tErr := c.checkFragmentTimeout(time.Now()); tErr != nil {
			_ = c.closeConnection(CloseProtocolError, tErr.Error(), true)
			return
		}

		if readErr != nil {
			if isTimeoutError(readErr) {
				continue
			}
			// EOF or a hard I/O error: the peer went away without a close
			// handshake (RFC 6455 Section 7.1.5: abnormal closure).
			_ = c.closeConnection(CloseAbnormalClosure, "", false)
			return
		}
	}
}

func isTimeoutError(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// closeCodeFor maps an internal protocol error to the close code RFC 6455
// Section 7.4 associates with it.
func closeCodeFor(err error) CloseCode {
	switch {
	case errors.Is(err, ErrInvalidUTF8):
		return CloseInvalidData
	case errors.Is(err, ErrFrameTooLarge):
		return CloseMsgTooBig
	default:
		return CloseProtocolError
	}
}
