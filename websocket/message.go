package websocket

import (
	"errors"
	"time"
)

// partialMessage accumulates a fragmented message across CONTINUATION
// frames. It is created when the first non-control data frame of a message
// arrives, appended to on every CONTINUATION, and cleared (delivered to the
// user) when a FIN data frame completes it, or on error, or on
// fragment-reassembly timeout.
type partialMessage struct {
	active       bool
	dataType     DataType
	buffer       []byte
	utf8         utf8Validator
	lastActivity time.Time
}

func (p *partialMessage) reset() {
	p.active = false
	p.buffer = nil
	p.utf8 = utf8Validator{}
}

func (p *partialMessage) start(dataType DataType) {
	p.active = true
	p.dataType = dataType
	p.buffer = p.buffer[:0]
	p.utf8 = utf8Validator{}
}

// expired reports whether more than 30s have passed since the last inbound
// progress on this partial message.
func (p *partialMessage) expired(now time.Time) bool {
	return p.active && !p.lastActivity.IsZero() && now.Sub(p.lastActivity) > fragmentReassemblyTimeout
}

const fragmentReassemblyTimeout = 30 * time.Second

// IsCloseError reports whether err is (or wraps) ErrClosed: an operation
// was attempted on a connection that is not open.
func IsCloseError(err error) bool {
	return err != nil && errors.Is(err, ErrClosed)
}
