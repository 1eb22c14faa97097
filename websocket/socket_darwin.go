//go:build darwin

package websocket

import "golang.org/x/sys/unix"

// setKeepaliveOpts sets the Darwin-specific TCP_KEEPALIVE/TCP_KEEPINTVL/
// TCP_KEEPCNT socket options (Darwin has no TCP_KEEPIDLE; TCP_KEEPALIVE
// plays that role).
func setKeepaliveOpts(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPALIVE, int(keepaliveIdle.Seconds())); err != nil {
		return err
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, int(keepaliveInterval.Seconds())); err != nil {
		return err
	}
	return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPCNT, keepaliveCount)
}
