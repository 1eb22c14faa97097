//go:build linux

package websocket

import "golang.org/x/sys/unix"

// setKeepaliveOpts sets the Linux-specific TCP_KEEPIDLE/TCP_KEEPINTVL/
// TCP_KEEPCNT socket options.
func setKeepaliveOpts(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, int(keepaliveIdle.Seconds())); err != nil {
		return err
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, int(keepaliveInterval.Seconds())); err != nil {
		return err
	}
	return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPCNT, keepaliveCount)
}
