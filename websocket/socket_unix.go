//go:build linux || darwin

package websocket

import (
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// keepaliveIdle, keepaliveInterval and keepaliveCount tune detection of a
// dead peer that never sends a TCP FIN/RST (a pulled cable, a frozen VM):
// after keepaliveIdle of silence the kernel starts probing every
// keepaliveInterval, and gives up after keepaliveCount unanswered probes.
const (
	keepaliveIdle     = 180 * time.Second
	keepaliveInterval = 10 * time.Second
	keepaliveCount    = 3
)

// tuneSocket applies TCP keepalive tuning to nc's underlying file
// descriptor via syscall.RawConn.Control, the same pattern used for
// per-platform socket tuning throughout the example pack: the setsockopt
// calls run on the runtime-owned fd without it ever leaving Go's
// netpoller-integrated I/O path. Non-TCP connections (e.g. in tests that
// pass a net.Pipe) are left untouched.
func tuneSocket(nc net.Conn) error {
	tc, ok := nc.(*net.TCPConn)
	if !ok {
		return nil
	}

	raw, err := tc.SyscallConn()
	if err != nil {
		return err
	}

	var sockErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
			sockErr = err
			return
		}
		if err := setKeepaliveOpts(int(fd)); err != nil {
			sockErr = err
		}
	})
	if ctrlErr != nil {
		return ctrlErr
	}
	return sockErr
}

// listenerTuneSocket sets SO_REUSEADDR on a listening socket's file
// descriptor so a restarted server can rebind a port still in TIME_WAIT.
func listenerTuneSocket(l *net.TCPListener) error {
	raw, err := l.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if ctrlErr != nil {
		return ctrlErr
	}
	return sockErr
}
