//go:build !linux && !darwin

package websocket

import "net"

// tuneSocket, on platforms without the Linux/Darwin-specific setsockopt
// tuning (e.g. Windows), only enables TCP keepalive via SetKeepAlive with
// the platform's default idle/interval/count values, which still provides
// basic dead-peer detection.
func tuneSocket(nc net.Conn) error {
	if tc, ok := nc.(*net.TCPConn); ok {
		return tc.SetKeepAlive(true)
	}
	return nil
}

// listenerTuneSocket is a no-op on platforms without the SO_REUSEADDR
// tuning hook; net.ListenConfig already sets reasonable platform defaults.
func listenerTuneSocket(_ *net.TCPListener) error {
	return nil
}
