package relay

import (
	"net"
	"time"
)

// TunePeerConn prepares a bridge peer's TCP connection for play traffic:
// Nagle's algorithm is disabled so small chat and keep-alive packets go out
// at once, and TCP keepalive runs every d when d > 0 so a silently dead
// downstream is noticed and the bridge can detach. Other connection types
// are left alone.
func TunePeerConn(conn net.Conn, d time.Duration) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tcpConn.SetNoDelay(true)
	if d <= 0 {
		_ = tcpConn.SetKeepAlive(false)
		return
	}
	_ = tcpConn.SetKeepAliveConfig(net.KeepAliveConfig{
		Enable:   true,
		Idle:     d,
		Interval: d,
	})
}
