// Package netio provides the TCP plumbing under the protocol layer. Any
// reliable, ordered byte stream satisfies the session contract; this
// package supplies the reference TCP configuration.
package netio

import (
	"context"
	"fmt"
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// keepAlivePeriod is the TCP keep-alive probe interval for accepted
// connections, so dead peers are detected even when the protocol is idle.
const keepAlivePeriod = 30 * time.Second

// Listen opens a TCP listener on all interfaces at port. The socket is
// created with SO_REUSEADDR so a restarting daemon can rebind while old
// connections linger in TIME_WAIT.
func Listen(ctx context.Context, port uint16) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			if err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			}); err != nil {
				return err
			}
			if sockErr != nil {
				return fmt.Errorf("set SO_REUSEADDR: %w", sockErr)
			}
			return nil
		},
	}

	ln, err := lc.Listen(ctx, "tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("listen on port %d: %w", port, err)
	}

	return ln, nil
}

// Tune applies per-connection transport settings to an accepted or dialed
// TCP connection: Nagle off (the protocol writes whole packets) and
// keep-alive probing on. Non-TCP transports pass through untouched.
func Tune(conn net.Conn) net.Conn {
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		return conn
	}

	_ = tcp.SetNoDelay(true)
	_ = tcp.SetKeepAlive(true)
	_ = tcp.SetKeepAlivePeriod(keepAlivePeriod)

	return tcp
}
