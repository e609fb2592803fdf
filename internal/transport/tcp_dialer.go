package transport

import (
	"context"
	"net"
	"strconv"
	"time"
)

// DefaultDialTimeout bounds a TCP connect when the caller gives no timeout.
const DefaultDialTimeout = 10 * time.Second

// Dial opens a TCP connection to host:port. Failures unwrap to
// ErrConnectionRefused or ErrConnectionReset where the cause is known.
func Dial(ctx context.Context, host string, port int, timeout time.Duration) (*Conn, error) {
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	dialer := &net.Dialer{
		Timeout:   timeout,
		KeepAlive: 15 * time.Second,
	}

	c, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, classify("dial "+addr, err)
	}
	return newConn(c), nil
}
