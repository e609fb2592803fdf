package transport

import (
	"bufio"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smartcontrolx/scx/internal/protocol"
)

// writeBufSize holds a few event packets; every send flushes anyway.
const writeBufSize = 4 * 1024

// Conn wraps one TCP channel to the host. Reads may come from a single
// reader goroutine. Writes are buffered and must come from the owning
// session goroutine only; each Send flushes before returning.
// Close may be called from any goroutine and unblocks both sides.
type Conn struct {
	conn      net.Conn
	w         *bufio.Writer
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func newConn(c net.Conn) *Conn {
	return &Conn{
		conn: c,
		w:    bufio.NewWriterSize(c, writeBufSize),
	}
}

// NewConn wraps an established connection. Used by the host emulator and
// tests that accept their own sockets.
func NewConn(c net.Conn) *Conn {
	return newConn(c)
}

// Read reads from the connection. A clean close by the peer returns
// io.EOF unchanged so io.ReadFull can detect short frames. After a local
// Close, errors unwrap to ErrSessionClosed.
func (c *Conn) Read(p []byte) (int, error) {
	n, err := c.conn.Read(p)
	if err == nil || err == io.EOF {
		return n, err
	}
	if c.closed.Load() {
		return n, &Error{Op: "read", Kind: ErrSessionClosed, Err: err}
	}
	return n, classify("read", err)
}

// Send writes p and flushes it to the socket.
func (c *Conn) Send(p []byte) error {
	if c.closed.Load() {
		return ErrSessionClosed
	}
	if _, err := c.w.Write(p); err != nil {
		return c.writeErr(err)
	}
	return c.flush()
}

// SendEvent encodes ev and flushes it to the socket.
func (c *Conn) SendEvent(ev protocol.Event) error {
	if c.closed.Load() {
		return ErrSessionClosed
	}
	if err := protocol.WriteEvent(c.w, ev); err != nil {
		return c.writeErr(err)
	}
	return c.flush()
}

func (c *Conn) flush() error {
	if err := c.w.Flush(); err != nil {
		return c.writeErr(err)
	}
	return nil
}

func (c *Conn) writeErr(err error) error {
	if c.closed.Load() {
		return &Error{Op: "write", Kind: ErrSessionClosed, Err: err}
	}
	return classify("write", err)
}

// SetReadDeadline sets the read deadline on the underlying socket.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// SetWriteDeadline sets the write deadline on the underlying socket.
func (c *Conn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

// RemoteAddr returns the host's address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// LocalAddr returns the local socket address.
func (c *Conn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	return c.closed.Load()
}

// Close closes the socket, unblocking any pending Read or Send.
// Safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
