package httpserver

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"sync"
	"time"
)

// bufferedConn wraps a net.Conn with a bufio.Reader holding bytes already
// read from it, so they are not lost when the connection changes hands.
type bufferedConn struct {
	net.Conn
	reader *bufio.Reader
}

// Read reads from the buffered reader, which wraps the underlying connection.
func (c *bufferedConn) Read(b []byte) (int, error) {
	return c.reader.Read(b)
}

// CloseWrite half-closes the underlying connection when it supports it.
func (c *bufferedConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

// trackedConn calls onClose once when closed.
type trackedConn struct {
	net.Conn
	once    sync.Once
	onClose func()
}

func (c *trackedConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(c.onClose)
	return err
}

func (c *trackedConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

// streamConn presents an HTTP/2 stream, the request body for reading and
// the response for writing, as a net.Conn.
type streamConn struct {
	body  io.ReadCloser
	w     io.Writer
	rc    *http.ResponseController
	local net.Addr
	addr  net.Addr

	mu     sync.Mutex
	once   sync.Once
	done   chan struct{}
	closed bool
}

func newStreamConn(w http.ResponseWriter, rc *http.ResponseController, req *http.Request, local net.Addr) *streamConn {
	return &streamConn{
		body:  req.Body,
		w:     w,
		rc:    rc,
		local: local,
		addr:  &streamAddr{addr: req.RemoteAddr},
		done:  make(chan struct{}),
	}
}

// Read implements net.Conn.
func (c *streamConn) Read(b []byte) (int, error) {
	return c.body.Read(b)
}

// Write implements net.Conn. Every write is flushed so the peer sees tunnel
// bytes immediately.
func (c *streamConn) Write(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, net.ErrClosed
	}
	n, err := c.w.Write(b)
	if err != nil {
		return n, err
	}
	if err := c.rc.Flush(); err != nil {
		return n, err
	}
	return n, nil
}

// CloseWrite ends the response stream. Reads fail afterwards as well, since
// the handler owning the stream returns.
func (c *streamConn) CloseWrite() error {
	c.finish()
	return nil
}

// Close implements net.Conn.
func (c *streamConn) Close() error {
	c.finish()
	return c.body.Close()
}

func (c *streamConn) finish() {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
	})
}

// LocalAddr implements net.Conn.
func (c *streamConn) LocalAddr() net.Addr {
	if c.local != nil {
		return c.local
	}
	return &net.TCPAddr{IP: net.IPv4zero, Port: 0}
}

// RemoteAddr implements net.Conn.
func (c *streamConn) RemoteAddr() net.Addr {
	return c.addr
}

// SetDeadline implements net.Conn.
func (c *streamConn) SetDeadline(t time.Time) error {
	_ = c.rc.SetReadDeadline(t)
	_ = c.rc.SetWriteDeadline(t)
	return nil
}

// SetReadDeadline implements net.Conn.
func (c *streamConn) SetReadDeadline(t time.Time) error {
	_ = c.rc.SetReadDeadline(t)
	return nil
}

// SetWriteDeadline implements net.Conn.
func (c *streamConn) SetWriteDeadline(t time.Time) error {
	_ = c.rc.SetWriteDeadline(t)
	return nil
}

var _ net.Addr = (*streamAddr)(nil)

type streamAddr struct {
	addr string
}

func (a *streamAddr) Network() string {
	return "h2stream"
}

func (a *streamAddr) String() string {
	return a.addr
}

// oneConnListener hands out a single connection and then blocks until it is
// closed.
type oneConnListener struct {
	conn   net.Conn
	mu     sync.Mutex
	taken  bool
	closed chan struct{}
	once   sync.Once
}

func newOneConnListener(conn net.Conn) *oneConnListener {
	return &oneConnListener{conn: conn, closed: make(chan struct{})}
}

func (l *oneConnListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	if !l.taken {
		l.taken = true
		l.mu.Unlock()
		return l.conn, nil
	}
	l.mu.Unlock()
	<-l.closed
	return nil, net.ErrClosed
}

func (l *oneConnListener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func (l *oneConnListener) Addr() net.Addr {
	return l.conn.LocalAddr()
}
