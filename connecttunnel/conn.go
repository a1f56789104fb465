package connecttunnel

import (
	"bufio"
	"context"
	"io"
	"net"
	"time"
)

// bufferedConn wraps a net.Conn with a bufio.Reader to handle any buffered data.
type bufferedConn struct {
	net.Conn
	reader *bufio.Reader
}

// Read reads from the buffered reader, which wraps the underlying connection.
func (c *bufferedConn) Read(b []byte) (int, error) {
	return c.reader.Read(b)
}

// CloseWrite half-closes the connection to the proxy when it supports it.
func (c *bufferedConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

// streamConn presents an HTTP/2 CONNECT stream as a net.Conn. The response
// body carries the target to client half, the request body pipe the other.
type streamConn struct {
	body   io.ReadCloser
	pw     *io.PipeWriter
	cancel context.CancelFunc
	addr   net.Addr
}

func newStreamConn(body io.ReadCloser, pw *io.PipeWriter, cancel context.CancelFunc, address string) *streamConn {
	return &streamConn{body: body, pw: pw, cancel: cancel, addr: &remoteAddr{addr: address}}
}

// Read implements net.Conn.
func (c *streamConn) Read(b []byte) (int, error) {
	return c.body.Read(b)
}

// Write implements net.Conn.
func (c *streamConn) Write(b []byte) (int, error) {
	return c.pw.Write(b)
}

// CloseWrite ends the request body, which ends the stream in the client to
// target direction.
func (c *streamConn) CloseWrite() error {
	return c.pw.Close()
}

// Close implements net.Conn.
func (c *streamConn) Close() error {
	err1 := c.body.Close()
	err2 := c.pw.Close()
	c.cancel()
	if err1 != nil {
		return err1
	}
	return err2
}

// LocalAddr implements net.Conn.
// Returns a dummy address as HTTP/2 streams don't have distinct local addresses.
func (c *streamConn) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4zero, Port: 0}
}

// RemoteAddr implements net.Conn.
func (c *streamConn) RemoteAddr() net.Addr {
	return c.addr
}

// SetDeadline implements net.Conn.
// Not supported for HTTP/2 streams, returns nil.
func (c *streamConn) SetDeadline(t time.Time) error {
	return nil
}

// SetReadDeadline implements net.Conn.
// Not supported for HTTP/2 streams, returns nil.
func (c *streamConn) SetReadDeadline(t time.Time) error {
	return nil
}

// SetWriteDeadline implements net.Conn.
// Not supported for HTTP/2 streams, returns nil.
func (c *streamConn) SetWriteDeadline(t time.Time) error {
	return nil
}

var _ net.Addr = (*remoteAddr)(nil)

type remoteAddr struct {
	addr string
}

func (a *remoteAddr) Network() string {
	return "connecttunnel"
}

func (a *remoteAddr) String() string {
	return a.addr
}
