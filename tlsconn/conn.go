// Package tlsconn switches transport connections between plain and TLS
// secured byte streams.
//
// The client side is a Connector wrapping an inner connector: depending on
// its mode and the request scheme it either passes the established
// connection through or performs a TLS handshake on it. Either way the
// result is an *AutoConn, so code above the connector sees a single
// connection type. The server side is an Acceptor layer that terminates TLS
// on accepted connections.
package tlsconn

import (
	"crypto/tls"
	"net"
	"time"
)

// Kind tells which variant an AutoConn holds.
type Kind int

const (
	KindPlain Kind = iota
	KindSecure
)

func (k Kind) String() string {
	if k == KindSecure {
		return "secure"
	}
	return "plain"
}

// AutoConn is either a plain connection or a TLS connection. The variant is
// fixed when the AutoConn is created.
type AutoConn struct {
	kind   Kind
	plain  net.Conn
	secure *tls.Conn
}

var _ net.Conn = (*AutoConn)(nil)

// Plain wraps a connection that carries bytes as is.
func Plain(conn net.Conn) *AutoConn {
	return &AutoConn{kind: KindPlain, plain: conn}
}

// Secure wraps a TLS connection.
func Secure(conn *tls.Conn) *AutoConn {
	return &AutoConn{kind: KindSecure, secure: conn}
}

// Kind returns the variant.
func (c *AutoConn) Kind() Kind {
	return c.kind
}

// IsSecure reports whether the connection is TLS secured.
func (c *AutoConn) IsSecure() bool {
	return c.kind == KindSecure
}

// ConnectionState returns the TLS state for secure connections.
func (c *AutoConn) ConnectionState() (tls.ConnectionState, bool) {
	if c.kind == KindSecure {
		return c.secure.ConnectionState(), true
	}
	return tls.ConnectionState{}, false
}

// NetConn returns the connection carrying the bytes: the TLS connection for
// the secure variant, the plain connection otherwise.
func (c *AutoConn) NetConn() net.Conn {
	switch c.kind {
	case KindSecure:
		return c.secure
	default:
		return c.plain
	}
}

func (c *AutoConn) Read(b []byte) (int, error) {
	switch c.kind {
	case KindSecure:
		return c.secure.Read(b)
	default:
		return c.plain.Read(b)
	}
}

func (c *AutoConn) Write(b []byte) (int, error) {
	switch c.kind {
	case KindSecure:
		return c.secure.Write(b)
	default:
		return c.plain.Write(b)
	}
}

func (c *AutoConn) Close() error {
	switch c.kind {
	case KindSecure:
		return c.secure.Close()
	default:
		return c.plain.Close()
	}
}

// CloseWrite shuts down the writing side. For TLS this sends close_notify
// and half-closes the underlying connection.
func (c *AutoConn) CloseWrite() error {
	switch c.kind {
	case KindSecure:
		if err := c.secure.CloseWrite(); err != nil {
			return err
		}
		if cw, ok := c.secure.NetConn().(interface{ CloseWrite() error }); ok {
			return cw.CloseWrite()
		}
		return nil
	default:
		if cw, ok := c.plain.(interface{ CloseWrite() error }); ok {
			return cw.CloseWrite()
		}
		return nil
	}
}

func (c *AutoConn) LocalAddr() net.Addr { return c.NetConn().LocalAddr() }
func (c *AutoConn) RemoteAddr() net.Addr { return c.NetConn().RemoteAddr() }
func (c *AutoConn) SetDeadline(t time.Time) error { return c.NetConn().SetDeadline(t) }
func (c *AutoConn) SetReadDeadline(t time.Time) error { return c.NetConn().SetReadDeadline(t) }
func (c *AutoConn) SetWriteDeadline(t time.Time) error { return c.NetConn().SetWriteDeadline(t) }
