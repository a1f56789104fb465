package tcp

import (
	"net"
	"time"

	"lds.li/netpipe/service"
)

// IdleTimeout fails reads and writes that stall for longer than d. Every read
// and write pushes its deadline forward, so long lived but active connections
// (tunnels) are unaffected. Deadlines set explicitly by users of the
// connection still apply until the next read or write.
func IdleTimeout(d time.Duration) service.Layer[net.Conn, struct{}] {
	return service.LayerFunc[net.Conn, struct{}](func(inner service.Service[net.Conn, struct{}]) service.Service[net.Conn, struct{}] {
		return service.ServiceFunc[net.Conn, struct{}](func(ctx *service.Context, conn net.Conn) (struct{}, error) {
			if d <= 0 {
				return inner.Serve(ctx, conn)
			}
			return inner.Serve(ctx, &idleConn{Conn: conn, timeout: d})
		})
	})
}

type idleConn struct {
	net.Conn
	timeout time.Duration
}

func (c *idleConn) Read(b []byte) (int, error) {
	_ = c.Conn.SetReadDeadline(time.Now().Add(c.timeout))
	return c.Conn.Read(b)
}

func (c *idleConn) Write(b []byte) (int, error) {
	_ = c.Conn.SetWriteDeadline(time.Now().Add(c.timeout))
	return c.Conn.Write(b)
}

// CloseWrite half-closes the underlying connection when it supports it.
func (c *idleConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

// NetConn returns the wrapped connection.
func (c *idleConn) NetConn() net.Conn {
	return c.Conn
}
