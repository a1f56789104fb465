package upgrade

import (
	"context"
	"io"
	"net"

	"github.com/jpillora/sizestr"
	"github.com/launchdarkly/go-sdk-common/v3/ldlog"
	"golang.org/x/sync/errgroup"

	"lds.li/netpipe/httpkit"
	"lds.li/netpipe/service"
	"lds.li/netpipe/tcp"
)

// Dialer opens the upstream side of a tunnel. *tcp.Connector satisfies it.
type Dialer interface {
	DialAuthority(ctx *service.Context, a httpkit.Authority) (net.Conn, error)
}

// DialerFunc adapts a plain dial function to Dialer.
type DialerFunc tcp.DialFunc

// DialAuthority implements Dialer.
func (f DialerFunc) DialAuthority(ctx *service.Context, a httpkit.Authority) (net.Conn, error) {
	return f(ctx.Context(), "tcp", a.String())
}

// Tunnel connects an upgraded connection to the authority recorded by
// ConnectAccept and copies bytes both ways until either side is done.
type Tunnel struct {
	Dialer  Dialer
	Loggers ldlog.Loggers
}

// Serve implements service.Service.
func (t *Tunnel) Serve(ctx *service.Context, conn net.Conn) (struct{}, error) {
	authority, ok := service.Get[httpkit.Authority](ctx.Extensions())
	if !ok {
		return struct{}{}, ErrMissingAuthority
	}
	upstream, err := t.Dialer.DialAuthority(ctx, authority)
	if err != nil {
		return struct{}{}, err
	}
	defer upstream.Close()

	t.Loggers.Debugf("Tunnel %s <-> %s open", conn.RemoteAddr(), authority)
	sent, received, err := Pipe(ctx.Context(), conn, upstream)
	t.Loggers.Debugf("Tunnel %s <-> %s closed (sent %s received %s)",
		conn.RemoteAddr(), authority, sizestr.ToString(sent), sizestr.ToString(received))
	return struct{}{}, err
}

// Pipe copies a to b and b to a until both directions are finished. When
// one direction reaches EOF the write side of its destination is closed, if
// the connection supports it. A failure in either direction, or ctx being
// done, closes both connections.
func Pipe(ctx context.Context, a, b net.Conn) (aToB, bToA int64, err error) {
	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, func() {
		a.Close()
		b.Close()
	})
	defer stop()

	g.Go(func() error {
		n, err := io.Copy(b, a)
		aToB = n
		closeWrite(b)
		return err
	})
	g.Go(func() error {
		n, err := io.Copy(a, b)
		bToA = n
		closeWrite(a)
		return err
	})
	err = g.Wait()
	return aToB, bToA, err
}

func closeWrite(c net.Conn) {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
}
