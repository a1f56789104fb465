package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jpillora/sizestr"
	"github.com/launchdarkly/go-sdk-common/v3/ldlog"

	"lds.li/netpipe/connecttunnel"
	"lds.li/netpipe/httpserver"
	"lds.li/netpipe/service"
	"lds.li/netpipe/tcp"
	"lds.li/netpipe/upgrade"
)

// forward is one -forward flag.
type forward struct {
	name   string
	listen string
	remote string
}

// parseForward parses [name=]listen:port=remote:port. Without a name the
// listen address is used.
func parseForward(s string) (forward, error) {
	var f forward
	parts := strings.Split(s, "=")
	switch len(parts) {
	case 2:
		f.name, f.listen, f.remote = parts[0], parts[0], parts[1]
	case 3:
		f.name, f.listen, f.remote = parts[0], parts[1], parts[2]
	default:
		return f, errors.New("invalid format, expected [name=]listen:port=remote:port")
	}
	if f.name == "" {
		return f, errors.New("name cannot be empty")
	}
	if _, port, err := net.SplitHostPort(f.listen); err != nil || port == "" {
		return f, errors.New("listen address must include a port (e.g., localhost:8080 or :8080)")
	}
	if host, port, err := net.SplitHostPort(f.remote); err != nil || host == "" || port == "" {
		return f, errors.New("remote address must include a host and port (e.g., example.com:80)")
	}
	return f, nil
}

// connections wraps a connection service with the layers every local
// listener shares.
func connections(svc service.Service[net.Conn, struct{}], loggers ldlog.Loggers) service.Service[net.Conn, struct{}] {
	return service.NewStack(
		service.ConsumeErr[net.Conn, struct{}](loggers, ldlog.Warn, nil),
		tcp.IdleTimeout(5*time.Minute),
	).Service(svc)
}

// forwardService tunnels every connection to a fixed remote address.
type forwardService struct {
	remote  string
	dialer  connecttunnel.Dialer
	timeout time.Duration
	loggers ldlog.Loggers
}

func (f *forwardService) Serve(ctx *service.Context, conn net.Conn) (struct{}, error) {
	dctx, cancel := context.WithTimeout(ctx.Context(), f.timeout)
	upstream, err := f.dialer.DialContext(dctx, "tcp", f.remote)
	cancel()
	if err != nil {
		return struct{}{}, fmt.Errorf("failed to dial %s: %w", f.remote, err)
	}
	defer upstream.Close()

	f.loggers.Debugf("Connected %s -> %s", conn.RemoteAddr(), f.remote)
	sent, received, err := upgrade.Pipe(ctx.Context(), conn, upstream)
	f.loggers.Debugf("Closed %s -> %s (sent %s, received %s)",
		conn.RemoteAddr(), f.remote, sizestr.ToString(sent), sizestr.ToString(received))
	return struct{}{}, err
}

// localProxy serves CONNECT requests by chaining them through dialer.
func localProxy(dialer connecttunnel.Dialer, timeout time.Duration, loggers ldlog.Loggers) service.Service[net.Conn, struct{}] {
	dial := func(ctx context.Context, network, address string) (net.Conn, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return dialer.DialContext(ctx, network, address)
	}
	requests := connecttunnel.Service(connecttunnel.ServerConfig{
		OnTunnel: func(_ context.Context, req *http.Request) error {
			loggers.Debugf("CONNECT %s from %s", req.Host, req.RemoteAddr)
			return nil
		},
		Dial:    dial,
		Loggers: loggers,
	})
	return connections(httpserver.New(requests, loggers), loggers)
}
