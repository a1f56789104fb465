package tlsconn

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"lds.li/netpipe/service"
)

// ErrMissingCertificate is returned when a server configuration has no way
// to present a certificate.
var ErrMissingCertificate = errors.New("tlsconn: missing certificate")

// Acceptor terminates TLS on accepted connections. The inner service
// receives the *tls.Conn after a successful handshake.
type Acceptor struct {
	config  *tls.Config
	timeout time.Duration
}

// NewAcceptor validates cfg and returns an acceptor for it.
func NewAcceptor(cfg *tls.Config) (*Acceptor, error) {
	if cfg == nil || (len(cfg.Certificates) == 0 && cfg.GetCertificate == nil && cfg.GetConfigForClient == nil) {
		return nil, ErrMissingCertificate
	}
	return &Acceptor{config: cfg, timeout: 10 * time.Second}, nil
}

// LoadAcceptor builds an acceptor from PEM encoded certificate and key files.
// nextProtos is advertised through ALPN.
func LoadAcceptor(certFile, keyFile string, nextProtos ...string) (*Acceptor, error) {
	if certFile == "" || keyFile == "" {
		return nil, ErrMissingCertificate
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("tlsconn: loading key pair: %w", err)
	}
	return NewAcceptor(&tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   nextProtos,
		MinVersion:   tls.VersionTLS12,
	})
}

// WithHandshakeTimeout bounds the server handshake. Zero disables the bound.
func (a *Acceptor) WithHandshakeTimeout(d time.Duration) *Acceptor {
	a.timeout = d
	return a
}

// Layer implements service.Layer.
func (a *Acceptor) Layer(inner service.Service[net.Conn, struct{}]) service.Service[net.Conn, struct{}] {
	return service.ServiceFunc[net.Conn, struct{}](func(ctx *service.Context, conn net.Conn) (struct{}, error) {
		return serveHandshake(ctx, tls.Server(conn, a.config), a.timeout, inner)
	})
}

// Handshake completes the server handshake of connections that arrive as
// *tls.Conn, from a TLS listener for instance, so that the negotiated
// protocol is known to the inner service. Other connections pass through.
func Handshake(timeout time.Duration) service.Layer[net.Conn, struct{}] {
	return service.LayerFunc[net.Conn, struct{}](func(inner service.Service[net.Conn, struct{}]) service.Service[net.Conn, struct{}] {
		return service.ServiceFunc[net.Conn, struct{}](func(ctx *service.Context, conn net.Conn) (struct{}, error) {
			tc, ok := conn.(*tls.Conn)
			if !ok {
				return inner.Serve(ctx, conn)
			}
			return serveHandshake(ctx, tc, timeout, inner)
		})
	})
}

func serveHandshake(ctx *service.Context, tc *tls.Conn, timeout time.Duration, inner service.Service[net.Conn, struct{}]) (struct{}, error) {
	hctx := ctx.Context()
	if timeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(hctx, timeout)
		defer cancel()
	}
	if err := tc.HandshakeContext(hctx); err != nil {
		return struct{}{}, fmt.Errorf("tlsconn: server handshake with %s: %w", tc.RemoteAddr(), err)
	}
	service.Insert(ctx.Extensions(), tc.ConnectionState())
	return inner.Serve(ctx, tc)
}
