package tlsconn

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"lds.li/netpipe/httpkit"
	"lds.li/netpipe/service"
)

// ErrMissingHost is returned when a request that needs a TLS handshake has
// no host to verify against.
var ErrMissingHost = errors.New("tlsconn: missing http host")

// Mode selects when the Connector performs a TLS handshake.
type Mode int

const (
	// ModeAuto secures connections for https and wss requests and passes
	// everything else through as plain.
	ModeAuto Mode = iota
	// ModeSecureOnly secures every connection, upgrading http and ws
	// requests to https and wss.
	ModeSecureOnly
)

// Connector wraps an inner connector and secures the connections it
// establishes according to its mode.
//
// The TLS client configuration is, in order of precedence: a *tls.Config in
// the request's extensions, the one set with WithConfig, or
// DefaultClientConfig. It is cloned for every connection.
type Connector struct {
	inner  service.Service[*http.Request, *httpkit.EstablishedConn]
	mode   Mode
	config *tls.Config
}

// Auto returns a connector in ModeAuto.
func Auto(inner service.Service[*http.Request, *httpkit.EstablishedConn]) *Connector {
	return &Connector{inner: inner, mode: ModeAuto}
}

// SecureOnly returns a connector in ModeSecureOnly.
func SecureOnly(inner service.Service[*http.Request, *httpkit.EstablishedConn]) *Connector {
	return &Connector{inner: inner, mode: ModeSecureOnly}
}

// WithConfig sets the client configuration used when the request carries
// none.
func (c *Connector) WithConfig(cfg *tls.Config) *Connector {
	c.config = cfg
	return c
}

// Layer returns a layer producing connectors in the given mode.
func Layer(mode Mode, cfg *tls.Config) service.Layer[*http.Request, *httpkit.EstablishedConn] {
	return service.LayerFunc[*http.Request, *httpkit.EstablishedConn](func(inner service.Service[*http.Request, *httpkit.EstablishedConn]) service.Service[*http.Request, *httpkit.EstablishedConn] {
		return &Connector{inner: inner, mode: mode, config: cfg}
	})
}

// Serve implements service.Service.
func (c *Connector) Serve(ctx *service.Context, req *http.Request) (*httpkit.EstablishedConn, error) {
	rc := httpkit.RequestContextFrom(ctx, req)

	if c.mode == ModeSecureOnly && (rc.Scheme == httpkit.SchemeHTTP || rc.Scheme == httpkit.SchemeWS) {
		req = upgradeRequest(req, rc.Scheme)
		rc = httpkit.NewRequestContext(req)
		service.Insert(ctx.Extensions(), rc)
	}

	est, err := c.inner.Serve(ctx, req)
	if err != nil {
		return nil, err
	}

	if c.mode == ModeAuto && !rc.Scheme.Secure() {
		est.Conn = Plain(est.Conn)
		return est, nil
	}

	if rc.Host == "" {
		est.Conn.Close()
		return nil, ErrMissingHost
	}

	cfg := c.clientConfig(ctx).Clone()
	if cfg.ServerName == "" {
		cfg.ServerName = rc.Host
	}
	tc := tls.Client(est.Conn, cfg)
	if err := tc.HandshakeContext(ctx.Context()); err != nil {
		est.Conn.Close()
		return nil, fmt.Errorf("tlsconn: handshake with %s: %w", rc.Host, err)
	}
	est.Conn = Secure(tc)
	return est, nil
}

func (c *Connector) clientConfig(ctx *service.Context) *tls.Config {
	if cfg, ok := service.Get[*tls.Config](ctx.Extensions()); ok && cfg != nil {
		return cfg
	}
	if c.config != nil {
		return c.config
	}
	return DefaultClientConfig()
}

// upgradeRequest returns a copy of req aimed at the secure counterpart of
// scheme. A port taken from the default of the old scheme moves to the
// default of the new one.
func upgradeRequest(req *http.Request, scheme httpkit.Scheme) *http.Request {
	out := req.Clone(req.Context())
	if out.URL == nil {
		out.URL = &url.URL{}
	}
	out.URL.Scheme = string(httpkit.SchemeHTTPS)
	if scheme == httpkit.SchemeWS {
		out.URL.Scheme = string(httpkit.SchemeWSS)
	}
	return out
}

// DefaultClientConfig returns the process-wide client configuration used
// when nothing more specific is set. It verifies peers against the system
// roots and offers h2 and http/1.1. It is built on first use and the same
// value is returned afterwards; callers must not modify it.
var DefaultClientConfig = sync.OnceValue(func() *tls.Config {
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		NextProtos:         []string{"h2", "http/1.1"},
		ClientSessionCache: tls.NewLRUClientSessionCache(256),
	}
})
