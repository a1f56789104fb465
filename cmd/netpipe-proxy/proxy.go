package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/jpillora/backoff"
	"github.com/launchdarkly/go-sdk-common/v3/ldlog"

	"lds.li/netpipe/config"
	"lds.li/netpipe/connecttunnel"
	"lds.li/netpipe/dns"
	"lds.li/netpipe/httpclient"
	"lds.li/netpipe/httpkit"
	"lds.li/netpipe/httpmatch"
	"lds.li/netpipe/httpserver"
	"lds.li/netpipe/proxyauth"
	"lds.li/netpipe/service"
	"lds.li/netpipe/socks"
	"lds.li/netpipe/tcp"
	"lds.li/netpipe/tlsconn"
)

// proxy holds the pieces shared by the HTTP and SOCKS front ends. The DNS
// overrides and credentials are replaced in place when the configuration
// file changes.
type proxy struct {
	cfg     config.Config
	loggers ldlog.Loggers

	overrides *dns.InMemory
	creds     *proxyauth.Credentials
	verifier  proxyauth.TokenVerifier
	connector *tcp.Connector
	policy    *service.ConcurrentPolicy
}

func newProxy(cfg config.Config, loggers ldlog.Loggers) (*proxy, error) {
	table, err := cfg.DNSOverrides()
	if err != nil {
		return nil, err
	}
	overrides := dns.NewInMemory()
	overrides.Replace(table)

	var resolver dns.Resolver = dns.System{}
	if cfg.DNS.Cache {
		resolver = dns.NewCached(nil, cfg.DNS.UseLastGood)
	}

	policy := service.NewConcurrentPolicy(cfg.Main.MaxConnections).
		WithBackoff(backoff.Backoff{Min: 10 * time.Millisecond, Max: time.Second, Factor: 2, Jitter: true}, 5)

	return &proxy{
		cfg:       cfg,
		loggers:   loggers,
		overrides: overrides,
		creds:     proxyauth.NewCredentials(cfg.Users()),
		connector: &tcp.Connector{Resolver: resolver},
		policy:    policy,
	}, nil
}

// setDial routes every upstream connection through dial, the tailnet for
// instance.
func (p *proxy) setDial(dial tcp.DialFunc) {
	p.connector.Dial = dial
}

// reload applies the parts of cfg that can change without a restart.
func (p *proxy) reload(cfg config.Config) {
	table, err := cfg.DNSOverrides()
	if err != nil {
		p.loggers.Warnf("Ignoring DNS overrides from reloaded configuration: %v", err)
	} else {
		p.overrides.Replace(table)
	}
	p.creds.Replace(cfg.Users())
	p.loggers.Infof("Reloaded configuration: %d DNS override(s), %d user(s)", p.overrides.Len(), p.creds.Len())
}

// requests builds the request pipeline: authentication, the hijacked API
// domain, CONNECT tunnels, and plain forward proxying for the rest.
func (p *proxy) requests() service.Service[*http.Request, *http.Response] {
	stack := service.NewStack(
		httpkit.CatchPanic(p.loggers),
		httpkit.RequestIDLayer(),
		httpkit.Trace(p.loggers),
	)
	if p.cfg.AuthRequired() {
		auth := proxyauth.Config{
			Labels:      p.cfg.Proxy.Labels,
			Realm:       p.cfg.Proxy.Realm,
			Credentials: p.creds,
			Verifier:    p.verifier,
			Loggers:     p.loggers,
		}
		stack = stack.With(proxyauth.Layer(auth))
	}
	if p.cfg.Hijack.Enabled {
		stack = stack.With(service.Hijack[*http.Request, *http.Response](
			httpmatch.Domain(p.cfg.Hijack.Domain),
			apiService(p.loggers),
		))
	}
	stack = stack.With(connecttunnel.Layer(connecttunnel.ServerConfig{
		OnTunnel: p.onTunnel,
		Dialer:   p.connector,
		Loggers:  p.loggers,
	}))

	client := httpclient.New(tlsconn.Auto(p.connector))
	return stack.Service(httpclient.Proxy(client, p.loggers))
}

func (p *proxy) onTunnel(ctx context.Context, req *http.Request) error {
	user := "anonymous"
	if sc, ok := httpkit.ServiceContext(ctx); ok {
		if u, ok := service.Get[proxyauth.User](sc.Extensions()); ok {
			user = u.Name
		}
	}
	p.loggers.Infof("Tunnel: %s (%s) -> %s (proto: %s)", req.RemoteAddr, user, req.Host, req.Proto)
	return nil
}

// connections builds the connection pipeline of the HTTP listener. Without
// an acceptor, connections from a TLS listener are still handshaken before
// the HTTP server sees them.
func (p *proxy) connections(acceptor *tlsconn.Acceptor) service.Service[net.Conn, struct{}] {
	stack := p.connLayers()
	if acceptor != nil {
		stack = stack.With(acceptor)
	} else {
		stack = stack.With(tlsconn.Handshake(10 * time.Second))
	}
	srv := httpserver.New(p.requests(), p.loggers).
		WithMode(httpMode(p.cfg.Main.HTTPMode)).
		WithTimeouts(30*time.Second, p.cfg.Main.IdleTimeout.GetOrElse(config.DefaultIdleTimeout))
	return stack.Service(srv)
}

// socks builds the SOCKS5 connection pipeline.
func (p *proxy) socks() service.Service[net.Conn, struct{}] {
	cfg := socks.Config{
		Resolver: p.connector.Resolver,
		Dial:     p.connector.Dial,
		Loggers:  p.loggers,
	}
	if p.cfg.AuthRequired() {
		cfg.Credentials = p.creds
	}
	return p.connLayers().Service(socks.New(cfg))
}

func (p *proxy) connLayers() service.Stack[net.Conn, struct{}] {
	return service.NewStack(
		service.ConsumeErr[net.Conn, struct{}](p.loggers, ldlog.Debug, nil),
		service.Limit[net.Conn, struct{}](p.policy),
		withOverrides(p.overrides),
		tcp.IdleTimeout(p.cfg.Main.IdleTimeout.GetOrElse(config.DefaultIdleTimeout)),
	)
}

// withOverrides makes the DNS override table visible to everything below it
// through the context extensions.
func withOverrides(overrides *dns.InMemory) service.Layer[net.Conn, struct{}] {
	return service.LayerFunc[net.Conn, struct{}](func(inner service.Service[net.Conn, struct{}]) service.Service[net.Conn, struct{}] {
		return service.ServiceFunc[net.Conn, struct{}](func(ctx *service.Context, conn net.Conn) (struct{}, error) {
			service.Insert(ctx.Extensions(), overrides)
			return inner.Serve(ctx, conn)
		})
	})
}

func httpMode(s string) httpserver.Mode {
	switch s {
	case "http1":
		return httpserver.ModeHTTP1
	case "http2":
		return httpserver.ModeHTTP2
	default:
		return httpserver.ModeAuto
	}
}

// loadAcceptor returns the TLS acceptor configured in [tls], or nil.
func loadAcceptor(cfg config.TLSConfig) (*tlsconn.Acceptor, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	a, err := tlsconn.LoadAcceptor(cfg.Cert, cfg.Key, "h2", "http/1.1")
	if err != nil {
		return nil, fmt.Errorf("loading TLS certificate: %w", err)
	}
	return a, nil
}
