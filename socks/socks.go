// Package socks serves SOCKS5 on connections handed to it by a connection
// stack. Names are resolved with a dns.Resolver and targets are dialed with
// a tcp.DialFunc, so SOCKS clients see the same DNS overrides as HTTP ones.
package socks

import (
	"context"
	"errors"
	"fmt"
	"net"

	socks5 "github.com/armon/go-socks5"
	"github.com/launchdarkly/go-sdk-common/v3/ldlog"

	"lds.li/netpipe/dns"
	"lds.li/netpipe/logging"
	"lds.li/netpipe/service"
	"lds.li/netpipe/tcp"
)

// ErrNoAddress is returned when a name resolves to nothing.
var ErrNoAddress = errors.New("socks: name resolved to no address")

// CredentialChecker validates username and password pairs.
// *proxyauth.Credentials satisfies it.
type CredentialChecker interface {
	Check(user, password string) bool
}

// Config configures a Server.
type Config struct {
	// Resolver resolves names sent by clients. Defaults to dns.System.
	Resolver dns.Resolver

	// Dial connects to targets. Defaults to a tcp.Connector.
	Dial tcp.DialFunc

	// Credentials, when set, requires username and password
	// authentication.
	Credentials CredentialChecker

	Loggers ldlog.Loggers
}

// Server is a connection service speaking SOCKS5.
type Server struct {
	cfg Config
}

// New returns a Server for cfg.
func New(cfg Config) *Server {
	if cfg.Resolver == nil {
		cfg.Resolver = dns.System{}
	}
	if cfg.Dial == nil {
		cfg.Dial = (&tcp.Connector{}).DialContext
	}
	return &Server{cfg: cfg}
}

// Serve implements service.Service. A *dns.InMemory in the context's
// extensions takes precedence over the configured resolver for this
// connection. The connection is closed when ctx is done.
func (s *Server) Serve(ctx *service.Context, conn net.Conn) (struct{}, error) {
	resolver := s.cfg.Resolver
	if overrides, ok := service.Get[*dns.InMemory](ctx.Extensions()); ok {
		resolver = dns.Chain{overrides, resolver}
	}

	conf := &socks5.Config{
		Resolver: &nameResolver{resolver: resolver},
		Dial:     s.cfg.Dial,
		Logger:   logging.NewStdLogger(s.cfg.Loggers, ldlog.Debug),
	}
	if s.cfg.Credentials != nil {
		conf.Credentials = credentialStore{s.cfg.Credentials}
	}
	srv, err := socks5.New(conf)
	if err != nil {
		return struct{}{}, fmt.Errorf("socks: %w", err)
	}

	stop := context.AfterFunc(ctx.Context(), func() { conn.Close() })
	defer stop()
	if err := srv.ServeConn(conn); err != nil {
		return struct{}{}, fmt.Errorf("socks: %w", err)
	}
	return struct{}{}, nil
}

type nameResolver struct {
	resolver dns.Resolver
}

// Resolve implements socks5.NameResolver. IPv4 addresses are preferred.
func (r *nameResolver) Resolve(ctx context.Context, name string) (context.Context, net.IP, error) {
	addrs, err := dns.LookupIP(ctx, r.resolver, name)
	if err != nil {
		return ctx, nil, err
	}
	if len(addrs) == 0 {
		return ctx, nil, fmt.Errorf("%w: %s", ErrNoAddress, name)
	}
	return ctx, net.IP(addrs[0].AsSlice()), nil
}

type credentialStore struct {
	checker CredentialChecker
}

// Valid implements socks5.CredentialStore.
func (c credentialStore) Valid(user, password string) bool {
	return c.checker.Check(user, password)
}
