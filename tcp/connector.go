package tcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strconv"

	"lds.li/netpipe/dns"
	"lds.li/netpipe/httpkit"
	"lds.li/netpipe/service"
)

// DialFunc establishes a network connection. It has the same signature as
// net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Connector resolves the target of a request and opens a TCP connection to
// it. Addresses are tried in order until one connects.
//
// A *dns.InMemory found in the request's extensions is consulted before
// Resolver, which lets a pipeline override resolution per request.
type Connector struct {
	// Resolver resolves host names. If nil, dns.System{} is used.
	Resolver dns.Resolver

	// Dial opens connections to resolved addresses. If nil,
	// net.Dialer{}.DialContext is used.
	Dial DialFunc
}

func (c *Connector) dial() DialFunc {
	if c.Dial != nil {
		return c.Dial
	}
	d := &net.Dialer{}
	return d.DialContext
}

func (c *Connector) resolver() dns.Resolver {
	if c.Resolver != nil {
		return c.Resolver
	}
	return dns.System{}
}

// Serve implements service.Service.
func (c *Connector) Serve(ctx *service.Context, req *http.Request) (*httpkit.EstablishedConn, error) {
	rc := httpkit.RequestContextFrom(ctx, req)
	if rc.Host == "" {
		return nil, ErrMissingHost
	}
	conn, err := c.DialAuthority(ctx, rc.Authority())
	if err != nil {
		return nil, err
	}
	return &httpkit.EstablishedConn{
		Req:  req,
		Conn: conn,
		Addr: conn.RemoteAddr().String(),
	}, nil
}

// DialAuthority connects to a host and port, honouring a per-request DNS
// override in ctx.
func (c *Connector) DialAuthority(ctx *service.Context, a httpkit.Authority) (net.Conn, error) {
	var overrides dns.Resolver
	if m, ok := service.Get[*dns.InMemory](ctx.Extensions()); ok {
		overrides = m
	}
	return c.dialHost(ctx.Context(), overrides, a.Host, a.Port)
}

// DialContext connects to address ("host:port"). It satisfies DialFunc so a
// Connector can be handed to code that expects a plain dialer.
func (c *Connector) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("%w in %q", ErrInvalidPort, address)
	}
	return c.dialHost(ctx, nil, host, int(port))
}

func (c *Connector) dialHost(ctx context.Context, overrides dns.Resolver, host string, port int) (net.Conn, error) {
	if host == "" {
		return nil, ErrMissingHost
	}
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPort, port)
	}

	var addrs []netip.Addr
	if ip, err := netip.ParseAddr(host); err == nil {
		addrs = []netip.Addr{ip}
	} else {
		addrs, err = c.resolve(ctx, overrides, host)
		if err != nil {
			return nil, fmt.Errorf("tcp: resolving %s: %w", host, err)
		}
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoAddresses, host)
	}

	dial := c.dial()
	var errs []error
	for _, ip := range addrs {
		conn, err := dial(ctx, "tcp", netip.AddrPortFrom(ip, uint16(port)).String())
		if err == nil {
			return conn, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, errors.Join(errs...)
}

func (c *Connector) resolve(ctx context.Context, overrides dns.Resolver, host string) ([]netip.Addr, error) {
	if overrides != nil {
		if addrs, err := dns.LookupIP(ctx, overrides, host); err == nil {
			return addrs, nil
		}
	}
	return dns.LookupIP(ctx, c.resolver(), host)
}
