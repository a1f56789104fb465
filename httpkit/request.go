// Package httpkit holds the HTTP flavoured pieces shared by the pipeline:
// request metadata memoized on the service context, response constructors,
// an http.Handler adapter, and a few response-shaping layers.
package httpkit

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"

	"lds.li/netpipe/service"
)

// ErrInvalidAuthority is returned when a host:port pair can not be parsed.
var ErrInvalidAuthority = errors.New("httpkit: invalid authority")

// Scheme is a URI scheme understood by the pipeline.
type Scheme string

const (
	SchemeHTTP  Scheme = "http"
	SchemeHTTPS Scheme = "https"
	SchemeWS    Scheme = "ws"
	SchemeWSS   Scheme = "wss"
)

// Secure reports whether the scheme requires TLS.
func (s Scheme) Secure() bool {
	return s == SchemeHTTPS || s == SchemeWSS
}

// DefaultPort returns the well-known port of the scheme, or 0.
func (s Scheme) DefaultPort() int {
	switch s {
	case SchemeHTTP, SchemeWS:
		return 80
	case SchemeHTTPS, SchemeWSS:
		return 443
	}
	return 0
}

// Authority is a host and port pair, as found in a CONNECT request target.
type Authority struct {
	Host string
	Port int
}

// ParseAuthority parses "host:port". The port is required.
func ParseAuthority(s string) (Authority, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Authority{}, fmt.Errorf("%w: %q: %v", ErrInvalidAuthority, s, err)
	}
	if host == "" {
		return Authority{}, fmt.Errorf("%w: %q: missing host", ErrInvalidAuthority, s)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return Authority{}, fmt.Errorf("%w: %q: bad port", ErrInvalidAuthority, s)
	}
	return Authority{Host: host, Port: int(port)}, nil
}

func (a Authority) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// RequestContext is the scheme and authority a request is aimed at. It is
// computed once per request and memoized in the service context's extensions.
type RequestContext struct {
	Scheme Scheme
	Host   string
	Port   int
	Proto  string
}

// Authority returns the host and port of the request target.
func (rc *RequestContext) Authority() Authority {
	return Authority{Host: rc.Host, Port: rc.Port}
}

// NewRequestContext derives the request context of req.
func NewRequestContext(req *http.Request) *RequestContext {
	rc := &RequestContext{
		Scheme: requestScheme(req),
		Proto:  req.Proto,
	}

	hostport := req.Host
	if req.URL != nil && req.URL.Host != "" {
		hostport = req.URL.Host
	}
	if hostport == "" && req.Method == http.MethodConnect {
		hostport = req.RequestURI
	}

	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		rc.Host = strings.TrimSuffix(strings.TrimPrefix(hostport, "["), "]")
		rc.Port = rc.Scheme.DefaultPort()
		return rc
	}
	rc.Host = host
	if port == "" {
		rc.Port = rc.Scheme.DefaultPort()
		return rc
	}
	// An out of range port is left as 0, which no connector will dial.
	if p, err := strconv.ParseUint(port, 10, 16); err == nil {
		rc.Port = int(p)
	}
	return rc
}

func requestScheme(req *http.Request) Scheme {
	if req.URL != nil && req.URL.Scheme != "" {
		return Scheme(strings.ToLower(req.URL.Scheme))
	}
	ws := strings.EqualFold(req.Header.Get("Upgrade"), "websocket")
	switch {
	case req.TLS != nil && ws:
		return SchemeWSS
	case req.TLS != nil:
		return SchemeHTTPS
	case ws:
		return SchemeWS
	}
	return SchemeHTTP
}

// RequestContextFrom returns the memoized request context of req, computing
// it on first use.
func RequestContextFrom(ctx *service.Context, req *http.Request) *RequestContext {
	return service.GetOrInsertWith(ctx.Extensions(), func() *RequestContext {
		return NewRequestContext(req)
	})
}
