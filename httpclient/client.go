// Package httpclient sends requests over connections made by a connector
// service, one connection per request.
package httpclient

import (
	"bufio"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/launchdarkly/go-sdk-common/v3/ldlog"
	"golang.org/x/net/http2"

	"lds.li/netpipe/httpkit"
	"lds.li/netpipe/service"
	"lds.li/netpipe/tcp"
	"lds.li/netpipe/tlsconn"
)

// ErrUnsupportedScheme is returned for requests that are neither http nor
// https.
var ErrUnsupportedScheme = errors.New("httpclient: unsupported scheme")

// Client is a request service that sends each request over a fresh
// connection from its connector. HTTP/2 is used when the connection
// negotiated it with ALPN, HTTP/1.1 otherwise. The connection is closed with
// the response body.
type Client struct {
	connector service.Service[*http.Request, *httpkit.EstablishedConn]
}

// New returns a Client using connector. A nil connector dials with a
// tcp.Connector and upgrades to TLS for https requests.
func New(connector service.Service[*http.Request, *httpkit.EstablishedConn]) *Client {
	if connector == nil {
		connector = tlsconn.Auto(&tcp.Connector{})
	}
	return &Client{connector: connector}
}

// Serve implements service.Service.
func (c *Client) Serve(ctx *service.Context, req *http.Request) (*http.Response, error) {
	rc := httpkit.RequestContextFrom(ctx, req)
	switch rc.Scheme {
	case httpkit.SchemeHTTP, httpkit.SchemeHTTPS:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, rc.Scheme)
	}

	est, err := c.connector.Serve(ctx, req)
	if err != nil {
		return nil, err
	}
	// SecureOnly connectors may have upgraded the scheme.
	rc = httpkit.RequestContextFrom(ctx, req)
	out := outgoing(ctx, req, rc)

	if negotiatedH2(est.Conn) {
		return roundTripH2(est.Conn, out)
	}
	return roundTripH1(est.Conn, out)
}

// outgoing prepares a client request from req, which may be a request a
// server received.
func outgoing(ctx *service.Context, req *http.Request, rc *httpkit.RequestContext) *http.Request {
	out := req.Clone(ctx.Context())
	out.RequestURI = ""
	out.URL.Scheme = string(rc.Scheme)
	if out.URL.Host == "" {
		out.URL.Host = rc.Authority().String()
	}
	if out.Host == "" {
		out.Host = out.URL.Host
	}
	return out
}

func negotiatedH2(conn net.Conn) bool {
	var (
		state tls.ConnectionState
		ok    bool
	)
	switch c := conn.(type) {
	case *tlsconn.AutoConn:
		state, ok = c.ConnectionState()
	case *tls.Conn:
		state, ok = c.ConnectionState(), true
	}
	return ok && state.NegotiatedProtocol == http2.NextProtoTLS
}

func roundTripH1(conn net.Conn, req *http.Request) (*http.Response, error) {
	// One request per connection.
	req.Close = true

	stop := contextCloser(req, conn)
	if err := req.Write(conn); err != nil {
		stop()
		conn.Close()
		return nil, fmt.Errorf("httpclient: writing request: %w", err)
	}
	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		stop()
		conn.Close()
		return nil, fmt.Errorf("httpclient: reading response: %w", err)
	}
	resp.Body = &closingBody{ReadCloser: resp.Body, closers: []io.Closer{conn}, stop: stop}
	return resp, nil
}

func roundTripH2(conn net.Conn, req *http.Request) (*http.Response, error) {
	cc, err := (&http2.Transport{}).NewClientConn(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("httpclient: starting http2: %w", err)
	}
	resp, err := cc.RoundTrip(req)
	if err != nil {
		cc.Close()
		return nil, err
	}
	resp.Body = &closingBody{ReadCloser: resp.Body, closers: []io.Closer{cc, conn}, stop: func() bool { return true }}
	return resp, nil
}

// contextCloser closes conn when the request's context is done before the
// returned stop function is called.
func contextCloser(req *http.Request, conn net.Conn) func() bool {
	ctx := req.Context()
	done := make(chan struct{})
	var once sync.Once
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	return func() bool {
		once.Do(func() { close(done) })
		return ctx.Err() == nil
	}
}

// closingBody closes the connection once the body is closed.
type closingBody struct {
	io.ReadCloser
	closers []io.Closer
	stop    func() bool
	once    sync.Once
}

func (b *closingBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(func() {
		b.stop()
		for _, c := range b.closers {
			_ = c.Close()
		}
	})
	return err
}

// hopHeaders are removed from proxied requests and responses.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// RemoveHopHeaders deletes hop-by-hop headers from h, including those named
// in its Connection header.
func RemoveHopHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// Proxy forwards requests with client after removing hop-by-hop headers, and
// answers with 500 Internal Server Error when the upstream exchange fails.
func Proxy(client service.Service[*http.Request, *http.Response], loggers ldlog.Loggers) service.Service[*http.Request, *http.Response] {
	return service.ServiceFunc[*http.Request, *http.Response](func(ctx *service.Context, req *http.Request) (*http.Response, error) {
		out := req.Clone(req.Context())
		RemoveHopHeaders(out.Header)
		resp, err := client.Serve(ctx, out)
		if err != nil {
			loggers.Errorf("Error in client request to %s: %v", req.Host, err)
			return httpkit.NewResponse(req, http.StatusInternalServerError, ""), nil
		}
		RemoveHopHeaders(resp.Header)
		return resp, nil
	})
}
