package connecttunnel

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"

	"golang.org/x/net/http2"
)

// h2Dialer implements Dialer for HTTP/2 CONNECT proxies. All tunnels from
// one dialer share the transport's connection to the proxy.
type h2Dialer struct {
	cfg       *ClientConfig
	proxyURL  *url.URL
	transport *http2.Transport
}

// NewH2Dialer creates a Dialer that connects through an HTTP/2 proxy.
// The proxy URL must use "https" scheme (HTTP/2 over TLS).
// For HTTP/2 cleartext (h2c), use NewH2CDialer instead.
func NewH2Dialer(cfg *ClientConfig) (Dialer, error) {
	if cfg == nil {
		cfg = &ClientConfig{}
	}
	proxyURL, err := cfg.proxyURL("https")
	if err != nil {
		return nil, err
	}

	transport := &http2.Transport{
		TLSClientConfig: cfg.TLSConfig,
	}
	if cfg.DialContext != nil {
		dial := cfg.DialContext
		transport.DialTLSContext = func(ctx context.Context, network, addr string, tlsCfg *tls.Config) (net.Conn, error) {
			conn, err := dial(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			tc := tls.Client(conn, tlsCfg)
			if err := tc.HandshakeContext(ctx); err != nil {
				conn.Close()
				return nil, err
			}
			return tc, nil
		}
	}

	return &h2Dialer{cfg: cfg, proxyURL: proxyURL, transport: transport}, nil
}

// NewH2CDialer creates a Dialer that connects through an HTTP/2 cleartext (h2c) proxy.
// The proxy URL must use "http" scheme.
func NewH2CDialer(cfg *ClientConfig) (Dialer, error) {
	if cfg == nil {
		cfg = &ClientConfig{}
	}
	proxyURL, err := cfg.proxyURL("http")
	if err != nil {
		return nil, err
	}

	dial := cfg.dial()
	transport := &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			return dial(ctx, network, addr)
		},
	}

	return &h2Dialer{cfg: cfg, proxyURL: proxyURL, transport: transport}, nil
}

// DialContext establishes a connection through the HTTP/2 proxy.
func (d *h2Dialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if err := checkNetwork(network); err != nil {
		return nil, err
	}

	// Writes to pw become the request body, which is the client to target
	// half of the tunnel.
	pr, pw := io.Pipe()

	req := &http.Request{
		Method:        http.MethodConnect,
		URL:           d.proxyURL,
		Host:          address,
		Header:        make(http.Header),
		Body:          pr,
		ContentLength: -1,
	}
	if err := d.cfg.addHeaders(req); err != nil {
		pw.Close()
		return nil, err
	}

	// The stream outlives ctx once established, ctx only bounds the
	// exchange.
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, cancel)
	req = req.WithContext(streamCtx)

	// Returns once the response headers are in.
	resp, err := d.transport.RoundTrip(req)
	if err != nil {
		stop()
		cancel()
		pw.Close()
		return nil, fmt.Errorf("%w: %v", ErrProxyConnect, err)
	}
	if resp.StatusCode != http.StatusOK {
		stop()
		err := statusError(resp)
		cancel()
		pw.Close()
		return nil, err
	}
	if !stop() {
		resp.Body.Close()
		pw.Close()
		return nil, fmt.Errorf("%w: %v", ErrProxyConnect, ctx.Err())
	}

	return newStreamConn(resp.Body, pw, cancel, address), nil
}
