package connecttunnel

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
)

// h1Dialer implements Dialer for HTTP/1.1 CONNECT proxies.
type h1Dialer struct {
	cfg       *ClientConfig
	proxyAddr string
	proxyHost string
	useTLS    bool
	dial      func(ctx context.Context, network, address string) (net.Conn, error)
}

// NewH1Dialer creates a Dialer that connects through an HTTP/1.1 proxy.
// The proxy URL must use "http" or "https" scheme.
func NewH1Dialer(cfg *ClientConfig) (Dialer, error) {
	if cfg == nil {
		cfg = &ClientConfig{}
	}
	proxyURL, err := cfg.proxyURL("http", "https")
	if err != nil {
		return nil, err
	}

	useTLS := proxyURL.Scheme == "https"
	proxyAddr := proxyURL.Host
	if proxyURL.Port() == "" {
		if useTLS {
			proxyAddr = net.JoinHostPort(proxyAddr, "443")
		} else {
			proxyAddr = net.JoinHostPort(proxyAddr, "80")
		}
	}

	return &h1Dialer{
		cfg:       cfg,
		proxyAddr: proxyAddr,
		proxyHost: proxyURL.Hostname(),
		useTLS:    useTLS,
		dial:      cfg.dial(),
	}, nil
}

// DialContext establishes a connection through the HTTP/1.1 proxy.
func (d *h1Dialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if err := checkNetwork(network); err != nil {
		return nil, err
	}

	conn, err := d.dial(ctx, network, d.proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProxyConnect, err)
	}

	if d.useTLS {
		tlsConfig := d.cfg.TLSConfig
		if tlsConfig == nil {
			tlsConfig = &tls.Config{ServerName: d.proxyHost}
		} else if tlsConfig.ServerName == "" {
			tlsConfig = tlsConfig.Clone()
			tlsConfig.ServerName = d.proxyHost
		}
		tc := tls.Client(conn, tlsConfig)
		if err := tc.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%w: %v", ErrProxyConnect, err)
		}
		conn = tc
	}

	req := &http.Request{
		Method:     http.MethodConnect,
		URL:        &url.URL{Opaque: address},
		Host:       address,
		Header:     make(http.Header),
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
	}
	if err := d.cfg.addHeaders(req); err != nil {
		conn.Close()
		return nil, err
	}

	// The exchange must not outlive ctx.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: failed to write request: %v", ErrProxyConnect, err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: failed to read response: %v", ErrProxyConnect, err)
	}

	if resp.StatusCode != http.StatusOK {
		err := statusError(resp)
		conn.Close()
		return nil, err
	}
	resp.Body.Close()

	if !stop() {
		return nil, fmt.Errorf("%w: %v", ErrProxyConnect, ctx.Err())
	}
	return &bufferedConn{
		Conn:   conn,
		reader: br,
	}, nil
}
