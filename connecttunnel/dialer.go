package connecttunnel

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"lds.li/netpipe/tcp"
)

// Dialer establishes network connections through a tunnel.
// All client implementations satisfy this interface.
type Dialer interface {
	// DialContext connects to the address on the named network using the provided context.
	// The network must be "tcp", "tcp4", or "tcp6".
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// ClientConfig configures client-side tunnel dialers.
type ClientConfig struct {
	// ProxyURL is the URL of the proxy server (e.g., "http://proxy.example.com:8080").
	// Required. Scheme must be "http" or "https".
	ProxyURL string

	// TLSConfig specifies the TLS configuration for HTTPS proxies.
	// Optional. Only used when ProxyURL scheme is "https".
	TLSConfig *tls.Config

	// HeadersForRequest is called if present for a given request to get
	// additional headers to send with the CONNECT request. If nil, no
	// additional headers are sent. Used for authentication etc.
	HeadersForRequest func(req *http.Request) (http.Header, error)

	// DialContext specifies an optional dialer for establishing the proxy connection.
	// If nil, a tcp.Connector is used.
	// This can be used to chain proxies or customize the transport layer.
	DialContext tcp.DialFunc
}

func (c *ClientConfig) dial() tcp.DialFunc {
	if c.DialContext != nil {
		return c.DialContext
	}
	return (&tcp.Connector{}).DialContext
}

func (c *ClientConfig) proxyURL(schemes ...string) (*url.URL, error) {
	u, err := url.Parse(c.ProxyURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProxyURL, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: %q has no host", ErrInvalidProxyURL, c.ProxyURL)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return u, nil
		}
	}
	return nil, fmt.Errorf("%w: scheme %q, want %s", ErrInvalidProxyURL, u.Scheme, strings.Join(schemes, " or "))
}

func (c *ClientConfig) addHeaders(req *http.Request) error {
	if c.HeadersForRequest == nil {
		return nil
	}
	h, err := c.HeadersForRequest(req)
	if err != nil {
		return fmt.Errorf("%w: failed to get additional headers: %v", ErrProxyConnect, err)
	}
	for k, v := range h {
		req.Header[k] = v
	}
	return nil
}

// NewDialer picks a dialer from the proxy URL scheme: HTTP/2 for https,
// HTTP/1.1 for http, and h2c for h2c.
func NewDialer(cfg *ClientConfig) (Dialer, error) {
	if cfg == nil {
		cfg = &ClientConfig{}
	}
	u, err := cfg.proxyURL("http", "https", "h2c")
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		return NewH2Dialer(cfg)
	case "h2c":
		c := *cfg
		c.ProxyURL = "http://" + u.Host
		return NewH2CDialer(&c)
	default:
		return NewH1Dialer(cfg)
	}
}

func checkNetwork(network string) error {
	if !strings.HasPrefix(network, "tcp") {
		return fmt.Errorf("%w: %s", ErrUnsupportedNetwork, network)
	}
	return nil
}

// statusError turns a non-200 CONNECT response into a ProxyError.
func statusError(resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	resp.Body.Close()
	return &ProxyError{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Message:    strings.TrimSpace(string(msg)),
	}
}
