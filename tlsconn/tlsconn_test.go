package tlsconn

import (
	"bufio"
	"crypto/tls"
	"crypto/x509"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/prep/socketpair"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lds.li/netpipe/httpkit"
	"lds.li/netpipe/internal/testcerts"
	"lds.li/netpipe/service"
)

// pipeConnector hands out one end of a socket pair and sends the other end
// to peers.
type pipeConnector struct {
	peers chan net.Conn
}

func newPipeConnector() *pipeConnector {
	return &pipeConnector{peers: make(chan net.Conn, 1)}
}

func (p *pipeConnector) Serve(_ *service.Context, req *http.Request) (*httpkit.EstablishedConn, error) {
	client, server, err := socketpair.New("unix")
	if err != nil {
		return nil, err
	}
	p.peers <- server
	return &httpkit.EstablishedConn{Req: req, Conn: client, Addr: "pipe"}, nil
}

type peekedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *peekedConn) Read(b []byte) (int, error) { return c.r.Read(b) }

// firstByte reads the first byte the client sends without consuming it.
func firstByte(t *testing.T, conn net.Conn) (byte, net.Conn) {
	t.Helper()
	r := bufio.NewReader(conn)
	b, err := r.Peek(1)
	require.NoError(t, err)
	return b[0], &peekedConn{Conn: conn, r: r}
}

func TestAutoPlainForInsecureScheme(t *testing.T) {
	pc := newPipeConnector()
	c := Auto(pc)

	req := httptest.NewRequest(http.MethodGet, "http://plain.example/", nil)
	est, err := c.Serve(service.Background(), req)
	require.NoError(t, err)
	defer est.Conn.Close()

	auto, ok := est.Conn.(*AutoConn)
	require.True(t, ok)
	assert.False(t, auto.IsSecure())
	assert.Equal(t, KindPlain, auto.Kind())
	_, hasState := auto.ConnectionState()
	assert.False(t, hasState)

	peer := <-pc.peers
	go func() { _, _ = io.WriteString(est.Conn, "GET / HTTP/1.1\r\n") }()
	first, _ := firstByte(t, peer)
	assert.Equal(t, byte('G'), first)
}

func secureFixture(t *testing.T, mode Mode, target string) (*httpkit.EstablishedConn, *service.Context, byte) {
	t.Helper()
	pair := testcerts.New(t, "secure.example")
	pc := newPipeConnector()
	c := &Connector{inner: pc, mode: mode}

	ctx := service.Background()
	service.Insert(ctx.Extensions(), pair.ClientConfig())

	firstCh := make(chan byte, 1)
	go func() {
		peer := <-pc.peers
		first, replay := firstByte(t, peer)
		firstCh <- first
		srv := tls.Server(replay, pair.ServerConfig())
		if err := srv.Handshake(); err != nil {
			return
		}
		_, _ = io.Copy(srv, srv)
	}()

	req := httptest.NewRequest(http.MethodGet, target, nil)
	est, err := c.Serve(ctx, req)
	require.NoError(t, err)
	t.Cleanup(func() { est.Conn.Close() })
	return est, ctx, <-firstCh
}

func TestAutoSecureForHTTPS(t *testing.T) {
	est, _, first := secureFixture(t, ModeAuto, "https://secure.example/")
	auto := est.Conn.(*AutoConn)
	assert.Equal(t, byte(0x16), first)
	assert.True(t, auto.IsSecure())

	state, ok := auto.ConnectionState()
	require.True(t, ok)
	assert.True(t, state.HandshakeComplete)

	_, err := io.WriteString(auto, "ping")
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(auto, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))
}

func TestSecureOnlyUpgradesScheme(t *testing.T) {
	est, ctx, first := secureFixture(t, ModeSecureOnly, "http://secure.example/")
	assert.Equal(t, byte(0x16), first)
	assert.True(t, est.Conn.(*AutoConn).IsSecure())
	assert.Equal(t, "https", est.Req.URL.Scheme)

	rc, ok := service.Get[*httpkit.RequestContext](ctx.Extensions())
	require.True(t, ok)
	assert.Equal(t, httpkit.SchemeHTTPS, rc.Scheme)
	assert.Equal(t, 443, rc.Port)

	est, ctx, _ = secureFixture(t, ModeSecureOnly, "ws://secure.example/")
	assert.Equal(t, "wss", est.Req.URL.Scheme)
	rc, _ = service.Get[*httpkit.RequestContext](ctx.Extensions())
	assert.Equal(t, httpkit.SchemeWSS, rc.Scheme)
	assert.Equal(t, 443, rc.Port)
}

func TestSecureOnlyKeepsExplicitPort(t *testing.T) {
	est, ctx, _ := secureFixture(t, ModeSecureOnly, "http://secure.example:8080/")
	assert.Equal(t, "https", est.Req.URL.Scheme)
	rc, _ := service.Get[*httpkit.RequestContext](ctx.Extensions())
	assert.Equal(t, 8080, rc.Port)
}

func TestHandshakeUsesDefaultConfigWithoutOverride(t *testing.T) {
	pair := testcerts.New(t, "secure.example")
	pc := newPipeConnector()
	go func() {
		peer := <-pc.peers
		_ = tls.Server(peer, pair.ServerConfig()).Handshake()
		peer.Close()
	}()

	_, err := Auto(pc).Serve(service.Background(), httptest.NewRequest(http.MethodGet, "https://secure.example/", nil))
	require.Error(t, err)
	var unknown x509.UnknownAuthorityError
	assert.ErrorAs(t, err, &unknown)
}

func TestMissingHost(t *testing.T) {
	pc := newPipeConnector()
	req := &http.Request{Method: http.MethodGet, URL: &url.URL{Scheme: "https", Path: "/"}, Header: http.Header{}}
	_, err := Auto(pc).Serve(service.Background(), req)
	assert.ErrorIs(t, err, ErrMissingHost)
}

func TestDefaultClientConfigIsSingleton(t *testing.T) {
	a := DefaultClientConfig()
	b := DefaultClientConfig()
	assert.Same(t, a, b)
	assert.Equal(t, []string{"h2", "http/1.1"}, a.NextProtos)
	assert.Empty(t, a.ServerName)
}

func TestAcceptor(t *testing.T) {
	_, err := NewAcceptor(&tls.Config{})
	assert.ErrorIs(t, err, ErrMissingCertificate)
	_, err = LoadAcceptor("", "")
	assert.ErrorIs(t, err, ErrMissingCertificate)

	pair := testcerts.New(t, "secure.example")
	certFile, keyFile := pair.WriteFiles(t, t.TempDir())
	acceptor, err := LoadAcceptor(certFile, keyFile, "http/1.1")
	require.NoError(t, err)

	client, server, err := socketpair.New("unix")
	require.NoError(t, err)
	defer client.Close()

	var sawTLS bool
	svc := acceptor.Layer(service.ServiceFunc[net.Conn, struct{}](func(ctx *service.Context, conn net.Conn) (struct{}, error) {
		_, sawTLS = conn.(*tls.Conn)
		_, err := io.Copy(conn, io.LimitReader(conn, 2))
		return struct{}{}, err
	}))

	done := make(chan error, 1)
	go func() {
		_, err := svc.Serve(service.Background(), server)
		done <- err
	}()

	cc := tls.Client(client, &tls.Config{RootCAs: pair.Pool, ServerName: "secure.example", NextProtos: []string{"http/1.1"}})
	_, err = cc.Write([]byte("hi"))
	require.NoError(t, err)
	buf := make([]byte, 2)
	_, err = io.ReadFull(cc, buf)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(buf))
	assert.Equal(t, "http/1.1", cc.ConnectionState().NegotiatedProtocol)
	require.NoError(t, <-done)
	assert.True(t, sawTLS)
}

func TestAcceptorHandshakeFailure(t *testing.T) {
	pair := testcerts.New(t, "secure.example")
	acceptor, err := NewAcceptor(pair.ServerConfig())
	require.NoError(t, err)

	client, server, err := socketpair.New("unix")
	require.NoError(t, err)
	defer server.Close()
	_, err = client.Write([]byte("GET / HTTP/1.1\r\n\r\n"))
	require.NoError(t, err)
	client.Close()

	_, err = acceptor.Layer(service.ServiceFunc[net.Conn, struct{}](func(*service.Context, net.Conn) (struct{}, error) {
		t.Fatal("inner service must not run")
		return struct{}{}, nil
	})).Serve(service.Background(), server)
	assert.Error(t, err)
}

func TestHandshakeLayer(t *testing.T) {
	pair := testcerts.New(t, "secure.example")

	client, server, err := socketpair.New("unix")
	require.NoError(t, err)
	defer client.Close()

	var negotiated string
	svc := Handshake(time.Second).Layer(service.ServiceFunc[net.Conn, struct{}](func(ctx *service.Context, conn net.Conn) (struct{}, error) {
		if state, ok := service.Get[tls.ConnectionState](ctx.Extensions()); ok {
			negotiated = state.NegotiatedProtocol
		}
		_, err := io.Copy(conn, io.LimitReader(conn, 2))
		return struct{}{}, err
	}))

	done := make(chan error, 1)
	go func() {
		_, err := svc.Serve(service.Background(), tls.Server(server, pair.ServerConfig("h2")))
		done <- err
	}()

	cc := tls.Client(client, &tls.Config{RootCAs: pair.Pool, ServerName: "secure.example", NextProtos: []string{"h2"}})
	_, err = cc.Write([]byte("hi"))
	require.NoError(t, err)
	buf := make([]byte, 2)
	_, err = io.ReadFull(cc, buf)
	require.NoError(t, err)
	require.NoError(t, <-done)
	assert.Equal(t, "h2", negotiated)

	// Plain connections pass through untouched.
	a, b, err := socketpair.New("unix")
	require.NoError(t, err)
	defer a.Close()
	defer b.Close()
	var passed net.Conn
	_, err = Handshake(time.Second).Layer(service.ServiceFunc[net.Conn, struct{}](func(_ *service.Context, conn net.Conn) (struct{}, error) {
		passed = conn
		return struct{}{}, nil
	})).Serve(service.Background(), b)
	require.NoError(t, err)
	assert.Same(t, b, passed)
}
