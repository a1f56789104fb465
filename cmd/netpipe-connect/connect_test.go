package main

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/launchdarkly/go-sdk-common/v3/ldlogtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"lds.li/netpipe/connecttunnel"
	"lds.li/netpipe/graceful"
	"lds.li/netpipe/service"
	"lds.li/netpipe/tcp"
)

func TestParseForward(t *testing.T) {
	f, err := parseForward("localhost:8080=example.com:80")
	require.NoError(t, err)
	assert.Equal(t, forward{name: "localhost:8080", listen: "localhost:8080", remote: "example.com:80"}, f)

	f, err = parseForward("web=:8080=example.com:443")
	require.NoError(t, err)
	assert.Equal(t, forward{name: "web", listen: ":8080", remote: "example.com:443"}, f)

	for _, bad := range []string{
		"localhost:8080",
		"a=b=c=d",
		"localhost=example.com:80",
		"localhost:8080=example.com",
		"localhost:8080=:80",
		"=localhost:8080=example.com:80",
	} {
		_, err := parseForward(bad)
		assert.Error(t, err, bad)
	}
}

func TestNewDialer(t *testing.T) {
	_, err := newDialer(&connecttunnel.ClientConfig{ProxyURL: "https://proxy.example.com"}, "")
	assert.NoError(t, err)
	_, err = newDialer(&connecttunnel.ClientConfig{ProxyURL: "https://proxy.example.com"}, "h1")
	assert.NoError(t, err)
	_, err = newDialer(&connecttunnel.ClientConfig{ProxyURL: "http://proxy.example.com"}, "h2c")
	assert.NoError(t, err)
	_, err = newDialer(&connecttunnel.ClientConfig{ProxyURL: "http://proxy.example.com"}, "h2")
	assert.ErrorIs(t, err, connecttunnel.ErrInvalidProxyURL)
	_, err = newDialer(&connecttunnel.ClientConfig{ProxyURL: "http://proxy.example.com"}, "h3")
	assert.ErrorContains(t, err, "invalid proxy type")
}

func TestAuthHeaders(t *testing.T) {
	h, err := staticAuth("").headers(nil)
	require.NoError(t, err)
	assert.Nil(t, h)

	h, err = staticAuth("Basic dXNlcjpwYXNz").headers(nil)
	require.NoError(t, err)
	assert.Equal(t, "Basic dXNlcjpwYXNz", h.Get("Proxy-Authorization"))

	token := (&oauth2.Token{AccessToken: "access"}).WithExtra(map[string]any{"id_token": "id.token.value"})
	h, err = idTokenAuth{oauth2.StaticTokenSource(token)}.headers(nil)
	require.NoError(t, err)
	assert.Equal(t, "Bearer id.token.value", h.Get("Proxy-Authorization"))

	_, err = idTokenAuth{oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "access"})}.headers(nil)
	assert.ErrorIs(t, err, errNoIDToken)
}

func TestSplitScopes(t *testing.T) {
	assert.Equal(t, []string{"openid", "email"}, splitScopes("openid, email,"))
	assert.Nil(t, splitScopes(""))
}

func echoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_, _ = io.Copy(conn, conn)
			}()
		}
	}()
	return ln.Addr().String()
}

// remoteProxy starts a CONNECT proxy recording the Proxy-Authorization
// header of each tunnel.
func remoteProxy(t *testing.T) (*httptest.Server, func() []string) {
	t.Helper()
	var (
		mu   sync.Mutex
		seen []string
	)
	srv := httptest.NewServer(connecttunnel.NewHandler(connecttunnel.ServerConfig{
		OnTunnel: func(_ context.Context, req *http.Request) error {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, req.Header.Get("Proxy-Authorization"))
			return nil
		},
	}))
	t.Cleanup(srv.Close)
	return srv, func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), seen...)
	}
}

func serve(t *testing.T, svc service.Service[net.Conn, struct{}]) string {
	t.Helper()
	mockLog := ldlogtest.NewMockLog()
	ln, err := tcp.Bind("127.0.0.1:0", mockLog.Loggers)
	require.NoError(t, err)
	shutdown := graceful.New(context.Background(), mockLog.Loggers)
	shutdown.Spawn(func(g graceful.Guard) {
		_ = ln.ServeGraceful(g, svc)
	})
	t.Cleanup(func() { _ = shutdown.Shutdown(time.Second) })
	return ln.Addr().String()
}

func assertEcho(t *testing.T, conn io.ReadWriter, r io.Reader) {
	t.Helper()
	_, err := conn.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(r, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))
}

func TestLocalProxy(t *testing.T) {
	target := echoServer(t)
	remote, seen := remoteProxy(t)
	dialer, err := newDialer(&connecttunnel.ClientConfig{
		ProxyURL:          remote.URL,
		HeadersForRequest: staticAuth("Basic am9objpzZWNyZXQ=").headers,
	}, "")
	require.NoError(t, err)

	mockLog := ldlogtest.NewMockLog()
	addr := serve(t, localProxy(dialer, 5*time.Second, mockLog.Loggers))

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	_, err = fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", target, target)
	require.NoError(t, err)
	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodConnect})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assertEcho(t, conn, br)
	assert.Equal(t, []string{"Basic am9objpzZWNyZXQ="}, seen())
}

func TestLocalProxyRejectsPlainRequests(t *testing.T) {
	remote, _ := remoteProxy(t)
	dialer, err := newDialer(&connecttunnel.ClientConfig{ProxyURL: remote.URL}, "h1")
	require.NoError(t, err)
	addr := serve(t, localProxy(dialer, 5*time.Second, ldlogtest.NewMockLog().Loggers))

	resp, err := http.Get("http://" + addr + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestForward(t *testing.T) {
	target := echoServer(t)
	remote, seen := remoteProxy(t)
	dialer, err := newDialer(&connecttunnel.ClientConfig{ProxyURL: remote.URL}, "")
	require.NoError(t, err)

	mockLog := ldlogtest.NewMockLog()
	fwd := &forwardService{remote: target, dialer: dialer, timeout: 5 * time.Second, loggers: mockLog.Loggers}
	addr := serve(t, connections(fwd, mockLog.Loggers))

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	assertEcho(t, conn, conn)
	assert.Equal(t, []string{""}, seen())
}

func TestForwardDialFailure(t *testing.T) {
	remote, _ := remoteProxy(t)
	dialer, err := newDialer(&connecttunnel.ClientConfig{ProxyURL: remote.URL}, "")
	require.NoError(t, err)

	// Nothing listens on port 1.
	fwd := &forwardService{remote: "127.0.0.1:1", dialer: dialer, timeout: 5 * time.Second, loggers: ldlogtest.NewMockLog().Loggers}
	client, server := net.Pipe()
	defer client.Close()
	_, err = fwd.Serve(service.NewContext(context.Background(), nil, nil), server)
	assert.ErrorContains(t, err, "failed to dial 127.0.0.1:1")
}

func TestTunnelStdio(t *testing.T) {
	target := echoServer(t)
	conn, err := net.Dial("tcp", target)
	require.NoError(t, err)

	var out bytes.Buffer
	err = tunnelStdio(context.Background(), conn, strings.NewReader("hello through stdio"), &out)
	require.NoError(t, err)
	assert.Equal(t, "hello through stdio", out.String())
}

func TestTunnelStdioCancel(t *testing.T) {
	target := echoServer(t)
	conn, err := net.Dial("tcp", target)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	in, _ := io.Pipe()
	done := make(chan error, 1)
	go func() { done <- tunnelStdio(ctx, conn, in, io.Discard) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("tunnel did not stop on cancel")
	}
}
