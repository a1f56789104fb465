package connecttunnel

import (
	"context"
	"crypto/tls"
	"errors"
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
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// echoListener echoes raw bytes back on every accepted connection.
func echoListener(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer func() { _ = c.Close() }()
				_, _ = io.Copy(c, c)
			}(conn)
		}
	}()
	return l.Addr().String()
}

func echoHTTPServer(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(w, r.Body)
	}))
	t.Cleanup(srv.Close)
	return strings.TrimPrefix(srv.URL, "http://")
}

// postThrough sends an HTTP request through the tunnel and returns what came
// back.
func postThrough(t *testing.T, conn net.Conn, echoAddr, message string) string {
	t.Helper()
	req := fmt.Sprintf("POST / HTTP/1.1\r\nHost: %s\r\nContent-Length: %d\r\n\r\n%s",
		echoAddr, len(message), message)
	_, err := conn.Write([]byte(req))
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var got strings.Builder
	buf := make([]byte, 4096)
	for !strings.Contains(got.String(), message) {
		n, err := conn.Read(buf)
		got.Write(buf[:n])
		if err != nil {
			break
		}
	}
	return got.String()
}

func testServerConfig(t *testing.T) ServerConfig {
	return ServerConfig{
		OnTunnel: func(ctx context.Context, req *http.Request) error {
			t.Logf("Tunnel to: %s (proto: %s)", req.Host, req.Proto)
			return nil
		},
		Loggers: ldlogtest.NewMockLog().Loggers,
	}
}

// TestH1ServerClient tests HTTP/1.1 CONNECT tunnel.
func TestH1ServerClient(t *testing.T) {
	echoAddr := echoHTTPServer(t)
	proxyServer := httptest.NewServer(NewHandler(testServerConfig(t)))
	defer proxyServer.Close()

	dialer, err := NewH1Dialer(&ClientConfig{ProxyURL: proxyServer.URL})
	require.NoError(t, err)

	conn, err := dialer.DialContext(context.Background(), "tcp", echoAddr)
	require.NoError(t, err)
	defer conn.Close()

	assert.Contains(t, postThrough(t, conn, echoAddr, "Hello, World!"), "Hello, World!")
}

// TestH2ServerClient tests HTTP/2 CONNECT tunnel over TLS.
func TestH2ServerClient(t *testing.T) {
	echoAddr := echoHTTPServer(t)
	proxyServer := httptest.NewUnstartedServer(NewHandler(testServerConfig(t)))
	proxyServer.EnableHTTP2 = true
	proxyServer.StartTLS()
	defer proxyServer.Close()

	dialer, err := NewH2Dialer(&ClientConfig{
		ProxyURL:  proxyServer.URL,
		TLSConfig: &tls.Config{InsecureSkipVerify: true},
	})
	require.NoError(t, err)

	conn, err := dialer.DialContext(context.Background(), "tcp", echoAddr)
	require.NoError(t, err)
	defer conn.Close()

	assert.Contains(t, postThrough(t, conn, echoAddr, "Hello, HTTP/2!"), "Hello, HTTP/2!")
}

// TestH2CServerClient tests HTTP/2 cleartext (h2c) CONNECT tunnel.
func TestH2CServerClient(t *testing.T) {
	echoAddr := echoHTTPServer(t)

	h1s := &http.Server{
		Handler: h2c.NewHandler(NewHandler(testServerConfig(t)), &http2.Server{}),
	}
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = h1s.Serve(listener) }()
	defer h1s.Close()

	dialer, err := NewH2CDialer(&ClientConfig{ProxyURL: "http://" + listener.Addr().String()})
	require.NoError(t, err)

	conn, err := dialer.DialContext(context.Background(), "tcp", echoAddr)
	require.NoError(t, err)
	defer conn.Close()

	assert.Contains(t, postThrough(t, conn, echoAddr, "Hello, h2c!"), "Hello, h2c!")
}

// TestTunnelRejection tests that OnTunnel callback can reject connections.
func TestTunnelRejection(t *testing.T) {
	proxyServer := httptest.NewServer(NewHandler(ServerConfig{
		OnTunnel: func(ctx context.Context, req *http.Request) error {
			return errors.New("access denied")
		},
	}))
	defer proxyServer.Close()

	dialer, err := NewH1Dialer(&ClientConfig{ProxyURL: proxyServer.URL})
	require.NoError(t, err)

	_, err = dialer.DialContext(context.Background(), "tcp", "example.com:80")
	require.Error(t, err)

	var proxyErr *ProxyError
	require.ErrorAs(t, err, &proxyErr)
	assert.Equal(t, http.StatusForbidden, proxyErr.StatusCode)
	assert.Equal(t, "Forbidden", proxyErr.Message)
	assert.ErrorIs(t, err, &ProxyError{})
}

func TestNonConnectRequests(t *testing.T) {
	proxyServer := httptest.NewServer(NewHandler(ServerConfig{}))
	defer proxyServer.Close()

	resp, err := http.Get(proxyServer.URL + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Equal(t, http.MethodConnect, resp.Header.Get("Allow"))
}

func TestHeadersForRequest(t *testing.T) {
	echoAddr := echoListener(t)
	seen := make(chan string, 1)
	proxyServer := httptest.NewServer(NewHandler(ServerConfig{
		OnTunnel: func(ctx context.Context, req *http.Request) error {
			seen <- req.Header.Get("Proxy-Authorization")
			return nil
		},
	}))
	defer proxyServer.Close()

	dialer, err := NewH1Dialer(&ClientConfig{
		ProxyURL: proxyServer.URL,
		HeadersForRequest: func(req *http.Request) (http.Header, error) {
			return http.Header{"Proxy-Authorization": []string{"Bearer t0ken"}}, nil
		},
	})
	require.NoError(t, err)
	conn, err := dialer.DialContext(context.Background(), "tcp", echoAddr)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, "Bearer t0ken", <-seen)

	failing, err := NewH1Dialer(&ClientConfig{
		ProxyURL: proxyServer.URL,
		HeadersForRequest: func(req *http.Request) (http.Header, error) {
			return nil, errors.New("no token")
		},
	})
	require.NoError(t, err)
	_, err = failing.DialContext(context.Background(), "tcp", echoAddr)
	assert.ErrorIs(t, err, ErrProxyConnect)
}

// TestH2Multiplexing verifies that multiple concurrent tunnels
// can be established over a single HTTP/2 connection.
func TestH2Multiplexing(t *testing.T) {
	const numEchos = 5
	echoAddrs := make([]string, numEchos)
	for i := range echoAddrs {
		echoAddrs[i] = echoListener(t)
	}

	var (
		mu    sync.Mutex
		conns = map[string]bool{}
	)
	proxyServer := httptest.NewUnstartedServer(NewHandler(ServerConfig{
		OnTunnel: func(ctx context.Context, req *http.Request) error {
			mu.Lock()
			conns[req.RemoteAddr] = true
			mu.Unlock()
			return nil
		},
	}))
	proxyServer.EnableHTTP2 = true
	proxyServer.StartTLS()
	defer proxyServer.Close()

	dialer, err := NewH2Dialer(&ClientConfig{
		ProxyURL:  proxyServer.URL,
		TLSConfig: &tls.Config{InsecureSkipVerify: true},
	})
	require.NoError(t, err)

	// Open the shared connection first so the concurrent dials reuse it.
	first, err := dialer.DialContext(context.Background(), "tcp", echoAddrs[0])
	require.NoError(t, err)
	defer first.Close()

	var wg sync.WaitGroup
	errs := make(chan error, numEchos)
	for i := 0; i < numEchos; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			conn, err := dialer.DialContext(context.Background(), "tcp", echoAddrs[idx])
			if err != nil {
				errs <- err
				return
			}
			defer func() { _ = conn.Close() }()

			message := []byte(fmt.Sprintf("test-%d", idx))
			if _, err := conn.Write(message); err != nil {
				errs <- err
				return
			}
			buf := make([]byte, len(message))
			if _, err := io.ReadFull(conn, buf); err != nil {
				errs <- err
				return
			}
			if string(buf) != string(message) {
				errs <- fmt.Errorf("tunnel %d: expected %q, got %q", idx, message, buf)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("Tunnel error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, conns, 1)
}

func TestChainedDialers(t *testing.T) {
	echoAddr := echoListener(t)
	outer := httptest.NewServer(NewHandler(ServerConfig{}))
	defer outer.Close()
	inner := httptest.NewServer(NewHandler(ServerConfig{}))
	defer inner.Close()

	first, err := NewH1Dialer(&ClientConfig{ProxyURL: outer.URL})
	require.NoError(t, err)
	second, err := NewH1Dialer(&ClientConfig{
		ProxyURL:    inner.URL,
		DialContext: first.DialContext,
	})
	require.NoError(t, err)

	conn, err := second.DialContext(context.Background(), "tcp", echoAddr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = io.WriteString(conn, "chained")
	require.NoError(t, err)
	buf := make([]byte, len("chained"))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "chained", string(buf))
}

func TestHalfCloseThroughH2(t *testing.T) {
	echoAddr := echoListener(t)
	proxyServer := httptest.NewUnstartedServer(NewHandler(ServerConfig{}))
	proxyServer.EnableHTTP2 = true
	proxyServer.StartTLS()
	defer proxyServer.Close()

	dialer, err := NewH2Dialer(&ClientConfig{
		ProxyURL:  proxyServer.URL,
		TLSConfig: &tls.Config{InsecureSkipVerify: true},
	})
	require.NoError(t, err)
	conn, err := dialer.DialContext(context.Background(), "tcp", echoAddr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = io.WriteString(conn, "bye")
	require.NoError(t, err)
	require.NoError(t, conn.(interface{ CloseWrite() error }).CloseWrite())
	got, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, "bye", string(got))
}

func TestDialerConfigErrors(t *testing.T) {
	_, err := NewH1Dialer(&ClientConfig{ProxyURL: "ftp://proxy:21"})
	assert.ErrorIs(t, err, ErrInvalidProxyURL)
	_, err = NewH2Dialer(&ClientConfig{ProxyURL: "http://proxy:80"})
	assert.ErrorIs(t, err, ErrInvalidProxyURL)
	_, err = NewH2CDialer(&ClientConfig{ProxyURL: "https://proxy:443"})
	assert.ErrorIs(t, err, ErrInvalidProxyURL)
	_, err = NewDialer(&ClientConfig{ProxyURL: "http://"})
	assert.ErrorIs(t, err, ErrInvalidProxyURL)

	d, err := NewDialer(&ClientConfig{ProxyURL: "h2c://proxy:8080"})
	require.NoError(t, err)
	assert.IsType(t, &h2Dialer{}, d)
	d, err = NewDialer(&ClientConfig{ProxyURL: "http://proxy:8080"})
	require.NoError(t, err)
	assert.IsType(t, &h1Dialer{}, d)

	_, err = d.DialContext(context.Background(), "udp", "example.com:53")
	assert.ErrorIs(t, err, ErrUnsupportedNetwork)
}
