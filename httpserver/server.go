// Package httpserver serves HTTP/1.1 and HTTP/2 on connections handed to it
// by a connection stack, dispatching every request to a request service.
//
// A Server is itself a service over net.Conn, so it sits at the bottom of a
// connection stack:
//
//	conns := service.NewStack(
//	    service.ConsumeErr[net.Conn, struct{}](loggers, ldlog.Debug, nil),
//	    tcp.IdleTimeout(5*time.Minute),
//	).Service(httpserver.New(requests, loggers))
package httpserver

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/launchdarkly/go-sdk-common/v3/ldlog"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"lds.li/netpipe/logging"
	"lds.li/netpipe/service"
)

// Mode selects the protocols a Server speaks.
type Mode int

const (
	// ModeAuto serves HTTP/2 when negotiated by ALPN or when the client
	// sends the HTTP/2 preface, and HTTP/1.1 otherwise. HTTP/1.1 clients may
	// also switch to cleartext HTTP/2 with an h2c upgrade.
	ModeAuto Mode = iota
	// ModeHTTP1 serves only HTTP/1.x.
	ModeHTTP1
	// ModeHTTP2 serves only HTTP/2, cleartext or over TLS.
	ModeHTTP2
)

func (m Mode) String() string {
	switch m {
	case ModeAuto:
		return "auto"
	case ModeHTTP1:
		return "http1"
	case ModeHTTP2:
		return "http2"
	default:
		return "unknown"
	}
}

const defaultReadHeaderTimeout = 30 * time.Second

// Server serves HTTP on a single connection per call to Serve.
type Server struct {
	svc     service.Service[*http.Request, *http.Response]
	loggers ldlog.Loggers
	mode    Mode

	readHeaderTimeout time.Duration
	idleTimeout       time.Duration
}

// New returns a Server in ModeAuto.
func New(svc service.Service[*http.Request, *http.Response], loggers ldlog.Loggers) *Server {
	return &Server{
		svc:               svc,
		loggers:           loggers,
		readHeaderTimeout: defaultReadHeaderTimeout,
	}
}

// WithMode returns a copy of s using mode.
func (s *Server) WithMode(mode Mode) *Server {
	c := *s
	c.mode = mode
	return &c
}

// WithTimeouts returns a copy of s with the given header read timeout and
// idle timeout between requests. Zero leaves the net/http default.
func (s *Server) WithTimeouts(readHeader, idle time.Duration) *Server {
	c := *s
	c.readHeaderTimeout = readHeader
	c.idleTimeout = idle
	return &c
}

// Serve implements service.Service. It returns once the connection is
// finished, including any connection taken over by an upgrade. When ctx is
// cancelled the connection is shut down gracefully: idle HTTP/1.1
// connections close, and HTTP/2 connections get a GOAWAY and close once
// their streams complete.
func (s *Server) Serve(ctx *service.Context, conn net.Conn) (struct{}, error) {
	h := NewHandler(s.svc, ctx, s.loggers)
	h.local = conn.LocalAddr()

	var err error
	switch proto := s.detect(&conn); proto {
	case "h2":
		err = s.serveH2(ctx, conn, h)
	default:
		err = s.serveH1(ctx, conn, h)
	}
	h.Wait()
	return struct{}{}, err
}

// detect picks the protocol for conn, replacing it with a wrapper when bytes
// had to be read to decide.
func (s *Server) detect(conn *net.Conn) string {
	switch s.mode {
	case ModeHTTP1:
		return "http/1.1"
	case ModeHTTP2:
		return "h2"
	}
	if tc, ok := (*conn).(*tls.Conn); ok {
		if tc.ConnectionState().NegotiatedProtocol == http2.NextProtoTLS {
			return "h2"
		}
		return "http/1.1"
	}

	r := bufio.NewReader(*conn)
	*conn = &bufferedConn{Conn: *conn, reader: r}
	// Any HTTP/1 request line is at least three bytes, so peeking that far
	// never blocks on a short request.
	if b, err := r.Peek(3); err != nil || string(b) != http2.ClientPreface[:3] {
		return "http/1.1"
	}
	if b, err := r.Peek(len(http2.ClientPreface)); err == nil && bytes.Equal(b, []byte(http2.ClientPreface)) {
		return "h2"
	}
	return "http/1.1"
}

func (s *Server) newServers(ctx *service.Context, h http.Handler) (*http.Server, *http2.Server, error) {
	base := context.WithoutCancel(ctx.Context())
	h2s := &http2.Server{IdleTimeout: s.idleTimeout}
	hs := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: s.readHeaderTimeout,
		IdleTimeout:       s.idleTimeout,
		ErrorLog:          logging.NewStdLogger(s.loggers, ldlog.Warn),
		BaseContext:       func(net.Listener) context.Context { return base },
	}
	if err := http2.ConfigureServer(hs, h2s); err != nil {
		return nil, nil, err
	}
	return hs, h2s, nil
}

func (s *Server) serveH2(ctx *service.Context, conn net.Conn, h *Handler) error {
	hs, h2s, err := s.newServers(ctx, h)
	if err != nil {
		return err
	}
	stop := context.AfterFunc(ctx.Context(), func() {
		_ = hs.Shutdown(context.Background())
	})
	defer stop()

	h2s.ServeConn(conn, &http2.ServeConnOpts{
		Context:    context.WithoutCancel(ctx.Context()),
		BaseConfig: hs,
		Handler:    h,
	})
	return nil
}

func (s *Server) serveH1(ctx *service.Context, conn net.Conn, h *Handler) error {
	var handlers sync.WaitGroup
	counted := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlers.Add(1)
		defer handlers.Done()
		h.ServeHTTP(w, r)
	})

	hs, h2s, err := s.newServers(ctx, nil)
	if err != nil {
		return err
	}
	if s.mode == ModeAuto {
		hs.Handler = h2c.NewHandler(counted, h2s)
	} else {
		hs.Handler = counted
	}

	ln := newOneConnListener(conn)
	hs.ConnState = func(_ net.Conn, state http.ConnState) {
		if state == http.StateClosed || state == http.StateHijacked {
			ln.Close()
		}
	}

	stop := context.AfterFunc(ctx.Context(), func() {
		_ = hs.Shutdown(context.Background())
	})
	defer stop()

	err = hs.Serve(ln)
	// A hijacked connection may still be in use by the handler that took
	// it over.
	handlers.Wait()
	if errors.Is(err, net.ErrClosed) || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
