// Package tcp provides the byte-stream edges of a pipeline: a listener that
// serves each accepted connection as a graceful task, and a connector that
// resolves and dials request targets.
package tcp

import (
	"errors"
	"net"
	"time"

	"github.com/jpillora/backoff"
	"github.com/launchdarkly/go-sdk-common/v3/ldlog"

	"lds.li/netpipe/graceful"
	"lds.li/netpipe/service"
)

// Listener accepts connections and hands each one to a service.
type Listener struct {
	ln      net.Listener
	loggers ldlog.Loggers
	state   any
}

// Bind listens on the TCP address addr.
func Bind(addr string, loggers ldlog.Loggers) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewListener(ln, loggers), nil
}

// NewListener serves connections accepted from ln, which can be any
// net.Listener such as a tailnet listener.
func NewListener(ln net.Listener, loggers ldlog.Loggers) *Listener {
	return &Listener{ln: ln, loggers: loggers}
}

// WithState sets the shared state placed in every connection's Context.
func (l *Listener) WithState(state any) *Listener {
	l.state = state
	return l
}

// Addr returns the listening address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Close stops accepting connections.
func (l *Listener) Close() error {
	return l.ln.Close()
}

// ServeGraceful accepts connections until the guard is cancelled. Every
// connection is served by svc in its own task spawned on the guard, with a
// Context whose executor is the guard. Errors from svc are logged and the
// connection is closed; they never stop the listener.
//
// ServeGraceful returns nil once the guard is cancelled, or the accept error
// that stopped it.
func (l *Listener) ServeGraceful(guard graceful.Guard, svc service.Service[net.Conn, struct{}]) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-guard.Done():
			_ = l.ln.Close()
		case <-stop:
		}
	}()

	b := &backoff.Backoff{Min: 5 * time.Millisecond, Max: time.Second}
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if guard.Cancelled() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				d := b.Duration()
				l.loggers.Warnf("Accept error: %v; retrying in %s", err, d)
				time.Sleep(d)
				continue
			}
			return err
		}
		b.Reset()

		guard.Spawn(func(g graceful.Guard) {
			l.serveConn(g, svc, conn)
		})
	}
}

func (l *Listener) serveConn(g graceful.Guard, svc service.Service[net.Conn, struct{}], conn net.Conn) {
	defer conn.Close()
	ctx := service.NewContext(g.Context(), l.state, g)
	if _, err := svc.Serve(ctx, conn); err != nil {
		if IsConnectionError(err) {
			l.loggers.Debugf("Connection from %s closed: %v", conn.RemoteAddr(), err)
			return
		}
		l.loggers.Warnf("Error serving connection from %s: %v", conn.RemoteAddr(), err)
	}
}
