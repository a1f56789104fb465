package httpserver

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/launchdarkly/go-sdk-common/v3/ldlog"

	"lds.li/netpipe/httpkit"
	"lds.li/netpipe/service"
	"lds.li/netpipe/upgrade"
)

var (
	// ErrHijackFailed is returned when an HTTP/1.1 connection can not be
	// taken over.
	ErrHijackFailed = errors.New("httpserver: failed to hijack connection")

	// ErrAlreadyUpgraded is returned when Upgrade is called twice for one
	// request.
	ErrAlreadyUpgraded = errors.New("httpserver: request already upgraded")
)

// Handler adapts a request service to net/http. Each request is served with
// a clone of the connection's Context, so values the connection stack put in
// the extensions are visible to the request, and an upgrade.Upgrader in the
// extensions.
//
// Errors from the service are logged and answered with 500 Internal Server
// Error, as are panics.
type Handler struct {
	svc     service.Service[*http.Request, *http.Response]
	conn    *service.Context
	loggers ldlog.Loggers
	local   net.Addr

	// upgrades tracks connections taken over by upgrades.
	upgrades sync.WaitGroup
}

// NewHandler returns a Handler serving requests with svc. conn is the
// connection level context; a nil conn uses service.Background.
func NewHandler(svc service.Service[*http.Request, *http.Response], conn *service.Context, loggers ldlog.Loggers) *Handler {
	if conn == nil {
		conn = service.Background()
	}
	return &Handler{svc: svc, conn: conn, loggers: loggers}
}

// Wait blocks until every upgraded connection handed out by this handler has
// been closed.
func (h *Handler) Wait() {
	h.upgrades.Wait()
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := h.conn.Clone()
	ctx.SetContext(r.Context())

	up := &responseUpgrader{h: h, w: w, req: r}
	service.Insert[upgrade.Upgrader](ctx.Extensions(), up)

	defer func() {
		if v := recover(); v != nil {
			if v == http.ErrAbortHandler {
				panic(v)
			}
			h.loggers.Errorf("Recovered panic serving %s %s: %v", r.Method, r.RequestURI, v)
			if !up.upgraded() {
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}
		}
	}()

	resp, err := h.svc.Serve(ctx, r)
	if up.upgraded() {
		up.wait(r)
		return
	}
	if err != nil {
		h.loggers.Warnf("Error serving %s %s: %v", r.Method, r.RequestURI, err)
		resp = httpkit.StatusResponse(r, http.StatusInternalServerError)
	} else if resp == nil {
		h.loggers.Warnf("No response for %s %s", r.Method, r.RequestURI)
		resp = httpkit.StatusResponse(r, http.StatusInternalServerError)
	}
	if err := httpkit.WriteResponse(w, resp); err != nil {
		h.loggers.Debugf("Writing response for %s %s: %v", r.Method, r.RequestURI, err)
	}
}

// responseUpgrader implements upgrade.Upgrader for one request. HTTP/1.1
// connections are hijacked; HTTP/2 streams switch to full duplex and stay
// owned by the handler until the upgraded connection is closed.
type responseUpgrader struct {
	h   *Handler
	w   http.ResponseWriter
	req *http.Request

	mu     sync.Mutex
	done   bool
	stream *streamConn
}

func (u *responseUpgrader) upgraded() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.done
}

// wait keeps an HTTP/2 handler alive while its stream is in use.
func (u *responseUpgrader) wait(r *http.Request) {
	u.mu.Lock()
	stream := u.stream
	u.mu.Unlock()
	if stream == nil {
		return
	}
	select {
	case <-stream.done:
	case <-r.Context().Done():
		stream.finish()
	}
}

func (u *responseUpgrader) Upgrade(resp *http.Response) (net.Conn, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.done {
		return nil, ErrAlreadyUpgraded
	}

	var (
		conn net.Conn
		err  error
	)
	if u.req.ProtoMajor >= 2 {
		conn, err = u.upgradeStream(resp)
	} else {
		conn, err = u.hijack(resp)
	}
	if err != nil {
		return nil, err
	}
	u.done = true

	u.h.upgrades.Add(1)
	return &trackedConn{Conn: conn, onClose: u.h.upgrades.Done}, nil
}

func (u *responseUpgrader) hijack(resp *http.Response) (net.Conn, error) {
	hj, ok := u.w.(http.Hijacker)
	if !ok {
		return nil, ErrHijackFailed
	}
	conn, brw, err := hj.Hijack()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHijackFailed, err)
	}

	if err := writeHead(brw.Writer, u.req, resp); err != nil {
		conn.Close()
		return nil, err
	}
	if resp.Body != nil {
		resp.Body.Close()
	}
	return &bufferedConn{Conn: conn, reader: brw.Reader}, nil
}

func writeHead(w *bufio.Writer, req *http.Request, resp *http.Response) error {
	status := strconv.Itoa(resp.StatusCode) + " " + http.StatusText(resp.StatusCode)
	if req.Method == http.MethodConnect && resp.StatusCode == http.StatusOK {
		status = "200 Connection Established"
	}
	h := resp.Header.Clone()
	if h == nil {
		h = make(http.Header)
	}
	h.Del("Content-Length")
	h.Del("Transfer-Encoding")

	if _, err := fmt.Fprintf(w, "HTTP/1.1 %s\r\n", status); err != nil {
		return err
	}
	if err := h.Write(w); err != nil {
		return err
	}
	if _, err := w.WriteString("\r\n"); err != nil {
		return err
	}
	return w.Flush()
}

func (u *responseUpgrader) upgradeStream(resp *http.Response) (net.Conn, error) {
	rc := http.NewResponseController(u.w)
	if err := rc.EnableFullDuplex(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return nil, err
	}
	dst := u.w.Header()
	for k, vv := range resp.Header {
		if k == "Content-Length" {
			continue
		}
		dst[k] = vv
	}
	u.w.WriteHeader(resp.StatusCode)
	if err := rc.Flush(); err != nil {
		return nil, err
	}
	if resp.Body != nil {
		resp.Body.Close()
	}
	u.stream = newStreamConn(u.w, rc, u.req, u.h.local)
	return u.stream, nil
}
