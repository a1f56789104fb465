package httpkit

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"lds.li/netpipe/service"
)

// EstablishedConn is the result of a connector: a transport connection to
// the target of Req.
type EstablishedConn struct {
	Req  *http.Request
	Conn net.Conn
	Addr string
}

// NewResponse builds a response with a plain text body.
func NewResponse(req *http.Request, status int, body string) *http.Response {
	resp := &http.Response{
		Status:        strconv.Itoa(status) + " " + http.StatusText(status),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        make(http.Header),
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
	if body != "" {
		resp.Header.Set("Content-Type", "text/plain; charset=utf-8")
	}
	return resp
}

// StatusResponse builds a response whose body is the status text.
func StatusResponse(req *http.Request, status int) *http.Response {
	return NewResponse(req, status, http.StatusText(status))
}

// JSONResponse builds a response with v encoded as JSON.
func JSONResponse(req *http.Request, status int, v any) (*http.Response, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	resp := NewResponse(req, status, string(b))
	resp.Header.Set("Content-Type", "application/json")
	return resp, nil
}

type serviceContextKey struct{}

// HandlerService adapts h to a Service. The handler's output is buffered in
// memory, so it suits API style handlers rather than streaming ones. The
// handler can reach the service context with ServiceContext.
func HandlerService(h http.Handler) service.Service[*http.Request, *http.Response] {
	return service.ServiceFunc[*http.Request, *http.Response](func(ctx *service.Context, req *http.Request) (*http.Response, error) {
		rec := &recorder{header: make(http.Header)}
		h.ServeHTTP(rec, req.WithContext(WithServiceContext(ctx)))
		return rec.response(req), nil
	})
}

// WithServiceContext returns ctx.Context() carrying ctx itself, for code
// that only gets a context.Context.
func WithServiceContext(ctx *service.Context) context.Context {
	return context.WithValue(ctx.Context(), serviceContextKey{}, ctx)
}

// ServiceContext returns the service context stored by WithServiceContext,
// as seen by handlers wrapped with HandlerService.
func ServiceContext(ctx context.Context) (*service.Context, bool) {
	sc, ok := ctx.Value(serviceContextKey{}).(*service.Context)
	return sc, ok
}

type recorder struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func (r *recorder) Header() http.Header { return r.header }

func (r *recorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
}

func (r *recorder) Write(b []byte) (int, error) {
	r.WriteHeader(http.StatusOK)
	return r.body.Write(b)
}

func (r *recorder) response(req *http.Request) *http.Response {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	resp := NewResponse(req, r.status, r.body.String())
	resp.Header = r.header
	if r.header.Get("Content-Type") == "" && r.body.Len() > 0 {
		r.header.Set("Content-Type", http.DetectContentType(r.body.Bytes()))
	}
	return resp
}

// WriteResponse copies resp to w. The response body is closed.
func WriteResponse(w http.ResponseWriter, resp *http.Response) error {
	defer resp.Body.Close()
	h := w.Header()
	for k, vv := range resp.Header {
		h[k] = vv
	}
	if resp.ContentLength >= 0 && h.Get("Content-Length") == "" && resp.StatusCode != http.StatusNoContent {
		h.Set("Content-Length", strconv.FormatInt(resp.ContentLength, 10))
	}
	w.WriteHeader(resp.StatusCode)
	_, err := io.Copy(w, resp.Body)
	return err
}
