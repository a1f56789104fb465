package httpkit

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/launchdarkly/go-sdk-common/v3/ldlog"
	"golang.org/x/net/http/httpguts"

	"lds.li/netpipe/service"
)

// ErrInvalidHeader is returned when a static header name or value is not
// valid on the wire.
var ErrInvalidHeader = errors.New("httpkit: invalid header")

// RequestIDHeader carries the request id set by RequestID.
const RequestIDHeader = "X-Request-Id"

// RequestID is the id assigned to a request, stored in the extensions.
type RequestID string

// HeaderMode controls how SetResponseHeader treats an existing value.
type HeaderMode int

const (
	// HeaderOverriding replaces any existing value.
	HeaderOverriding HeaderMode = iota
	// HeaderIfNotPresent only sets the header when it is absent.
	HeaderIfNotPresent
	// HeaderAppending adds the value next to existing ones.
	HeaderAppending
)

// SetResponseHeader sets a static header on every response. An invalid name
// or value is reported at construction.
func SetResponseHeader(name, value string, mode HeaderMode) (service.Layer[*http.Request, *http.Response], error) {
	if !httpguts.ValidHeaderFieldName(name) {
		return nil, fmt.Errorf("%w: name %q", ErrInvalidHeader, name)
	}
	if !httpguts.ValidHeaderFieldValue(value) {
		return nil, fmt.Errorf("%w: value for %q", ErrInvalidHeader, name)
	}
	return service.LayerFunc[*http.Request, *http.Response](func(inner service.Service[*http.Request, *http.Response]) service.Service[*http.Request, *http.Response] {
		return service.ServiceFunc[*http.Request, *http.Response](func(ctx *service.Context, req *http.Request) (*http.Response, error) {
			resp, err := inner.Serve(ctx, req)
			if err != nil || resp == nil {
				return resp, err
			}
			if resp.Header == nil {
				resp.Header = make(http.Header)
			}
			switch mode {
			case HeaderOverriding:
				resp.Header.Set(name, value)
			case HeaderIfNotPresent:
				if _, ok := resp.Header[http.CanonicalHeaderKey(name)]; !ok {
					resp.Header.Set(name, value)
				}
			case HeaderAppending:
				resp.Header.Add(name, value)
			}
			return resp, nil
		})
	}), nil
}

// RequestIDLayer makes sure every request carries an X-Request-Id header,
// generating one when the client did not send it. The id is stored in the
// extensions and echoed on the response.
func RequestIDLayer() service.Layer[*http.Request, *http.Response] {
	return service.LayerFunc[*http.Request, *http.Response](func(inner service.Service[*http.Request, *http.Response]) service.Service[*http.Request, *http.Response] {
		return service.ServiceFunc[*http.Request, *http.Response](func(ctx *service.Context, req *http.Request) (*http.Response, error) {
			id := req.Header.Get(RequestIDHeader)
			if id == "" {
				id = uuid.NewString()
				req.Header.Set(RequestIDHeader, id)
			}
			service.Insert(ctx.Extensions(), RequestID(id))
			resp, err := inner.Serve(ctx, req)
			if err == nil && resp != nil {
				if resp.Header == nil {
					resp.Header = make(http.Header)
				}
				resp.Header.Set(RequestIDHeader, id)
			}
			return resp, err
		})
	})
}

// Trace logs each request and its outcome at debug level.
func Trace(loggers ldlog.Loggers) service.Layer[*http.Request, *http.Response] {
	return service.LayerFunc[*http.Request, *http.Response](func(inner service.Service[*http.Request, *http.Response]) service.Service[*http.Request, *http.Response] {
		return service.ServiceFunc[*http.Request, *http.Response](func(ctx *service.Context, req *http.Request) (*http.Response, error) {
			start := time.Now()
			resp, err := inner.Serve(ctx, req)
			if !loggers.IsDebugEnabled() {
				return resp, err
			}
			target := req.RequestURI
			if target == "" && req.URL != nil {
				target = req.URL.String()
			}
			switch {
			case err != nil:
				loggers.Debugf("%s %s %s failed after %s: %v", req.RemoteAddr, req.Method, target, time.Since(start), err)
			case resp != nil:
				loggers.Debugf("%s %s %s -> %d (%s)", req.RemoteAddr, req.Method, target, resp.StatusCode, time.Since(start))
			}
			return resp, err
		})
	})
}

// CatchPanic converts panics in the inner service into a 500 response.
func CatchPanic(loggers ldlog.Loggers) service.Layer[*http.Request, *http.Response] {
	return service.CatchPanic[*http.Request, *http.Response](func(ctx *service.Context, v any) (*http.Response, error) {
		loggers.Errorf("Recovered panic while serving request: %v", v)
		return StatusResponse(nil, http.StatusInternalServerError), nil
	})
}
