// Package upgrade lets an HTTP request take over its connection.
//
// A request matching the layer's matcher goes through an accept service. If
// the accept service answers with a 2xx response, the response is written,
// the transport is detached from HTTP processing by the Upgrader found in the
// request's extensions, and the raw connection is handed to a tunnel service
// running as a background task. Any other answer is returned as an ordinary
// response and the connection keeps serving HTTP.
//
// HTTP CONNECT is the main user:
//
//	layer := upgrade.NewLayer(upgrade.Config{
//	    Matcher: httpmatch.Connect(),
//	    Accept:  upgrade.ConnectAccept(nil),
//	    Tunnel:  &upgrade.Tunnel{Dialer: &tcp.Connector{}},
//	})
package upgrade

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/launchdarkly/go-sdk-common/v3/ldlog"

	"lds.li/netpipe/httpkit"
	"lds.li/netpipe/service"
	"lds.li/netpipe/tcp"
)

var (
	// ErrNotUpgradable is returned when a request was accepted for upgrade
	// but its server did not provide an Upgrader.
	ErrNotUpgradable = errors.New("upgrade: connection can not be upgraded")

	// ErrMissingAuthority is returned by Tunnel when no authority was
	// recorded for the upgraded request.
	ErrMissingAuthority = errors.New("upgrade: missing authority")
)

// Upgrader writes the head of an accepted response and detaches the
// transport from HTTP processing. Servers put one in the extensions of every
// request they serve.
type Upgrader interface {
	Upgrade(resp *http.Response) (net.Conn, error)
}

// Rejection is an error an accept service returns to turn down an upgrade
// with a specific response.
type Rejection struct {
	Response *http.Response
	Err      error
}

// Reject builds a rejection answering with status.
func Reject(req *http.Request, status int, err error) *Rejection {
	return &Rejection{Response: httpkit.StatusResponse(req, status), Err: err}
}

func (r *Rejection) Error() string {
	if r.Err != nil {
		return fmt.Sprintf("upgrade: rejected with %d: %v", r.Response.StatusCode, r.Err)
	}
	return fmt.Sprintf("upgrade: rejected with %d", r.Response.StatusCode)
}

func (r *Rejection) Unwrap() error {
	return r.Err
}

// Config configures the upgrade layer.
type Config struct {
	// Matcher selects the requests to upgrade. Required.
	Matcher service.Matcher[*http.Request]

	// Accept decides whether to upgrade a matching request. A 2xx response
	// accepts. Any other response, or a *Rejection error, rejects.
	Accept service.Service[*http.Request, *http.Response]

	// Tunnel serves the upgraded connection. It runs on the request
	// context's executor, with a clone of the request context.
	Tunnel service.Service[net.Conn, struct{}]

	// Loggers receives tunnel failures. Closures initiated by the peer are
	// not reported.
	Loggers ldlog.Loggers
}

// NewLayer returns the upgrade layer.
func NewLayer(cfg Config) service.Layer[*http.Request, *http.Response] {
	return service.LayerFunc[*http.Request, *http.Response](func(inner service.Service[*http.Request, *http.Response]) service.Service[*http.Request, *http.Response] {
		return &upgradeService{cfg: cfg, inner: inner}
	})
}

type upgradeService struct {
	cfg   Config
	inner service.Service[*http.Request, *http.Response]
}

func (u *upgradeService) Serve(ctx *service.Context, req *http.Request) (*http.Response, error) {
	scratch := service.NewExtensions()
	if !u.cfg.Matcher.Matches(scratch, ctx, req) {
		return u.inner.Serve(ctx, req)
	}
	ctx.Extensions().Extend(scratch)

	resp, err := u.cfg.Accept.Serve(ctx, req)
	if err != nil {
		var rej *Rejection
		if errors.As(err, &rej) && rej.Response != nil {
			u.cfg.Loggers.Debugf("Upgrade of %s %s rejected: %v", req.Method, req.Host, err)
			return rej.Response, nil
		}
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp, nil
	}

	upgrader, ok := service.Get[Upgrader](ctx.Extensions())
	if !ok {
		return nil, ErrNotUpgradable
	}
	conn, err := upgrader.Upgrade(resp)
	if err != nil {
		return nil, fmt.Errorf("upgrade: detaching connection: %w", err)
	}

	tctx := ctx.Clone()
	ctx.Executor().Go(func(taskCtx context.Context) {
		defer conn.Close()
		tctx.SetContext(taskCtx)
		if _, err := u.cfg.Tunnel.Serve(tctx, conn); err != nil && !tcp.IsConnectionError(err) {
			u.cfg.Loggers.Warnf("Tunnel for %s failed: %v", req.Host, err)
		}
	})
	return resp, nil
}

// TunnelFunc inspects a CONNECT request before it is accepted. Returning an
// error rejects the tunnel with 403 Forbidden.
type TunnelFunc func(ctx context.Context, req *http.Request) error

// ConnectAccept accepts CONNECT requests whose target is a valid host:port.
// The target is stored as an httpkit.Authority in the extensions. onTunnel,
// when not nil, gets a chance to veto the tunnel; httpkit.ServiceContext
// recovers the service context from the context it is given.
func ConnectAccept(onTunnel TunnelFunc) service.Service[*http.Request, *http.Response] {
	return service.ServiceFunc[*http.Request, *http.Response](func(ctx *service.Context, req *http.Request) (*http.Response, error) {
		target := req.RequestURI
		if target == "" {
			target = req.Host
		}
		authority, err := httpkit.ParseAuthority(target)
		if err != nil {
			return nil, Reject(req, http.StatusBadRequest, err)
		}
		if onTunnel != nil {
			if err := onTunnel(httpkit.WithServiceContext(ctx), req); err != nil {
				return nil, Reject(req, http.StatusForbidden, err)
			}
		}
		service.Insert(ctx.Extensions(), authority)
		return httpkit.NewResponse(req, http.StatusOK, ""), nil
	})
}
