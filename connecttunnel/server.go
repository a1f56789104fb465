package connecttunnel

import (
	"net/http"

	"github.com/launchdarkly/go-sdk-common/v3/ldlog"

	"lds.li/netpipe/httpkit"
	"lds.li/netpipe/httpmatch"
	"lds.li/netpipe/httpserver"
	"lds.li/netpipe/service"
	"lds.li/netpipe/tcp"
	"lds.li/netpipe/upgrade"
)

// TunnelFunc is called before a tunnel is established. Returning an error
// rejects the tunnel with 403 Forbidden.
type TunnelFunc = upgrade.TunnelFunc

// ServerConfig configures server-side tunnel handling.
type ServerConfig struct {
	// OnTunnel is called when a tunnel is established.
	// If nil, all tunnels are accepted.
	// If it returns an error, the tunnel is rejected with 403 Forbidden.
	OnTunnel TunnelFunc

	// Dialer establishes connections to upstream targets. It takes
	// precedence over Dial.
	Dialer upgrade.Dialer

	// Dial is used to establish connections to upstream targets when
	// Dialer is nil. If both are nil, a tcp.Connector is used.
	Dial tcp.DialFunc

	Loggers ldlog.Loggers
}

func (c ServerConfig) dialer() upgrade.Dialer {
	if c.Dialer != nil {
		return c.Dialer
	}
	if c.Dial != nil {
		return upgrade.DialerFunc(c.Dial)
	}
	return &tcp.Connector{}
}

// Layer returns a layer that tunnels CONNECT requests and passes everything
// else to the inner service.
func Layer(cfg ServerConfig) service.Layer[*http.Request, *http.Response] {
	return upgrade.NewLayer(upgrade.Config{
		Matcher: httpmatch.Connect(),
		Accept:  upgrade.ConnectAccept(cfg.OnTunnel),
		Tunnel:  &upgrade.Tunnel{Dialer: cfg.dialer(), Loggers: cfg.Loggers},
		Loggers: cfg.Loggers,
	})
}

var methodNotAllowed = service.ServiceFunc[*http.Request, *http.Response](func(_ *service.Context, req *http.Request) (*http.Response, error) {
	resp := httpkit.StatusResponse(req, http.StatusMethodNotAllowed)
	resp.Header.Set("Allow", http.MethodConnect)
	return resp, nil
})

// Service returns a request service that tunnels CONNECT requests and
// answers anything else with 405 Method Not Allowed.
func Service(cfg ServerConfig) service.Service[*http.Request, *http.Response] {
	return service.NewStack(Layer(cfg)).Service(methodNotAllowed)
}

// NewHandler returns an http.Handler for Service, serving CONNECT over
// HTTP/1.1 and HTTP/2.
func NewHandler(cfg ServerConfig) http.Handler {
	return httpserver.NewHandler(Service(cfg), nil, cfg.Loggers)
}
