// Package connecttunnel provides TCP tunneling over HTTP CONNECT.
//
// The client side dials through a proxy speaking HTTP/1.1 CONNECT (RFC 9110),
// HTTP/2 CONNECT (RFC 9113) over TLS, or HTTP/2 cleartext (h2c). The server
// side is the upgrade layer from lds.li/netpipe/upgrade, packaged as a
// service layer or a plain http.Handler.
//
// # Server Usage
//
// Inside a service stack:
//
//	stack := service.NewStack(
//	    connecttunnel.Layer(connecttunnel.ServerConfig{Loggers: loggers}),
//	)
//
// Or mounted on a net/http server:
//
//	handler := connecttunnel.NewHandler(connecttunnel.ServerConfig{
//	    OnTunnel: func(ctx context.Context, req *http.Request) error {
//	        return nil
//	    },
//	})
//	http.ListenAndServe(":8080", handler)
//
// The handler serves HTTP/1.1 and HTTP/2 requests. Wrap it with h2c.NewHandler
// for cleartext HTTP/2.
//
// # Client Usage
//
//	dialer, err := connecttunnel.NewH1Dialer(&connecttunnel.ClientConfig{
//	    ProxyURL: "http://proxy.example.com:8080",
//	})
//	conn, err := dialer.DialContext(ctx, "tcp", "example.com:443")
//
// For HTTP/2 proxies use NewH2Dialer, for h2c proxies NewH2CDialer. NewDialer
// picks one from the proxy URL scheme.
//
// # Composability
//
// Dialers chain, so a tunnel can be opened through another tunnel:
//
//	first, _ := connecttunnel.NewH1Dialer(&connecttunnel.ClientConfig{
//	    ProxyURL: "http://proxy1:8080",
//	})
//	second, _ := connecttunnel.NewH2Dialer(&connecttunnel.ClientConfig{
//	    ProxyURL:    "https://proxy2:8443",
//	    DialContext: first.DialContext,
//	})
package connecttunnel
