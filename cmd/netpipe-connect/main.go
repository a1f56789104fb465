// Command netpipe-connect reaches hosts through a remote CONNECT proxy. It
// runs in one of three modes:
//
//   - with -listen, a local proxy that accepts CONNECT requests and chains
//     them through the remote proxy
//   - with -forward, local ports forwarded to fixed targets
//   - with a host and port argument, a single tunnel on stdin and stdout,
//     for use as an SSH ProxyCommand
//
// -listen and -forward can be combined.
//
// Example:
//
//	netpipe-connect -proxy https://proxy.example.com:443 -listen localhost:8080
//	curl -x http://localhost:8080 https://example.com
//
//	netpipe-connect -proxy https://proxy.example.com:443 -forward web=localhost:8080=example.com:80
//
//	ssh -o ProxyCommand='netpipe-connect -proxy https://proxy.example.com:443 %h %p' user@server
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/launchdarkly/go-sdk-common/v3/ldlog"

	"lds.li/netpipe/connecttunnel"
	"lds.li/netpipe/graceful"
	"lds.li/netpipe/logging"
	"lds.li/netpipe/service"
	"lds.li/netpipe/tcp"
)

var (
	proxyURL  = flag.String("proxy", "", "CONNECT proxy URL (required, e.g., https://proxy.example.com:443)")
	proxyType = flag.String("type", "", "Proxy type: h1, h2, or h2c (default: from the URL scheme)")
	proxyAuth = flag.String("auth", "", "Proxy-Authorization header value (e.g., 'Basic dXNlcjpwYXNz')")
	insecure  = flag.Bool("insecure", false, "Skip TLS verification of the proxy")
	timeout   = flag.Duration("timeout", 30*time.Second, "Timeout for establishing a tunnel")
	listen    = flag.String("listen", "", "Serve a local CONNECT proxy on this address")
	verbose   = flag.Bool("verbose", false, "Enable debug logging")

	oidcIssuer       = flag.String("oidc-issuer", "", "OIDC issuer URL for automatic token acquisition")
	oidcClientID     = flag.String("oidc-client-id", "", "OIDC client ID (required if -oidc-issuer is set)")
	oidcClientSecret = flag.String("oidc-client-secret", "", "OIDC client secret")
	oidcScopes       = flag.String("oidc-scopes", "openid", "OIDC scopes (comma-separated)")
)

// forwardFlags collects repeated -forward flags.
type forwardFlags []string

func (f *forwardFlags) String() string {
	return strings.Join(*f, ", ")
}

func (f *forwardFlags) Set(value string) error {
	*f = append(*f, value)
	return nil
}

var forwards forwardFlags

func init() {
	flag.Var(&forwards, "forward", "Port forward as [name=]listen:port=remote:port (can be repeated)")
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] [<target-host> <target-port>]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Tunnel through a remote CONNECT proxy.\n\n")
		fmt.Fprintf(os.Stderr, "Examples:\n")
		fmt.Fprintf(os.Stderr, "  # Local proxy\n")
		fmt.Fprintf(os.Stderr, "  %s -proxy https://proxy.example.com:443 -listen localhost:8080\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  # Port forwards\n")
		fmt.Fprintf(os.Stderr, "  %s -proxy https://proxy.example.com:443 \\\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "    -forward web=localhost:8080=example.com:80 \\\n")
		fmt.Fprintf(os.Stderr, "    -forward api=localhost:8081=api.example.com:443\n\n")
		fmt.Fprintf(os.Stderr, "  # SSH ProxyCommand\n")
		fmt.Fprintf(os.Stderr, "  ssh -o ProxyCommand='%s -proxy https://proxy.example.com:443 %%h %%p' user@server\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	stdio := flag.NArg() > 0
	var loggers ldlog.Loggers
	if stdio {
		// stdout carries the tunnel.
		loggers = logging.MakeStderrLoggers()
		loggers.SetMinLevel(ldlog.Warn)
	} else {
		loggers = logging.MakeDefaultLoggers()
	}
	if *verbose {
		loggers.SetMinLevel(ldlog.Debug)
	}

	fwds, err := checkFlags(stdio)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		flag.Usage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dialer, err := dialerFromFlags(ctx, loggers)
	if err != nil {
		loggers.Errorf("Creating dialer: %v", err)
		os.Exit(1)
	}

	if stdio {
		err = runStdio(ctx, dialer, net.JoinHostPort(flag.Arg(0), flag.Arg(1)), loggers)
	} else {
		err = runListeners(ctx, dialer, fwds, loggers)
	}
	if err != nil {
		loggers.Errorf("%v", err)
		os.Exit(1)
	}
}

func checkFlags(stdio bool) ([]forward, error) {
	if *proxyURL == "" {
		return nil, errors.New("-proxy is required")
	}
	if *oidcIssuer != "" && *oidcClientID == "" {
		return nil, errors.New("-oidc-client-id is required when -oidc-issuer is set")
	}
	if *proxyAuth != "" && *oidcIssuer != "" {
		return nil, errors.New("cannot use both -auth and -oidc-issuer (choose one)")
	}
	if stdio {
		if flag.NArg() != 2 {
			return nil, errors.New("target host and port are required")
		}
		if *listen != "" || len(forwards) > 0 {
			return nil, errors.New("a target cannot be combined with -listen or -forward")
		}
		return nil, nil
	}
	if *listen == "" && len(forwards) == 0 {
		return nil, errors.New("one of -listen, -forward or a target is required")
	}
	fwds := make([]forward, 0, len(forwards))
	for i, s := range forwards {
		f, err := parseForward(s)
		if err != nil {
			return nil, fmt.Errorf("forward #%d (%s): %w", i+1, s, err)
		}
		fwds = append(fwds, f)
	}
	return fwds, nil
}

func dialerFromFlags(ctx context.Context, loggers ldlog.Loggers) (connecttunnel.Dialer, error) {
	var auth headerSource = staticAuth(*proxyAuth)
	if *oidcIssuer != "" {
		ts, err := oidcTokenSource(ctx, *oidcIssuer, *oidcClientID, *oidcClientSecret, splitScopes(*oidcScopes))
		if err != nil {
			return nil, err
		}
		auth = idTokenAuth{ts}
		loggers.Info("OIDC authentication enabled")
	}

	cfg := &connecttunnel.ClientConfig{
		ProxyURL:          *proxyURL,
		HeadersForRequest: auth.headers,
	}
	if *insecure {
		loggers.Warn("TLS verification of the proxy disabled")
		cfg.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return newDialer(cfg, *proxyType)
}

func newDialer(cfg *connecttunnel.ClientConfig, kind string) (connecttunnel.Dialer, error) {
	switch kind {
	case "":
		return connecttunnel.NewDialer(cfg)
	case "h1":
		return connecttunnel.NewH1Dialer(cfg)
	case "h2":
		return connecttunnel.NewH2Dialer(cfg)
	case "h2c":
		return connecttunnel.NewH2CDialer(cfg)
	default:
		return nil, fmt.Errorf("invalid proxy type: %s (must be h1, h2, or h2c)", kind)
	}
}

func runListeners(ctx context.Context, dialer connecttunnel.Dialer, fwds []forward, loggers ldlog.Loggers) error {
	shutdown := graceful.New(ctx, loggers)
	bind := func(addr, name string, svc service.Service[net.Conn, struct{}]) error {
		ln, err := tcp.Bind(addr, loggers)
		if err != nil {
			_ = shutdown.Shutdown(0)
			return err
		}
		loggers.Infof("[%s] Listening on %s (via %s)", name, ln.Addr(), *proxyURL)
		shutdown.Spawn(func(g graceful.Guard) {
			if err := ln.ServeGraceful(g, svc); err != nil {
				loggers.Errorf("[%s] Listener stopped: %v", name, err)
			}
		})
		return nil
	}

	if *listen != "" {
		if err := bind(*listen, "proxy", localProxy(dialer, *timeout, loggers)); err != nil {
			return err
		}
	}
	for _, f := range fwds {
		flog := logging.WithPrefix(loggers, "["+f.name+"]")
		svc := connections(&forwardService{remote: f.remote, dialer: dialer, timeout: *timeout, loggers: flog}, flog)
		if err := bind(f.listen, f.name+" -> "+f.remote, svc); err != nil {
			return err
		}
	}

	<-ctx.Done()
	loggers.Info("Shutting down gracefully...")
	if err := shutdown.Shutdown(5 * time.Second); err != nil {
		if errors.Is(err, graceful.ErrTimeout) {
			loggers.Warn("Timeout waiting for connections to close")
			return nil
		}
		return err
	}
	return nil
}

func runStdio(ctx context.Context, dialer connecttunnel.Dialer, target string, loggers ldlog.Loggers) error {
	dctx, cancel := context.WithTimeout(ctx, *timeout)
	conn, err := dialer.DialContext(dctx, "tcp", target)
	cancel()
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", target, err)
	}
	loggers.Debugf("Connected to %s via %s", target, *proxyURL)
	return tunnelStdio(ctx, conn, os.Stdin, os.Stdout)
}
