// Command netpipe-proxy is an HTTP proxy. It tunnels CONNECT requests over
// HTTP/1.1 and HTTP/2, forwards plain HTTP requests, answers a hijacked API
// domain itself and optionally serves SOCKS5 next to HTTP.
//
// Clients may be required to authenticate with Basic credentials, whose
// usernames can carry labels ("john-cc-us"), or with OIDC ID tokens. The
// proxy can listen on a tailnet, or on the public internet through Tailscale
// Funnel, keeping its node state in a Kubernetes secret.
//
// Example:
//
//	netpipe-proxy -config /etc/netpipe.conf
//
//	curl -x http://127.0.0.1:8080 --proxy-user 'john-cc-us:secret' http://echo.example/foo
//	curl -x http://127.0.0.1:8080 --proxy-user 'john:secret' -XPOST http://echo.example/lucky/7
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/launchdarkly/go-sdk-common/v3/ldlog"

	"lds.li/netpipe/config"
	"lds.li/netpipe/graceful"
	"lds.li/netpipe/logging"
	"lds.li/netpipe/service"
	"lds.li/netpipe/tcp"
)

var (
	configFile = flag.String("config", "", "Path to the configuration file (optional)")
	listen     = flag.String("listen", "", "Listen address, overrides the configuration")
	verbose    = flag.Bool("verbose", false, "Enable debug logging")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Run an HTTP CONNECT and forward proxy.\n\n")
		fmt.Fprintf(os.Stderr, "Settings are read from the configuration file, then from environment\n")
		fmt.Fprintf(os.Stderr, "variables such as LISTEN, LOG_LEVEL, SOCKS_LISTEN and PROXY_USER_<name>.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	loggers := logging.MakeDefaultLoggers()

	cfg, err := loadConfig(*configFile)
	if err != nil {
		loggers.Errorf("Invalid configuration: %v", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Main.Listen = *listen
	}
	level := cfg.Main.LogLevel.GetOrElse(ldlog.Info)
	if *verbose {
		level = ldlog.Debug
	}
	loggers.SetMinLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *configFile, loggers); err != nil {
		loggers.Errorf("%v", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (config.Config, error) {
	cfg := config.DefaultConfig()
	if path != "" {
		if err := config.LoadFile(&cfg, path); err != nil {
			return cfg, err
		}
	}
	if err := config.LoadEnvironment(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func run(ctx context.Context, cfg config.Config, configPath string, loggers ldlog.Loggers) error {
	p, err := newProxy(cfg, loggers)
	if err != nil {
		return err
	}
	if cfg.Proxy.OIDCIssuer.IsDefined() {
		v, err := oidcVerifier(ctx, cfg.Proxy.OIDCIssuer.String(), cfg.Proxy.OIDCAudience)
		if err != nil {
			return err
		}
		p.verifier = v
		loggers.Infof("OIDC authentication enabled (issuer: %s)", cfg.Proxy.OIDCIssuer)
	}

	acceptor, err := loadAcceptor(cfg.TLS)
	if err != nil {
		return err
	}

	var ln *tcp.Listener
	if cfg.Tailscale.Enabled {
		srv, err := startTailnet(ctx, cfg.Tailscale, loggers)
		if err != nil {
			return err
		}
		defer srv.Close()
		p.setDial(srv.Dial)

		tl, err := listenTailnet(srv, cfg.Main.Listen, cfg.Tailscale.Funnel)
		if err != nil {
			return err
		}
		ln = tcp.NewListener(tl, loggers)
	} else {
		ln, err = tcp.Bind(cfg.Main.Listen, loggers)
		if err != nil {
			return err
		}
	}

	shutdown := graceful.New(ctx, loggers)
	failed := make(chan error, 2)
	serve(shutdown, ln, "HTTP", p.connections(acceptor), loggers, failed)

	if cfg.SOCKS.Listen != "" {
		sl, err := tcp.Bind(cfg.SOCKS.Listen, loggers)
		if err != nil {
			_ = shutdown.Shutdown(0)
			return err
		}
		serve(shutdown, sl, "SOCKS5", p.socks(), loggers, failed)
	}

	if configPath != "" {
		shutdown.Go(func(ctx context.Context) {
			if err := watchConfig(ctx, configPath, loggers, p.reload); err != nil {
				loggers.Warnf("Configuration reload disabled: %v", err)
			}
		})
	}

	if cfg.AuthRequired() {
		loggers.Infof("Authentication: enabled (%d user(s))", len(cfg.User))
	} else {
		loggers.Warn("Authentication: disabled")
	}

	var lnErr error
	select {
	case <-ctx.Done():
	case lnErr = <-failed:
	}
	loggers.Info("Shutting down gracefully...")
	err = shutdown.Shutdown(cfg.Main.ShutdownTimeout.GetOrElse(config.DefaultShutdownTimeout))
	if lnErr != nil {
		return lnErr
	}
	if errors.Is(err, graceful.ErrTimeout) {
		loggers.Warn("Some connections did not finish in time")
		return nil
	}
	return err
}

// serve runs ln until shutdown. If the listener fails first, the error is
// sent on failed so the process stops instead of lingering without it.
func serve(shutdown *graceful.Shutdown, ln *tcp.Listener, name string, svc service.Service[net.Conn, struct{}], loggers ldlog.Loggers, failed chan<- error) {
	loggers.Infof("%s proxy listening on %s", name, ln.Addr())
	shutdown.Spawn(func(g graceful.Guard) {
		if err := ln.ServeGraceful(g, svc); err != nil {
			failed <- fmt.Errorf("%s listener stopped: %w", name, err)
		}
	})
}

