package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"github.com/launchdarkly/go-sdk-common/v3/ldlog"
	"tailscale.com/ipn"
	"tailscale.com/tsnet"

	"lds.li/netpipe/config"
	"lds.li/netpipe/logging"
)

// startTailnet brings up a tsnet node as configured in [tailscale].
func startTailnet(ctx context.Context, cfg config.TailscaleConfig, loggers ldlog.Loggers) (*tsnet.Server, error) {
	srv := &tsnet.Server{
		Hostname: cfg.Hostname,
		AuthKey:  cfg.AuthKey,
		Dir:      cfg.StateDir,
		Logf:     logging.NewStdLogger(loggers, ldlog.Debug).Printf,
	}
	if cfg.KubeSecret != "" {
		store, err := newKubeStateStore(cfg.Kubeconfig, cfg.KubeSecret, cfg.Hostname)
		if err != nil {
			return nil, fmt.Errorf("creating state store: %w", err)
		}
		srv.Store = ipn.StateStore(store)
	}

	loggers.Info("Starting Tailscale...")
	status, err := srv.Up(ctx)
	if err != nil {
		srv.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	loggers.Infof("Tailscale node: %s %v", status.Self.DNSName, status.Self.TailscaleIPs)
	return srv, nil
}

// listenTailnet listens on the port of listen, on the tailnet or, with
// funnel, on the public internet. Funnel connections arrive as TLS
// connections with tailnet issued certificates.
func listenTailnet(srv *tsnet.Server, listen string, funnel bool) (net.Listener, error) {
	_, port, err := net.SplitHostPort(listen)
	if err != nil {
		return nil, fmt.Errorf("invalid listen address %q: %w", listen, err)
	}
	if !funnel {
		return srv.Listen("tcp", ":"+port)
	}
	lc, err := srv.LocalClient()
	if err != nil {
		return nil, fmt.Errorf("getting local client: %w", err)
	}
	tlsConfig := &tls.Config{
		GetCertificate: lc.GetCertificate,
		NextProtos:     []string{"h2", "http/1.1"},
	}
	return srv.ListenFunnel("tcp", ":"+port, tsnet.FunnelTLSConfig(tlsConfig))
}
