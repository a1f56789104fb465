package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"

	ct "github.com/launchdarkly/go-configtypes"
	"github.com/mitchellh/go-homedir"
)

var (
	errTLSWithoutCertOrKey = errors.New("TLS cert and key are required if TLS is enabled")
	errNoListener          = errors.New("a listen address is required unless tailscale is enabled")
	errAudienceWithoutOIDC = errors.New("OIDC audience requires an OIDC issuer")
	errMaxConnections      = errors.New("max connections must not be negative")
)

func errBadHTTPMode(mode string) error {
	return fmt.Errorf("%q is not a valid HTTP mode (auto, http1, http2)", mode)
}

func errBadOverride(line string, err error) error {
	return fmt.Errorf("invalid DNS override %q: %w", line, err)
}

// Validate rejects contradictory settings. It may canonicalize c, for
// instance by expanding "~" in paths.
func Validate(c *Config) error {
	var result ct.ValidationResult

	validateTLS(&result, c)
	validateMain(&result, c)
	validateProxy(&result, c)
	if _, err := c.DNSOverrides(); err != nil {
		result.AddError(ct.ValidationPath{"DNS", "Override"}, err)
	}

	return result.GetError()
}

func validateTLS(result *ct.ValidationResult, c *Config) {
	if !c.TLS.Enabled {
		return
	}
	if c.TLS.Cert == "" || c.TLS.Key == "" {
		result.AddError(nil, errTLSWithoutCertOrKey)
		return
	}
	for _, p := range []*string{&c.TLS.Cert, &c.TLS.Key} {
		expanded, err := homedir.Expand(*p)
		if err != nil {
			result.AddError(ct.ValidationPath{"TLS"}, err)
			continue
		}
		*p = expanded
	}
}

func validateMain(result *ct.ValidationResult, c *Config) {
	if c.Main.Listen == "" && !c.Tailscale.Enabled {
		result.AddError(nil, errNoListener)
	}
	switch c.Main.HTTPMode {
	case "", "auto", "http1", "http2":
	default:
		result.AddError(ct.ValidationPath{"Main", "HTTPMode"}, errBadHTTPMode(c.Main.HTTPMode))
	}
	if c.Main.MaxConnections < 0 {
		result.AddError(ct.ValidationPath{"Main", "MaxConnections"}, errMaxConnections)
	}
}

func validateProxy(result *ct.ValidationResult, c *Config) {
	if c.Proxy.OIDCAudience != "" && !c.Proxy.OIDCIssuer.IsDefined() {
		result.AddError(nil, errAudienceWithoutOIDC)
	}
}

// DNSOverrides parses the [dns] override lines into a domain to addresses
// table.
func (c *Config) DNSOverrides() (map[string][]netip.Addr, error) {
	table := make(map[string][]netip.Addr, len(c.DNS.Override))
	for _, line := range c.DNS.Override {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return nil, errBadOverride(line, errors.New("want a domain and at least one address"))
		}
		for _, f := range fields[1:] {
			addr, err := netip.ParseAddr(f)
			if err != nil {
				return nil, errBadOverride(line, err)
			}
			table[fields[0]] = append(table[fields[0]], addr)
		}
	}
	return table, nil
}
