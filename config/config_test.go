package config

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/launchdarkly/go-sdk-common/v3/ldlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
[main]
listen = 127.0.0.1:3128
logLevel = debug
httpMode = http1
shutdownTimeout = 45s
maxConnections = 10

[proxy]
labels = true
oidcIssuer = https://issuer.example
oidcAudience = netpipe

[dns]
cache = true
override = echo.internal 127.0.0.1
override = dual.internal 10.0.0.1 ::1

[hijack]
domain = api.example

[socks]
listen = 127.0.0.1:1080

[user "alice"]
password = secret
`

func TestLoadString(t *testing.T) {
	c := DefaultConfig()
	require.NoError(t, LoadString(&c, sampleConfig))

	assert.Equal(t, "127.0.0.1:3128", c.Main.Listen)
	assert.Equal(t, ldlog.Debug, c.Main.LogLevel.GetOrElse(ldlog.Info))
	assert.Equal(t, "http1", c.Main.HTTPMode)
	assert.Equal(t, 45*time.Second, c.Main.ShutdownTimeout.GetOrElse(0))
	assert.Equal(t, DefaultIdleTimeout, c.Main.IdleTimeout.GetOrElse(0))
	assert.Equal(t, 10, c.Main.MaxConnections)
	assert.True(t, c.Proxy.Labels)
	assert.Equal(t, DefaultRealm, c.Proxy.Realm)
	assert.Equal(t, "https://issuer.example", c.Proxy.OIDCIssuer.String())
	assert.True(t, c.Hijack.Enabled)
	assert.Equal(t, "api.example", c.Hijack.Domain)
	assert.Equal(t, "127.0.0.1:1080", c.SOCKS.Listen)
	assert.Equal(t, map[string]string{"alice": "secret"}, c.Users())
	assert.True(t, c.AuthRequired())

	table, err := c.DNSOverrides()
	require.NoError(t, err)
	assert.Equal(t, map[string][]netip.Addr{
		"echo.internal": {netip.MustParseAddr("127.0.0.1")},
		"dual.internal": {netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("::1")},
	}, table)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "netpipe.conf")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))

	c := DefaultConfig()
	require.NoError(t, LoadFile(&c, path))
	assert.Equal(t, "127.0.0.1:3128", c.Main.Listen)

	c = DefaultConfig()
	err := LoadFile(&c, filepath.Join(t.TempDir(), "missing.conf"))
	assert.Error(t, err)
}

func TestUnknownVariable(t *testing.T) {
	c := DefaultConfig()
	err := LoadString(&c, "[main]\nlisen = :1\n")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported or misspelled")
}

func TestValidation(t *testing.T) {
	for _, tc := range []struct {
		name   string
		config string
		want   string
	}{
		{"tls without cert", "[tls]\nenabled = true\nkey = k.pem\n", "TLS cert and key"},
		{"bad mode", "[main]\nhttpMode = spdy\n", "not a valid HTTP mode"},
		{"audience without issuer", "[proxy]\noidcAudience = x\n", "OIDC audience"},
		{"bad override", "[dns]\noverride = only.domain\n", "invalid DNS override"},
		{"bad override address", "[dns]\noverride = a.example 300.1.1.1\n", "invalid DNS override"},
		{"bad log level", "[main]\nlogLevel = loud\n", "loud"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := DefaultConfig()
			err := LoadString(&c, tc.config)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestTLSPathsExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	c := DefaultConfig()
	require.NoError(t, LoadString(&c, "[tls]\nenabled = true\ncert = ~/cert.pem\nkey = /etc/key.pem\n"))
	assert.Equal(t, filepath.Join(home, "cert.pem"), c.TLS.Cert)
	assert.Equal(t, "/etc/key.pem", c.TLS.Key)
}

func TestLoadEnvironment(t *testing.T) {
	t.Setenv("LISTEN", ":9999")
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("SOCKS_LISTEN", ":1081")
	t.Setenv("TS_ENABLED", "true")
	t.Setenv("PROXY_USER_bob", "hunter2")

	c := DefaultConfig()
	require.NoError(t, LoadString(&c, sampleConfig))
	require.NoError(t, LoadEnvironment(&c))

	assert.Equal(t, ":9999", c.Main.Listen)
	assert.Equal(t, ldlog.Warn, c.Main.LogLevel.GetOrElse(ldlog.Info))
	assert.Equal(t, ":1081", c.SOCKS.Listen)
	assert.True(t, c.Tailscale.Enabled)
	assert.Equal(t, map[string]string{"alice": "secret", "bob": "hunter2"}, c.Users())
}

func TestLoadEnvironmentInvalid(t *testing.T) {
	t.Setenv("MAX_CONNECTIONS", "many")
	c := DefaultConfig()
	assert.Error(t, LoadEnvironment(&c))
}

func TestListenerRequired(t *testing.T) {
	c := DefaultConfig()
	c.Main.Listen = ""
	assert.ErrorContains(t, Validate(&c), "listen address")

	c.Tailscale.Enabled = true
	assert.NoError(t, Validate(&c))
}

func TestDefaultsNeedNoAuth(t *testing.T) {
	c := DefaultConfig()
	require.NoError(t, Validate(&c))
	assert.False(t, c.AuthRequired())
	assert.Empty(t, c.Users())
}
