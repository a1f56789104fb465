// Package config describes the configuration of netpipe-proxy. It is read
// from a gcfg file and then from environment variables, which take
// precedence.
package config

import (
	"time"

	ct "github.com/launchdarkly/go-configtypes"
)

const (
	// DefaultListen is the default proxy listen address.
	DefaultListen = ":8080"

	// DefaultShutdownTimeout bounds how long in-flight connections get to
	// finish after a shutdown signal.
	DefaultShutdownTimeout = 30 * time.Second

	// DefaultMaxConnections is the default ceiling on concurrently served
	// connections.
	DefaultMaxConnections = 2048

	// DefaultIdleTimeout closes connections that move no bytes for this long.
	DefaultIdleTimeout = 5 * time.Minute

	// DefaultHijackDomain is answered by the built in API instead of being
	// proxied.
	DefaultHijackDomain = "echo.example"

	// DefaultRealm is sent in Proxy-Authenticate challenges.
	DefaultRealm = "netpipe"
)

// Config is the whole netpipe-proxy configuration.
//
// Start from DefaultConfig and apply LoadFile and LoadEnvironment.
type Config struct {
	Main      MainConfig
	Proxy     ProxyConfig
	TLS       TLSConfig
	DNS       DNSConfig
	Hijack    HijackConfig
	SOCKS     SOCKSConfig
	Tailscale TailscaleConfig
	User      map[string]*UserConfig
}

// MainConfig corresponds to the [main] section.
type MainConfig struct {
	Listen          string         `conf:"LISTEN"`
	LogLevel        OptLogLevel    `conf:"LOG_LEVEL"`
	HTTPMode        string         `conf:"HTTP_MODE"`
	ShutdownTimeout ct.OptDuration `conf:"SHUTDOWN_TIMEOUT"`
	IdleTimeout     ct.OptDuration `conf:"IDLE_TIMEOUT"`
	MaxConnections  int            `conf:"MAX_CONNECTIONS"`
}

// ProxyConfig corresponds to the [proxy] section. Authentication is
// required when any [user] is configured or an OIDC issuer is set.
type ProxyConfig struct {
	Realm        string            `conf:"PROXY_REALM"`
	Labels       bool              `conf:"PROXY_LABELS"`
	OIDCIssuer   ct.OptURLAbsolute `conf:"OIDC_ISSUER"`
	OIDCAudience string            `conf:"OIDC_AUDIENCE"`
}

// TLSConfig corresponds to the [tls] section. When enabled the proxy
// listener terminates TLS itself.
type TLSConfig struct {
	Enabled bool   `conf:"TLS_ENABLED"`
	Cert    string `conf:"TLS_CERT"`
	Key     string `conf:"TLS_KEY"`
}

// DNSConfig corresponds to the [dns] section. Each Override line has the
// form "domain addr [addr...]".
type DNSConfig struct {
	Cache       bool `conf:"DNS_CACHE"`
	UseLastGood bool `conf:"DNS_USE_LAST_GOOD"`
	Override    []string
}

// HijackConfig corresponds to the [hijack] section.
type HijackConfig struct {
	Enabled bool   `conf:"HIJACK_ENABLED"`
	Domain  string `conf:"HIJACK_DOMAIN"`
}

// SOCKSConfig corresponds to the [socks] section. An empty Listen disables
// the SOCKS5 listener.
type SOCKSConfig struct {
	Listen string `conf:"SOCKS_LISTEN"`
}

// TailscaleConfig corresponds to the [tailscale] section. When enabled the
// proxy listens on the tailnet instead of Main.Listen. State is kept in
// StateDir, or in a Kubernetes secret when KubeSecret is set.
type TailscaleConfig struct {
	Enabled    bool   `conf:"TS_ENABLED"`
	Hostname   string `conf:"TS_HOSTNAME"`
	AuthKey    string `conf:"TS_AUTHKEY"`
	Funnel     bool   `conf:"TS_FUNNEL"`
	StateDir   string `conf:"TS_STATE_DIR"`
	KubeSecret string `conf:"TS_KUBE_SECRET"`
	Kubeconfig string `conf:"KUBECONFIG"`
}

// UserConfig is a [user "name"] section.
type UserConfig struct {
	Password string
}

// DefaultConfig returns a Config with every default filled in.
func DefaultConfig() Config {
	return Config{
		Main: MainConfig{
			Listen:          DefaultListen,
			HTTPMode:        "auto",
			ShutdownTimeout: ct.NewOptDuration(DefaultShutdownTimeout),
			IdleTimeout:     ct.NewOptDuration(DefaultIdleTimeout),
			MaxConnections:  DefaultMaxConnections,
		},
		Proxy: ProxyConfig{
			Realm: DefaultRealm,
		},
		Hijack: HijackConfig{
			Enabled: true,
			Domain:  DefaultHijackDomain,
		},
		Tailscale: TailscaleConfig{
			Hostname: "netpipe",
		},
	}
}

// Users returns the configured credentials as a name to password map.
func (c *Config) Users() map[string]string {
	users := make(map[string]string, len(c.User))
	for name, u := range c.User {
		if u != nil {
			users[name] = u.Password
		}
	}
	return users
}

// AuthRequired reports whether the proxy must authenticate clients.
func (c *Config) AuthRequired() bool {
	return len(c.User) > 0 || c.Proxy.OIDCIssuer.IsDefined()
}
