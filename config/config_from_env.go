package config

import (
	ct "github.com/launchdarkly/go-configtypes"
)

// userEnvPrefix introduces a proxy user: PROXY_USER_alice=secret.
const userEnvPrefix = "PROXY_USER_"

// LoadEnvironment overrides fields of c from environment variables and
// validates the result.
func LoadEnvironment(c *Config) error {
	reader := ct.NewVarReaderFromEnvironment()

	reader.ReadStruct(&c.Main, false)
	reader.ReadStruct(&c.Proxy, false)
	reader.ReadStruct(&c.TLS, false)
	reader.ReadStruct(&c.DNS, false)
	reader.ReadStruct(&c.Hijack, false)
	reader.ReadStruct(&c.SOCKS, false)
	reader.ReadStruct(&c.Tailscale, false)

	for name, password := range reader.FindPrefixedValues(userEnvPrefix) {
		if c.User == nil {
			c.User = make(map[string]*UserConfig)
		}
		c.User[name] = &UserConfig{Password: password}
	}

	if !reader.Result().OK() {
		return reader.Result().GetError()
	}
	return Validate(c)
}
