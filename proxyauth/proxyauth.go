// Package proxyauth guards a request service with Proxy-Authorization.
//
// Basic credentials are checked against a replaceable credential set. The
// username may carry labels, "john-cc-us" authenticates as john and records a
// Filter with Country "us". Bearer tokens are handed to a TokenVerifier.
// Requests without acceptable credentials get 407 Proxy Authentication
// Required.
package proxyauth

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/launchdarkly/go-sdk-common/v3/ldlog"

	"lds.li/netpipe/httpkit"
	"lds.li/netpipe/service"
)

var (
	// ErrMissingCredentials is returned when a request carries no
	// Proxy-Authorization header.
	ErrMissingCredentials = errors.New("proxyauth: missing credentials")

	// ErrInvalidCredentials is returned when credentials do not check out.
	ErrInvalidCredentials = errors.New("proxyauth: invalid credentials")

	// ErrUnsupportedScheme is returned for authorization schemes the layer
	// is not configured for.
	ErrUnsupportedScheme = errors.New("proxyauth: unsupported scheme")
)

// User identifies the authenticated client. It is inserted into the request
// extensions.
type User struct {
	Name string
	// Method is "basic" or "bearer".
	Method string
}

// TokenVerifier checks a bearer token and returns the identity it carries.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (string, error)
}

// TokenVerifierFunc adapts a function to TokenVerifier.
type TokenVerifierFunc func(ctx context.Context, token string) (string, error)

// VerifyToken implements TokenVerifier.
func (f TokenVerifierFunc) VerifyToken(ctx context.Context, token string) (string, error) {
	return f(ctx, token)
}

// Credentials is a set of username and password pairs that can be replaced
// while requests are being checked.
type Credentials struct {
	users atomic.Pointer[map[string]string]
}

// NewCredentials returns a credential set holding users.
func NewCredentials(users map[string]string) *Credentials {
	c := &Credentials{}
	c.Replace(users)
	return c
}

// Replace swaps in a new set of users.
func (c *Credentials) Replace(users map[string]string) {
	m := make(map[string]string, len(users))
	for u, p := range users {
		m[u] = p
	}
	c.users.Store(&m)
}

// Len returns the number of users.
func (c *Credentials) Len() int {
	return len(*c.users.Load())
}

// Check reports whether user and password match an entry.
func (c *Credentials) Check(user, password string) bool {
	want, ok := (*c.users.Load())[user]
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(password)) == 1
}

// Config configures the layer. At least one of Credentials and Verifier
// should be set, otherwise every request is turned down.
type Config struct {
	Credentials *Credentials
	Verifier    TokenVerifier

	// Labels enables username labels for Basic credentials.
	Labels bool

	// Realm is announced in Proxy-Authenticate. Defaults to "netpipe".
	Realm string

	Loggers ldlog.Loggers
}

// Layer returns the authentication layer.
func Layer(cfg Config) service.Layer[*http.Request, *http.Response] {
	if cfg.Realm == "" {
		cfg.Realm = "netpipe"
	}
	return service.LayerFunc[*http.Request, *http.Response](func(inner service.Service[*http.Request, *http.Response]) service.Service[*http.Request, *http.Response] {
		return service.ServiceFunc[*http.Request, *http.Response](func(ctx *service.Context, req *http.Request) (*http.Response, error) {
			user, filter, err := cfg.authenticate(ctx.Context(), req)
			if err != nil {
				cfg.Loggers.Debugf("Proxy authentication failed for %s: %v", req.RemoteAddr, err)
				return cfg.challenge(req), nil
			}
			service.Insert(ctx.Extensions(), user)
			if filter != nil {
				service.Insert(ctx.Extensions(), filter)
			}
			return inner.Serve(ctx, req)
		})
	})
}

func (cfg *Config) authenticate(ctx context.Context, req *http.Request) (User, *Filter, error) {
	header := req.Header.Get("Proxy-Authorization")
	if header == "" {
		return User{}, nil, ErrMissingCredentials
	}
	scheme, value, _ := strings.Cut(header, " ")
	value = strings.TrimSpace(value)

	switch {
	case strings.EqualFold(scheme, "basic") && cfg.Credentials != nil:
		return cfg.basic(value)
	case strings.EqualFold(scheme, "bearer") && cfg.Verifier != nil:
		name, err := cfg.Verifier.VerifyToken(ctx, value)
		if err != nil {
			return User{}, nil, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
		}
		return User{Name: name, Method: "bearer"}, nil, nil
	default:
		return User{}, nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, scheme)
	}
}

func (cfg *Config) basic(value string) (User, *Filter, error) {
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return User{}, nil, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	username, password, ok := strings.Cut(string(raw), ":")
	if !ok {
		return User{}, nil, fmt.Errorf("%w: malformed basic credentials", ErrInvalidCredentials)
	}

	var filter *Filter
	if cfg.Labels {
		username, filter, err = ParseUsername(username)
		if err != nil {
			return User{}, nil, err
		}
	}
	if !cfg.Credentials.Check(username, password) {
		return User{}, nil, fmt.Errorf("%w: user %q", ErrInvalidCredentials, username)
	}
	return User{Name: username, Method: "basic"}, filter, nil
}

func (cfg *Config) challenge(req *http.Request) *http.Response {
	resp := httpkit.StatusResponse(req, http.StatusProxyAuthRequired)
	// An empty credential set only advertises Basic when nothing else can.
	if cfg.Credentials != nil && (cfg.Credentials.Len() > 0 || cfg.Verifier == nil) {
		resp.Header.Add("Proxy-Authenticate", fmt.Sprintf("Basic realm=%q", cfg.Realm))
	}
	if cfg.Verifier != nil {
		resp.Header.Add("Proxy-Authenticate", fmt.Sprintf("Bearer realm=%q", cfg.Realm))
	}
	return resp
}
