// Package httpmatch provides service.Matcher implementations for HTTP
// requests.
package httpmatch

import (
	"net/http"
	"strings"

	"lds.li/netpipe/httpkit"
	"lds.li/netpipe/service"
)

// DomainMatcher matches the host a request is aimed at against a domain.
type DomainMatcher struct {
	domain string
	sub    bool
}

// Domain matches requests for exactly domain, ignoring case.
func Domain(domain string) *DomainMatcher {
	return &DomainMatcher{domain: strings.ToLower(domain)}
}

// SubDomain matches requests for subdomains of domain, ignoring case.
// "example.com" matches "www.example.com" but neither "example.com" nor
// "myexample.com".
func SubDomain(domain string) *DomainMatcher {
	return &DomainMatcher{domain: strings.ToLower(domain), sub: true}
}

// MatchHost reports whether host satisfies the matcher.
func (m *DomainMatcher) MatchHost(host string) bool {
	n, d := len(host), len(m.domain)
	switch {
	case n == d:
		return !m.sub && strings.EqualFold(host, m.domain)
	case n < d || !m.sub:
		return false
	}
	if host[n-d-1] != '.' {
		return false
	}
	return strings.EqualFold(host[n-d:], m.domain)
}

// Matches implements service.Matcher. The host is taken from the memoized
// request context.
func (m *DomainMatcher) Matches(_ *service.Extensions, ctx *service.Context, req *http.Request) bool {
	rc := httpkit.RequestContextFrom(ctx, req)
	if rc.Host == "" {
		return false
	}
	return m.MatchHost(rc.Host)
}
