// Package dns defines the name resolution capability used by connectors and
// a few implementations of it: the system resolver, a caching resolver, an
// in-memory override table and an ordered fallback chain.
package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync"

	"tailscale.com/net/dnscache"
)

// ErrDomainNotMapped is returned by resolvers that have no records for a
// domain, as opposed to failing to look it up.
var ErrDomainNotMapped = errors.New("dns: domain not mapped")

// Resolver resolves domains to addresses.
type Resolver interface {
	IPv4Lookup(ctx context.Context, domain string) ([]netip.Addr, error)
	IPv6Lookup(ctx context.Context, domain string) ([]netip.Addr, error)
}

// LookupIP returns IPv4 addresses followed by IPv6 ones. It only fails when
// both lookups fail.
func LookupIP(ctx context.Context, r Resolver, domain string) ([]netip.Addr, error) {
	v4, err4 := r.IPv4Lookup(ctx, domain)
	v6, err6 := r.IPv6Lookup(ctx, domain)
	if err4 != nil && err6 != nil {
		return nil, errors.Join(err4, err6)
	}
	return append(v4, v6...), nil
}

func normalize(domain string) string {
	return strings.TrimSuffix(strings.ToLower(domain), ".")
}

// InMemory answers from a fixed table. It is safe for concurrent use and the
// table can be replaced at runtime.
type InMemory struct {
	mu sync.RWMutex
	v4 map[string][]netip.Addr
	v6 map[string][]netip.Addr
}

// NewInMemory returns an empty table.
func NewInMemory() *InMemory {
	return &InMemory{
		v4: map[string][]netip.Addr{},
		v6: map[string][]netip.Addr{},
	}
}

// Insert adds addresses for domain. Each address goes to the IPv4 or IPv6
// table according to its family.
func (m *InMemory) Insert(domain string, addrs ...netip.Addr) {
	domain = normalize(domain)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range addrs {
		a = a.Unmap()
		if a.Is4() {
			m.v4[domain] = append(m.v4[domain], a)
		} else {
			m.v6[domain] = append(m.v6[domain], a)
		}
	}
}

// Replace swaps the whole table for the given one.
func (m *InMemory) Replace(table map[string][]netip.Addr) {
	fresh := NewInMemory()
	for d, addrs := range table {
		fresh.Insert(d, addrs...)
	}
	m.mu.Lock()
	m.v4, m.v6 = fresh.v4, fresh.v6
	m.mu.Unlock()
}

// Len returns the number of domains in the table.
func (m *InMemory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]struct{}, len(m.v4)+len(m.v6))
	for d := range m.v4 {
		seen[d] = struct{}{}
	}
	for d := range m.v6 {
		seen[d] = struct{}{}
	}
	return len(seen)
}

func (m *InMemory) lookup(table func() map[string][]netip.Addr, domain string) ([]netip.Addr, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	addrs, ok := table()[normalize(domain)]
	if !ok || len(addrs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrDomainNotMapped, domain)
	}
	return append([]netip.Addr(nil), addrs...), nil
}

// IPv4Lookup implements Resolver.
func (m *InMemory) IPv4Lookup(_ context.Context, domain string) ([]netip.Addr, error) {
	return m.lookup(func() map[string][]netip.Addr { return m.v4 }, domain)
}

// IPv6Lookup implements Resolver.
func (m *InMemory) IPv6Lookup(_ context.Context, domain string) ([]netip.Addr, error) {
	return m.lookup(func() map[string][]netip.Addr { return m.v6 }, domain)
}

// Chain tries each resolver in order and returns the first successful answer.
// When all of them fail the errors are joined.
type Chain []Resolver

// IPv4Lookup implements Resolver.
func (c Chain) IPv4Lookup(ctx context.Context, domain string) ([]netip.Addr, error) {
	return c.lookup(ctx, domain, Resolver.IPv4Lookup)
}

// IPv6Lookup implements Resolver.
func (c Chain) IPv6Lookup(ctx context.Context, domain string) ([]netip.Addr, error) {
	return c.lookup(ctx, domain, Resolver.IPv6Lookup)
}

func (c Chain) lookup(ctx context.Context, domain string, fn func(Resolver, context.Context, string) ([]netip.Addr, error)) ([]netip.Addr, error) {
	if len(c) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrDomainNotMapped, domain)
	}
	var errs []error
	for _, r := range c {
		if r == nil {
			continue
		}
		addrs, err := fn(r, ctx, domain)
		if err == nil {
			return addrs, nil
		}
		errs = append(errs, err)
	}
	return nil, errors.Join(errs...)
}

// System resolves through a net.Resolver. The zero value uses
// net.DefaultResolver.
type System struct {
	Resolver *net.Resolver
}

func (s System) resolver() *net.Resolver {
	if s.Resolver != nil {
		return s.Resolver
	}
	return net.DefaultResolver
}

// IPv4Lookup implements Resolver.
func (s System) IPv4Lookup(ctx context.Context, domain string) ([]netip.Addr, error) {
	return s.lookup(ctx, "ip4", domain)
}

// IPv6Lookup implements Resolver.
func (s System) IPv6Lookup(ctx context.Context, domain string) ([]netip.Addr, error) {
	return s.lookup(ctx, "ip6", domain)
}

func (s System) lookup(ctx context.Context, network, domain string) ([]netip.Addr, error) {
	addrs, err := s.resolver().LookupNetIP(ctx, network, domain)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return nil, fmt.Errorf("%w: %s", ErrDomainNotMapped, domain)
		}
		return nil, err
	}
	for i, a := range addrs {
		addrs[i] = a.Unmap()
	}
	return addrs, nil
}

// Cached resolves through tailscale's caching resolver, which keeps answers
// for their TTL and can fall back to the last good answer when the upstream
// fails.
type Cached struct {
	r *dnscache.Resolver
}

// NewCached returns a caching resolver. A nil forward uses the system
// resolver.
func NewCached(forward *net.Resolver, useLastGood bool) *Cached {
	return &Cached{r: &dnscache.Resolver{
		Forward:     forward,
		UseLastGood: useLastGood,
	}}
}

func (c *Cached) lookup(ctx context.Context, domain string, want func(netip.Addr) bool) ([]netip.Addr, error) {
	_, _, all, err := c.r.LookupIP(ctx, domain)
	if err != nil {
		return nil, err
	}
	var out []netip.Addr
	for _, a := range all {
		if a = a.Unmap(); want(a) {
			out = append(out, a)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrDomainNotMapped, domain)
	}
	return out, nil
}

// IPv4Lookup implements Resolver.
func (c *Cached) IPv4Lookup(ctx context.Context, domain string) ([]netip.Addr, error) {
	return c.lookup(ctx, domain, netip.Addr.Is4)
}

// IPv6Lookup implements Resolver.
func (c *Cached) IPv6Lookup(ctx context.Context, domain string) ([]netip.Addr, error) {
	return c.lookup(ctx, domain, netip.Addr.Is6)
}
