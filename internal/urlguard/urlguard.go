// Package urlguard rejects outbound fetch targets that are not http(s), sit
// on a disallowed port, resolve into a private/loopback/link-local range, or
// fall outside an operator-configured host allowlist.
package urlguard

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
)

// ErrBlocked is wrapped by every rejection reason this package returns.
var ErrBlocked = errors.New("url blocked")

// Resolver resolves a hostname to its candidate IP addresses. net.Resolver
// satisfies this; tests substitute a fake.
type Resolver interface {
	LookupIP(ctx context.Context, network, host string) ([]net.IP, error)
}

// Guard checks outbound fetch targets against scheme, port, DNS-resolution,
// private-range, and allowlist rules, in that order.
type Guard struct {
	resolver    Resolver
	enabled     bool
	allowedHosts map[string]bool
}

// New returns a Guard. allowedHosts, if non-empty, restricts fetches to
// those hosts (case-insensitive, exact match, no subdomain fuzziness).
// enabled=false disables every check and every Check call succeeds.
func New(resolver Resolver, enabled bool, allowedHosts []string) *Guard {
	var set map[string]bool
	if len(allowedHosts) > 0 {
		set = make(map[string]bool, len(allowedHosts))
		for _, h := range allowedHosts {
			set[strings.ToLower(h)] = true
		}
	}
	return &Guard{resolver: resolver, enabled: enabled, allowedHosts: set}
}

var privatePrefixes = mustParsePrefixes(
	"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16", "127.0.0.0/8", "169.254.0.0/16",
	"::1/128", "fc00::/7", "fe80::/10",
)

func mustParsePrefixes(cidrs ...string) []netip.Prefix {
	prefixes := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		p, err := netip.ParsePrefix(c)
		if err != nil {
			panic(fmt.Sprintf("urlguard: invalid built-in prefix %q: %v", c, err))
		}
		prefixes = append(prefixes, p)
	}
	return prefixes
}

// Check applies the five ordered rules to rawURL. A nil error means the URL
// is safe to fetch.
func (g *Guard) Check(ctx context.Context, rawURL string) error {
	if !g.enabled {
		return nil
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: unparseable url: %v", ErrBlocked, err)
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("%w: scheme %q not permitted", ErrBlocked, u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: empty host", ErrBlocked)
	}

	if port := u.Port(); port != "" {
		if port != "80" && port != "443" {
			return fmt.Errorf("%w: port %q not permitted", ErrBlocked, port)
		}
	}

	if g.allowedHosts != nil && !g.allowedHosts[strings.ToLower(host)] {
		return fmt.Errorf("%w: host %q not in allowlist", ErrBlocked, host)
	}

	addrs, err := g.lookup(ctx, host)
	if err != nil {
		return fmt.Errorf("%w: host %q did not resolve: %v", ErrBlocked, host, err)
	}
	if len(addrs) == 0 {
		return fmt.Errorf("%w: host %q resolved to no addresses", ErrBlocked, host)
	}
	for _, addr := range addrs {
		if isPrivate(addr) {
			return fmt.Errorf("%w: host %q resolves to private/loopback/link-local address %s", ErrBlocked, host, addr)
		}
	}

	if g.allowedHosts != nil && !g.allowedHosts[strings.ToLower(host)] {
		return fmt.Errorf("%w: host %q not in allowlist", ErrBlocked, host)
	}

	return nil
}

func (g *Guard) lookup(ctx context.Context, host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr.Unmap()}, nil
	}
	ips, err := g.resolver.LookupIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}
	addrs := make([]netip.Addr, 0, len(ips))
	for _, ip := range ips {
		addr, ok := netip.AddrFromSlice(ip)
		if !ok {
			continue
		}
		addrs = append(addrs, addr.Unmap())
	}
	return addrs, nil
}

func isPrivate(addr netip.Addr) bool {
	for _, p := range privatePrefixes {
		if p.Addr().Is4() != addr.Is4() {
			continue
		}
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
