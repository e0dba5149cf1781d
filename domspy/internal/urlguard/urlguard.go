// Package urlguard rejects page URLs that would make the browser reach
// private or loopback hosts.
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

var (
	// ErrPrivate is returned for URLs resolving to a private, loopback or
	// link-local address.
	ErrPrivate = errors.New("urlguard: URL targets a private or loopback address")
	// ErrScheme is returned for schemes other than http and https.
	ErrScheme = errors.New("urlguard: only http and https URLs can be opened")
)

var privateRanges = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("fc00::/7"),
}

// Resolver looks up the addresses of a host.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Check validates rawURL with the default resolver.
func Check(ctx context.Context, rawURL string) error {
	return CheckWith(ctx, net.DefaultResolver, rawURL)
}

// CheckWith validates that rawURL is http(s) and that neither its literal
// host nor any resolved address is private. A failed lookup is let through:
// navigation fails on its own.
func CheckWith(ctx context.Context, r Resolver, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("urlguard: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return fmt.Errorf("%w: %q", ErrScheme, u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return errors.New("urlguard: URL has no host")
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		return checkAddr(host, addr)
	}
	addrs, err := r.LookupHost(ctx, host)
	if err != nil {
		return nil
	}
	for _, a := range addrs {
		if addr, err := netip.ParseAddr(a); err == nil {
			if err := checkAddr(host, addr); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkAddr(host string, addr netip.Addr) error {
	if IsPrivate(addr) {
		return fmt.Errorf("%w: %s (%s)", ErrPrivate, host, addr)
	}
	return nil
}

// IsPrivate reports whether addr is loopback, link-local, unspecified or in
// a private range.
func IsPrivate(addr netip.Addr) bool {
	addr = addr.Unmap()
	if addr.IsLoopback() || addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() || addr.IsUnspecified() {
		return true
	}
	for _, p := range privateRanges {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
