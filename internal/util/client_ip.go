package util

import (
	"fmt"
	"net/http"
	"net/netip"
	"strings"
)

// Proxies is the set of reverse proxies allowed to assert forwarded-for
// headers. The portal sits behind at most one LB in front of the SPA API, so
// the list is normally a single address or CIDR from config.
type Proxies struct {
	prefixes []netip.Prefix
}

// ParseProxies builds a proxy allowlist from IP or CIDR entries. Empty input
// yields nil, which means forwarded headers are never trusted.
func ParseProxies(entries []string) (*Proxies, error) {
	var prefixes []netip.Prefix
	for _, raw := range entries {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", entry, err)
			}
			prefixes = append(prefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", entry, err)
		}
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	if len(prefixes) == 0 {
		return nil, nil
	}
	return &Proxies{prefixes: prefixes}, nil
}

// Contains reports whether addr belongs to the allowlist.
func (p *Proxies) Contains(addr netip.Addr) bool {
	if p == nil || !addr.IsValid() {
		return false
	}
	for _, prefix := range p.prefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// ClientIP resolves the caller address for rate limiting and audit logs.
// X-Forwarded-For is honored only when the direct peer is a trusted proxy;
// the chain is walked right to left until the first untrusted hop.
func ClientIP(r *http.Request, proxies *Proxies) string {
	peer, ok := parseHostAddr(r.RemoteAddr)
	if !ok {
		return strings.TrimSpace(r.RemoteAddr)
	}
	if !proxies.Contains(peer) {
		return peer.String()
	}

	hops := forwardedChain(r.Header.Get("X-Forwarded-For"))
	if len(hops) > 0 {
		hops = append(hops, peer)
		for i := len(hops) - 1; i >= 0; i-- {
			if !proxies.Contains(hops[i]) {
				return hops[i].String()
			}
		}
		// Every hop trusted: the leftmost entry is the best guess.
		return hops[0].String()
	}
	if realIP, err := netip.ParseAddr(strings.TrimSpace(r.Header.Get("X-Real-IP"))); err == nil {
		return realIP.String()
	}
	return peer.String()
}

func forwardedChain(header string) []netip.Addr {
	var hops []netip.Addr
	for _, part := range strings.Split(header, ",") {
		addr, err := netip.ParseAddr(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		hops = append(hops, addr)
	}
	return hops
}

func parseHostAddr(remoteAddr string) (netip.Addr, bool) {
	remoteAddr = strings.TrimSpace(remoteAddr)
	if ap, err := netip.ParseAddrPort(remoteAddr); err == nil {
		return ap.Addr(), true
	}
	if addr, err := netip.ParseAddr(remoteAddr); err == nil {
		return addr, true
	}
	return netip.Addr{}, false
}
