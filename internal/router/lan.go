package router

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/gaspardpetit/fleetwatch/internal/fleet"
)

// DefaultLANCIDRs covers the Tailscale CGNAT range and its IPv6 prefix.
var DefaultLANCIDRs = []string{"100.64.0.0/10", "fd7a:115c:a1e0::/48"}

// DefaultLANDomains covers MagicDNS names.
var DefaultLANDomains = []string{".ts.net"}

// LAN decides whether a node address is on the same private network as the
// requester.
type LAN struct {
	Prefixes []netip.Prefix
	Domains  []string
}

// ParseLAN builds a LAN from CIDR strings and DNS suffixes.
func ParseLAN(cidrs, domains []string) (LAN, error) {
	var l LAN
	for _, c := range cidrs {
		p, err := netip.ParsePrefix(strings.TrimSpace(c))
		if err != nil {
			return LAN{}, fmt.Errorf("lan cidr %q: %w", c, err)
		}
		l.Prefixes = append(l.Prefixes, p.Masked())
	}
	for _, d := range domains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" {
			continue
		}
		if !strings.HasPrefix(d, ".") {
			d = "." + d
		}
		l.Domains = append(l.Domains, d)
	}
	return l, nil
}

// Contains reports whether address falls inside the LAN.
func (l LAN) Contains(address string) bool {
	host := strings.ToLower(fleet.HostOf(address))
	if host == "" {
		return false
	}
	if ip, err := netip.ParseAddr(host); err == nil {
		ip = ip.Unmap()
		for _, p := range l.Prefixes {
			if p.Contains(ip) {
				return true
			}
		}
		return false
	}
	for _, d := range l.Domains {
		if strings.HasSuffix(host, d) || host == strings.TrimPrefix(d, ".") {
			return true
		}
	}
	return false
}
