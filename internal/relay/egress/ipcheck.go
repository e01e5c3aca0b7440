package egress

import (
	"net/netip"
	"strings"
)

// Cloud metadata services and their well-known addresses. Requests to any
// of these are refused before DNS resolution and no allowlist entry can
// re-admit them.
var blockedHostLiterals = map[string]struct{}{
	"metadata.google.internal": {},
	"169.254.169.254":          {},
	"169.254.170.2":            {},
	"100.100.100.200":          {},
}

var metadataAddrs = []netip.Addr{
	netip.MustParseAddr("169.254.169.254"), // AWS / Azure / GCP / OCI
	netip.MustParseAddr("169.254.170.2"),   // AWS ECS task credentials
	netip.MustParseAddr("100.100.100.200"), // Alibaba
}

var metadataRanges = []netip.Prefix{
	netip.MustParsePrefix("169.254.0.0/16"), // IPv4 link-local
	netip.MustParsePrefix("fe80::/10"),      // IPv6 link-local
}

var privateRanges = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"), // CGNAT
	netip.MustParsePrefix("fc00::/7"),      // unique local
	netip.MustParsePrefix("::1/128"),
}

// isBlockedHostLiteral reports whether the hostname itself is a known
// metadata name or address, checked before any DNS work.
func isBlockedHostLiteral(host string) bool {
	_, ok := blockedHostLiterals[strings.ToLower(host)]
	return ok
}

// isMetadataAddr reports whether addr belongs to a cloud metadata service
// or a link-local range. IPv4-mapped IPv6 addresses are classified by
// their v4 payload.
func isMetadataAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, m := range metadataAddrs {
		if addr == m {
			return true
		}
	}
	for _, r := range metadataRanges {
		if r.Contains(addr) {
			return true
		}
	}
	return false
}

// isPrivateAddr reports whether addr sits in a private, loopback, CGNAT or
// unique-local range. Link-local space is handled by isMetadataAddr and is
// deliberately absent here: it can never be allowlisted.
func isPrivateAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, r := range privateRanges {
		if r.Contains(addr) {
			return true
		}
	}
	return false
}
