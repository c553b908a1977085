package decision

import (
	"fmt"
	"net/netip"
	"strings"
)

// ParseAndSanitize parses an IP or CIDR string and returns its canonical
// form. IPv4-mapped IPv6 addresses collapse to IPv4, ranges are masked to
// their network address and zones are dropped.
func ParseAndSanitize(value string) (canonical string, isRange bool, err error) {
	value = strings.TrimSpace(value)

	if strings.Contains(value, "/") {
		prefix, err := netip.ParsePrefix(value)
		if err != nil {
			return "", false, fmt.Errorf("invalid CIDR %q: %w", value, err)
		}
		addr := prefix.Addr()
		bits := prefix.Bits()
		if addr.Is4In6() && bits >= 96 {
			addr, bits = addr.Unmap(), bits-96
		}
		return netip.PrefixFrom(addr, bits).Masked().String(), true, nil
	}

	addr, err := netip.ParseAddr(value)
	if err != nil {
		return "", false, fmt.Errorf("invalid IP address %q: %w", value, err)
	}
	return addr.WithZone("").Unmap().String(), false, nil
}

// Canonical returns the canonical form of a client address, or the trimmed
// input unchanged when it is not a single IP. Malformed client input is
// expected traffic and still has to be rate limited under some key.
func Canonical(ip string) string {
	canonical, isRange, err := ParseAndSanitize(ip)
	if err != nil || isRange {
		return strings.TrimSpace(ip)
	}
	return canonical
}

// IsPrivate returns true if the IP/CIDR is RFC1918, loopback, link-local,
// CGNAT, ULA or Teredo space. Such addresses are never banned.
func IsPrivate(value string) bool {
	addr, ok := leadingAddr(value)
	if !ok {
		return false
	}
	if addr.IsPrivate() || addr.IsLoopback() || addr.IsLinkLocalUnicast() {
		return true
	}
	for _, p := range extraPrivate {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

var extraPrivate = []netip.Prefix{
	netip.MustParsePrefix("100.64.0.0/10"), // CGNAT (RFC 6598)
	netip.MustParsePrefix("100::/64"),      // discard-only
}

// Whitelist is a set of networks exempt from blocking.
type Whitelist []netip.Prefix

// ParseWhitelist parses IP/CIDR strings. Single IPs become /32 or /128.
func ParseWhitelist(entries []string) (Whitelist, error) {
	result := make(Whitelist, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		canonical, isRange, err := ParseAndSanitize(e)
		if err != nil {
			return nil, fmt.Errorf("invalid whitelist entry %q: %w", e, err)
		}
		if !isRange {
			addr := netip.MustParseAddr(canonical)
			result = append(result, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		result = append(result, netip.MustParsePrefix(canonical))
	}
	return result, nil
}

// Contains reports whether the IP, or the network address of a CIDR, falls
// inside any whitelisted network.
func (w Whitelist) Contains(value string) bool {
	addr, ok := leadingAddr(value)
	if !ok {
		return false
	}
	for _, p := range w {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func leadingAddr(value string) (netip.Addr, bool) {
	canonical, isRange, err := ParseAndSanitize(value)
	if err != nil {
		return netip.Addr{}, false
	}
	if isRange {
		return netip.MustParsePrefix(canonical).Addr(), true
	}
	return netip.MustParseAddr(canonical), true
}
