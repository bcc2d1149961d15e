package addrutil

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// PeerAddr resolves a configured neighbour address into an ip:port pair.
//
// The address may be a bare IP or hostname ("192.168.49.1"), in which case
// defaultPort is used, or carry an explicit port ("192.168.49.1:8888").
// Hostnames are resolved once; the first address returned wins.
func PeerAddr(ctx context.Context, addr string, defaultPort int) (netip.AddrPort, error) {
	host, port, err := splitAddr(addr, defaultPort)
	if err != nil {
		return netip.AddrPort{}, err
	}

	ip, err := netip.ParseAddr(host)
	if err != nil {
		ips, lerr := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
		if lerr != nil {
			return netip.AddrPort{}, fmt.Errorf("resolve %q: %w", host, lerr)
		}
		if len(ips) == 0 {
			return netip.AddrPort{}, fmt.Errorf("resolve %q: no addresses", host)
		}
		ip = ips[0]
	}
	return netip.AddrPortFrom(ip.Unmap(), uint16(port)), nil
}

func splitAddr(addr string, defaultPort int) (string, int, error) {
	a := strings.TrimSpace(addr)
	if a == "" {
		return "", 0, fmt.Errorf("empty address")
	}

	host := hostFromAddr(a)
	port := defaultPort
	if host != strings.Trim(a, "[]") {
		p, err := strconv.Atoi(a[strings.LastIndexByte(a, ':')+1:])
		if err != nil {
			return "", 0, fmt.Errorf("bad port in %q", addr)
		}
		port = p
	}
	if port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("port %d out of range", port)
	}
	return host, port, nil
}

func hostFromAddr(a string) string {
	// Fast path: "host:port" (IPv4 or bracketed IPv6).
	if h, _, err := net.SplitHostPort(a); err == nil {
		return h
	}

	// A bare IPv6 literal has several colons and no port.
	if strings.Count(a, ":") > 1 {
		return strings.Trim(a, "[]")
	}
	return a
}
