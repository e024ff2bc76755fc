package client

import (
	"net"
	"strconv"
	"strings"
)

// parseHost accepts the host string formats the controller endpoint allows:
// "addr", "addr:port", "[ipv6]", "[ipv6]:port". A returned port of 0 means
// no port was given; a present port must be in [1, 65535], so ":0" is
// rejected.
// A malformed bracketed address or an out-of-range port is a ConfigError.
func parseHost(host string) (addr string, port uint16, err error) {
	if host == "" {
		return "", 0, newConfigError("empty host")
	}

	if strings.HasPrefix(host, "[") {
		closeIdx := strings.IndexByte(host, ']')
		if closeIdx < 0 {
			return "", 0, newConfigError("malformed bracketed address %q", host)
		}
		addr = host[1:closeIdx]
		if addr == "" {
			return "", 0, newConfigError("empty address in %q", host)
		}
		rest := host[closeIdx+1:]
		switch {
		case rest == "":
			return addr, 0, checkIPv6(addr, host)
		case strings.HasPrefix(rest, ":"):
			p, err := parsePort(rest[1:], host)
			if err != nil {
				return "", 0, err
			}
			return addr, p, checkIPv6(addr, host)
		default:
			return "", 0, newConfigError("malformed suffix after bracketed address %q", host)
		}
	}

	// No brackets: could be a bare IPv4/hostname, "addr:port", or a bare
	// IPv6 literal (which itself contains multiple colons).
	firstColon := strings.IndexByte(host, ':')
	if firstColon < 0 {
		return host, 0, nil
	}
	if strings.IndexByte(host[firstColon+1:], ':') >= 0 {
		// More than one colon with no brackets: bare IPv6 literal, no port.
		return host, 0, checkIPv6(host, host)
	}

	addr = host[:firstColon]
	if addr == "" {
		return "", 0, newConfigError("empty address in %q", host)
	}
	p, err := parsePort(host[firstColon+1:], host)
	if err != nil {
		return "", 0, err
	}
	return addr, p, nil
}

func parsePort(s, original string) (uint16, error) {
	if s == "" {
		return 0, newConfigError("missing port after ':' in %q", original)
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 || n > 65535 {
		return 0, newConfigError("invalid port %q in %q", s, original)
	}
	return uint16(n), nil
}

func checkIPv6(addr, original string) error {
	if net.ParseIP(addr) == nil {
		return newConfigError("invalid bracketed address %q in %q", addr, original)
	}
	return nil
}
