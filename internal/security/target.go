// Package security validates navigation targets and redacts secrets from
// values that end up in logs.
package security

import (
	"context"
	"errors"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Target validation errors.
var (
	ErrInvalidTarget    = errors.New("invalid target URL")
	ErrBlockedScheme    = errors.New("URL scheme not allowed")
	ErrLocalTarget      = errors.New("loopback targets are not allowed")
	ErrPrivateTarget    = errors.New("private or link-local targets are not allowed")
	ErrMetadataTarget   = errors.New("cloud metadata targets are not allowed")
	ErrCredentialsInURL = errors.New("credentials in target URL are not allowed")
)

// metadataHosts are cloud metadata endpoints by name.
var metadataHosts = map[string]bool{
	"metadata.google.internal": true,
	"metadata":                 true,
	"instance-data":            true,
}

var metadataIPs = []net.IP{
	net.ParseIP("169.254.169.254"),
	net.ParseIP("169.254.170.2"),
	net.ParseIP("100.100.100.200"),
	net.ParseIP("192.0.0.192"),
	net.ParseIP("fd00:ec2::254"),
}

// Resolver looks up the addresses of a host.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// TargetChecker decides whether a tab may be pointed at a URL. Tabs run a
// real browser on the server, so without the check any API caller could
// reach the server's own network.
type TargetChecker struct {
	// AllowLocal permits loopback and private addresses. Metadata
	// endpoints stay blocked.
	AllowLocal bool
	Resolver   Resolver
}

// NewTargetChecker creates a checker using the system resolver.
func NewTargetChecker(allowLocal bool) *TargetChecker {
	return &TargetChecker{AllowLocal: allowLocal, Resolver: net.DefaultResolver}
}

// Check validates rawURL. Host names are resolved and every address is
// checked; a failed lookup is allowed and left to the browser.
func (c *TargetChecker) Check(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ErrInvalidTarget
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return ErrBlockedScheme
	}
	if u.Host == "" {
		return ErrInvalidTarget
	}
	if u.User != nil {
		return ErrCredentialsInURL
	}

	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return ErrInvalidTarget
	}
	if metadataHosts[host] {
		return ErrMetadataTarget
	}
	if isLocalName(host) {
		if c.AllowLocal {
			return nil
		}
		return ErrLocalTarget
	}

	if ip := parseLooseIP(host); ip != nil {
		return c.checkIP(ip)
	}

	if c.Resolver == nil {
		return nil
	}
	addrs, err := c.Resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil
	}
	for _, a := range addrs {
		if err := c.checkIP(a.IP); err != nil {
			return err
		}
	}
	return nil
}

func (c *TargetChecker) checkIP(ip net.IP) error {
	if ip4 := ip.To4(); ip4 != nil {
		ip = ip4
	}
	for _, m := range metadataIPs {
		if ip.Equal(m) {
			return ErrMetadataTarget
		}
	}
	if c.AllowLocal {
		return nil
	}
	switch {
	case ip.IsLoopback():
		return ErrLocalTarget
	case ip.IsPrivate(), ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast(), ip.IsUnspecified():
		return ErrPrivateTarget
	}
	return nil
}

func isLocalName(host string) bool {
	switch host {
	case "localhost", "localhost.localdomain", "ip6-localhost", "ip6-loopback":
		return true
	}
	return strings.HasSuffix(host, ".localhost")
}

// parseLooseIP parses host as an IP address, accepting the decimal, octal,
// hex and shortened IPv4 forms browsers accept.
func parseLooseIP(host string) net.IP {
	if ip := net.ParseIP(host); ip != nil {
		return ip
	}
	if n, err := strconv.ParseUint(host, 10, 32); err == nil {
		return net.IPv4(byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
	}

	parts := strings.Split(host, ".")
	switch len(parts) {
	case 4:
		var b [4]byte
		for i, p := range parts {
			v, err := parseComponent(p)
			if err != nil || v > 255 {
				return nil
			}
			b[i] = byte(v)
		}
		return net.IPv4(b[0], b[1], b[2], b[3])
	case 2:
		first, err1 := parseComponent(parts[0])
		rest, err2 := parseComponent(parts[1])
		if err1 != nil || err2 != nil || first > 255 || rest > 0xFFFFFF {
			return nil
		}
		return net.IPv4(byte(first), byte(rest>>16), byte(rest>>8), byte(rest))
	}
	return nil
}

func parseComponent(s string) (uint64, error) {
	switch {
	case s == "":
		return 0, ErrInvalidTarget
	case strings.HasPrefix(s, "0x"), strings.HasPrefix(s, "0X"):
		return strconv.ParseUint(s[2:], 16, 32)
	case len(s) > 1 && s[0] == '0':
		return strconv.ParseUint(s[1:], 8, 32)
	}
	return strconv.ParseUint(s, 10, 32)
}
