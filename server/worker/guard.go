package worker

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"syscall"
)

// Guard blocks outbound requests from reaching loopback, private or
// link-local addresses. Enforcement happens at dial time through the
// transport's Control hook, so redirects and DNS rebinding cannot route
// around it. Allowlist entries are CIDRs, single IPs, or hostnames
// resolved once at construction.
type Guard struct {
	allowNets []*net.IPNet
}

func NewGuard(allowlist []string) (*Guard, error) {
	g := &Guard{}
	for _, entry := range allowlist {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if _, ipnet, err := net.ParseCIDR(entry); err == nil {
			g.allowNets = append(g.allowNets, ipnet)
			continue
		}
		if ip := net.ParseIP(entry); ip != nil {
			g.allowNets = append(g.allowNets, singleIPNet(ip))
			continue
		}
		ips, err := net.LookupIP(entry)
		if err != nil {
			return nil, fmt.Errorf("ssrf allowlist entry %q: %w", entry, err)
		}
		for _, ip := range ips {
			g.allowNets = append(g.allowNets, singleIPNet(ip))
		}
	}
	return g, nil
}

func singleIPNet(ip net.IP) *net.IPNet {
	bits := 32
	if ip.To4() == nil {
		bits = 128
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}
}

// CheckURL is the cheap pre-flight check: scheme and non-empty host.
// Address-level enforcement happens in DialControl.
func (g *Guard) CheckURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid target url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("target url has no host")
	}
	return nil
}

// DialControl rejects blocked destinations at connect time. Wired as the
// net.Dialer Control hook on the worker transport.
func (g *Guard) DialControl(network, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("dial %s: %w", address, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return fmt.Errorf("dial %s: not an ip address", address)
	}
	if g.blocked(ip) {
		return fmt.Errorf("destination %s is not allowed", ip)
	}
	return nil
}

func (g *Guard) blocked(ip net.IP) bool {
	for _, n := range g.allowNets {
		if n.Contains(ip) {
			return false
		}
	}
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified()
}
