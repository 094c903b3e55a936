package upstream

import (
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/keithlinneman/mdembed/internal/xerrors"
)

var (
	// ErrHostNotAllowed is returned by Fetch for a source host outside AllowedHosts.
	ErrHostNotAllowed = errors.New("source host not allowed")
	// ErrNonPublicAddress is returned when a source resolves to an address
	// that is not reachable on the public internet.
	ErrNonPublicAddress = errors.New("source address is not public")
)

// reservedNets are globally routable by net.IP's rules but still reach the
// local host or the carrier network.
var reservedNets = mustParseCIDRs(
	"0.0.0.0/8",     // "this network", 0.0.0.0 dials localhost on linux
	"100.64.0.0/10", // carrier-grade nat
	"192.0.0.0/24",  // ietf protocol assignments
	"198.18.0.0/15", // benchmarking
	"64:ff9b::/96",  // nat64 can embed any ipv4 address
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		out = append(out, n)
	}
	return out
}

// publicIP reports whether ip is a global unicast address outside the
// private, loopback, link-local and reserved ranges.
func publicIP(ip net.IP) bool {
	if ip == nil || !ip.IsGlobalUnicast() || ip.IsPrivate() {
		return false
	}
	for _, n := range reservedNets {
		if n.Contains(ip) {
			return false
		}
	}
	return true
}

// refuseNonPublic is a net.Dialer Control hook. It runs after DNS resolution
// so a public hostname that resolves to 169.254.169.254 is still refused.
func refuseNonPublic(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return xerrors.Wrapf(err, "split dial address %q", address)
	}
	if !publicIP(net.ParseIP(host)) {
		return xerrors.Wrapf(ErrNonPublicAddress, "dial %s", host)
	}
	return nil
}

// guardedTransport clones the default transport with a dialer that refuses
// non-public addresses. Proxies are disabled, otherwise the guard would only
// see the proxy address.
func guardedTransport() *http.Transport {
	d := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
		Control:   refuseNonPublic,
	}
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.Proxy = nil
	t.DialContext = d.DialContext
	return t
}

// hostSet is a case-insensitive set of hostnames. An empty set allows everything.
type hostSet map[string]struct{}

func newHostSet(hosts []string) hostSet {
	s := make(hostSet, len(hosts))
	for _, h := range hosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			s[h] = struct{}{}
		}
	}
	return s
}

func (s hostSet) check(u *url.URL) error {
	if u.Scheme != "http" && u.Scheme != "https" {
		return xerrors.Wrapf(ErrHostNotAllowed, "scheme %q", u.Scheme)
	}
	if len(s) == 0 {
		return nil
	}
	host := strings.ToLower(u.Hostname())
	if _, ok := s[host]; !ok {
		return xerrors.Wrapf(ErrHostNotAllowed, "host %q", host)
	}
	return nil
}
