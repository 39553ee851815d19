// Package discovery produces candidate peer addresses for the peer manager.
package discovery

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

// ErrBadEndpoint is returned for endpoints that do not parse.
var ErrBadEndpoint = errors.New("invalid peer endpoint")

// Candidate is a peer address produced by discovery.
type Candidate struct {
	Host string  // host as configured, or the IP literal
	Port int     //
	IP   net.IP  // nil until resolved
	ID   peer.ID // empty when the source does not know the identity
}

// Resolved reports whether the candidate has an IP address.
func (c Candidate) Resolved() bool { return c.IP != nil }

func (c Candidate) String() string {
	host := c.Host
	if c.IP != nil {
		host = c.IP.String()
	}
	s := net.JoinHostPort(host, strconv.Itoa(c.Port))
	if c.ID != "" {
		s += "/" + c.ID.ShortString()
	}
	return s
}

// Multiaddr returns the transport address of a resolved candidate.
func (c Candidate) Multiaddr() (ma.Multiaddr, error) {
	if c.IP == nil {
		return nil, fmt.Errorf("candidate %s is not resolved", c.Host)
	}
	addr, err := manet.FromNetAddr(&net.TCPAddr{IP: c.IP, Port: c.Port})
	if err != nil {
		return nil, err
	}
	return addr, nil
}

// AddrInfo returns the dialable form of the candidate.
func (c Candidate) AddrInfo() (peer.AddrInfo, error) {
	if c.ID == "" {
		return peer.AddrInfo{}, fmt.Errorf("candidate %s has no peer id", c)
	}
	addr, err := c.Multiaddr()
	if err != nil {
		return peer.AddrInfo{}, err
	}
	return peer.AddrInfo{ID: c.ID, Addrs: []ma.Multiaddr{addr}}, nil
}

// Matches reports whether c and o name the same endpoint: the same port
// and the same host name or IP address.
func (c Candidate) Matches(o Candidate) bool {
	if c.Port != o.Port {
		return false
	}
	if c.Host != "" && strings.EqualFold(c.Host, o.Host) {
		return true
	}
	if c.IP != nil && o.IP != nil && c.IP.Equal(o.IP) {
		return true
	}
	if c.IP != nil && o.IP == nil && c.IP.String() == o.Host {
		return true
	}
	return o.IP != nil && c.IP == nil && o.IP.String() == c.Host
}

// FromMultiaddr builds a resolved candidate from a connected peer's
// remote address.
func FromMultiaddr(addr ma.Multiaddr, id peer.ID) (Candidate, error) {
	na, err := manet.ToNetAddr(addr)
	if err != nil {
		return Candidate{}, err
	}
	tcp, ok := na.(*net.TCPAddr)
	if !ok {
		return Candidate{}, fmt.Errorf("%w: %s is not tcp", ErrBadEndpoint, addr)
	}
	return Candidate{Host: tcp.IP.String(), Port: tcp.Port, IP: tcp.IP, ID: id}, nil
}

// ParseEndpoint parses host, host:port, [v6]:port or a multiaddr of the
// form /ip4|ip6|dns|dns4|dns6/<host>/tcp/<port>[/p2p/<id>].
// defaultPort applies when no port is given.
func ParseEndpoint(s string, defaultPort int) (Candidate, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Candidate{}, fmt.Errorf("%w: empty", ErrBadEndpoint)
	}
	if strings.HasPrefix(s, "/") {
		return parseMultiaddr(s)
	}

	host, portStr := s, ""
	if ip := net.ParseIP(s); ip == nil {
		if h, p, err := net.SplitHostPort(s); err == nil {
			if p == "" {
				return Candidate{}, fmt.Errorf("%w: empty port in %q", ErrBadEndpoint, s)
			}
			host, portStr = h, p
		} else if strings.ContainsAny(s, "[]:") {
			return Candidate{}, fmt.Errorf("%w: %q: %v", ErrBadEndpoint, s, err)
		}
	}
	port := defaultPort
	if portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return Candidate{}, fmt.Errorf("%w: bad port %q", ErrBadEndpoint, portStr)
		}
		port = p
	}
	if port <= 0 || port > 65535 {
		return Candidate{}, fmt.Errorf("%w: port %d out of range", ErrBadEndpoint, port)
	}
	if host == "" {
		return Candidate{}, fmt.Errorf("%w: empty host in %q", ErrBadEndpoint, s)
	}
	c := Candidate{Host: host, Port: port}
	if ip := net.ParseIP(host); ip != nil {
		c.IP = ip
		c.Host = ip.String()
	}
	return c, nil
}

func parseMultiaddr(s string) (Candidate, error) {
	m, err := ma.NewMultiaddr(s)
	if err != nil {
		return Candidate{}, fmt.Errorf("%w: %v", ErrBadEndpoint, err)
	}
	transport, id := peer.SplitAddr(m)
	if len(transport) == 0 {
		return Candidate{}, fmt.Errorf("%w: %q has no transport", ErrBadEndpoint, s)
	}
	portStr, err := transport.ValueForProtocol(ma.P_TCP)
	if err != nil {
		return Candidate{}, fmt.Errorf("%w: %q has no tcp port", ErrBadEndpoint, s)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Candidate{}, fmt.Errorf("%w: bad port %q", ErrBadEndpoint, portStr)
	}

	c := Candidate{Port: port, ID: id}
	for _, code := range []int{ma.P_IP4, ma.P_IP6} {
		if v, err := transport.ValueForProtocol(code); err == nil {
			c.IP = net.ParseIP(v)
			c.Host = c.IP.String()
			return c, nil
		}
	}
	for _, code := range []int{ma.P_DNS4, ma.P_DNS6, ma.P_DNS} {
		if v, err := transport.ValueForProtocol(code); err == nil {
			c.Host = v
			return c, nil
		}
	}
	return Candidate{}, fmt.Errorf("%w: %q has no host", ErrBadEndpoint, s)
}
