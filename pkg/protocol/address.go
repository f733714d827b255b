package protocol

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	ma "github.com/multiformats/go-multiaddr"
)

var ErrInvalidAddress = errors.New("invalid peer address")

const onionSuffix = ".onion"

// ToMultiaddr converts an advertised peer address into a multiaddr.
//
// Accepted forms:
//   - a multiaddr: /ip4/10.0.0.1/tcp/9000, /dns/example.org/tcp/9000, /onion3/<id>:80
//   - host:port with an IP literal or DNS name
//   - <id>.onion:port for a v3 hidden service
func ToMultiaddr(addr string) (ma.Multiaddr, error) {
	if addr == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidAddress)
	}

	if strings.HasPrefix(addr, "/") {
		m, err := ma.NewMultiaddr(addr)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
		}
		return m, nil
	}

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return nil, fmt.Errorf("%w: port %q", ErrInvalidAddress, portStr)
	}

	var s string
	switch ip := net.ParseIP(host); {
	case strings.HasSuffix(host, onionSuffix):
		s = fmt.Sprintf("/onion3/%s:%d", strings.TrimSuffix(host, onionSuffix), port)
	case ip != nil && ip.To4() != nil:
		s = fmt.Sprintf("/ip4/%s/tcp/%d", ip, port)
	case ip != nil:
		s = fmt.Sprintf("/ip6/%s/tcp/%d", ip, port)
	default:
		s = fmt.Sprintf("/dns/%s/tcp/%d", host, port)
	}

	m, err := ma.NewMultiaddr(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	return m, nil
}

// ValidateAddress checks that addr is a dialable peer address
func ValidateAddress(addr string) error {
	_, err := DialTarget(addr)
	return err
}

// DialTarget returns the host:port form of a peer address
func DialTarget(addr string) (string, error) {
	m, err := ToMultiaddr(addr)
	if err != nil {
		return "", err
	}

	if v, err := m.ValueForProtocol(ma.P_ONION3); err == nil {
		// "<id>:<port>"
		i := strings.LastIndexByte(v, ':')
		if i < 0 {
			return "", fmt.Errorf("%w: onion3 value %q", ErrInvalidAddress, v)
		}
		return v[:i] + onionSuffix + v[i:], nil
	}

	port, err := m.ValueForProtocol(ma.P_TCP)
	if err != nil {
		return "", fmt.Errorf("%w: no tcp port in %s", ErrInvalidAddress, m)
	}

	for _, code := range []int{ma.P_IP4, ma.P_IP6, ma.P_DNS, ma.P_DNS4, ma.P_DNS6} {
		if host, err := m.ValueForProtocol(code); err == nil {
			return net.JoinHostPort(host, port), nil
		}
	}
	return "", fmt.Errorf("%w: no host in %s", ErrInvalidAddress, m)
}
