package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/postalsys/hybridwire/internal/config"
	"github.com/postalsys/hybridwire/internal/protocol"
	"github.com/postalsys/hybridwire/internal/transport"
)

// ErrTargetNotAllowed is returned for a forwarding target outside
// proxy.allowed_targets.
var ErrTargetNotAllowed = errors.New("proxy target not allowed")

// targetRule matches either an exact host:port or any port on a network.
type targetRule struct {
	network  *net.IPNet
	hostPort string
}

func parseTargetRule(s string) (targetRule, error) {
	if _, network, err := net.ParseCIDR(s); err == nil {
		return targetRule{network: network}, nil
	}
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return targetRule{}, fmt.Errorf("invalid target %q: %w", s, err)
	}
	return targetRule{hostPort: net.JoinHostPort(strings.ToLower(host), port)}, nil
}

// match compares literally; host names are not resolved to test against
// CIDR rules.
func (r targetRule) match(t protocol.ProxyTarget) bool {
	if r.network != nil {
		ip := net.ParseIP(t.Host)
		return ip != nil && r.network.Contains(ip)
	}
	return r.hostPort == net.JoinHostPort(strings.ToLower(t.Host), fmt.Sprint(t.Port))
}

// targetDialer is the proxy node's peer.Forwarder.
type targetDialer struct {
	rules   []targetRule
	timeout time.Duration
	dial    transport.DialFunc
}

func newTargetDialer(cfg config.ProxyConfig, dial transport.DialFunc) (*targetDialer, error) {
	d := &targetDialer{timeout: cfg.DialTimeout, dial: dial}
	if d.dial == nil {
		var nd net.Dialer
		d.dial = nd.DialContext
	}
	for _, s := range cfg.AllowedTargets {
		rule, err := parseTargetRule(s)
		if err != nil {
			return nil, err
		}
		d.rules = append(d.rules, rule)
	}
	return d, nil
}

// Allowed reports whether t may be forwarded to. No rules allows any target.
func (d *targetDialer) Allowed(t protocol.ProxyTarget) bool {
	if len(d.rules) == 0 {
		return true
	}
	for _, r := range d.rules {
		if r.match(t) {
			return true
		}
	}
	return false
}

// Forward dials the target.
func (d *targetDialer) Forward(ctx context.Context, t protocol.ProxyTarget) (net.Conn, error) {
	if t.Host == "" || t.Port == 0 {
		return nil, fmt.Errorf("%w: %q", ErrTargetNotAllowed, t.Address())
	}
	if !d.Allowed(t) {
		return nil, fmt.Errorf("%w: %s", ErrTargetNotAllowed, t.Address())
	}
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	conn, err := d.dial(ctx, "tcp", t.Address())
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", t.Address(), err)
	}
	return conn, nil
}
