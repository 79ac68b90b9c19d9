// Package probe checks that a hybridwire responder is reachable and
// completes a handshake.
package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/postalsys/hybridwire/internal/client"
	"github.com/postalsys/hybridwire/internal/config"
	"github.com/postalsys/hybridwire/internal/crypto"
	"github.com/postalsys/hybridwire/internal/peer"
	"github.com/postalsys/hybridwire/internal/transport"
)

// Options contains configuration for a connectivity probe.
type Options struct {
	// Client carries address, auth, cipher and proxy settings. Connect
	// retries are disabled for the probe.
	Client config.ClientConfig

	// Timeout bounds the whole probe (default 10s).
	Timeout time.Duration
}

// Result contains the outcome of a probe.
type Result struct {
	Success bool
	Address string

	// Target is the proxied endpoint, empty for a direct probe.
	Target string

	Cipher        crypto.Suite
	Authenticated bool

	// RTT covers TCP connect and the full handshake.
	RTT time.Duration

	Error       error
	ErrorDetail string
}

// Probe connects, runs the handshake, and disconnects.
func Probe(ctx context.Context, opts Options) *Result {
	cfg := opts.Client
	result := &Result{Address: cfg.Address}
	if cfg.Proxy.Enabled {
		result.Target = net.JoinHostPort(cfg.Proxy.TargetHost, fmt.Sprint(cfg.Proxy.TargetPort))
	}

	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	cfg.ConnectAttempts = 1
	if cfg.ConnectTimeout <= 0 || cfg.ConnectTimeout > opts.Timeout {
		cfg.ConnectTimeout = opts.Timeout
	}

	c, err := client.New(cfg, client.Options{})
	if err != nil {
		result.Error = err
		result.ErrorDetail = classifyError(err)
		return result
	}

	start := time.Now()
	if err := c.Connect(ctx); err != nil {
		result.Error = err
		result.ErrorDetail = classifyError(err)
		return result
	}
	result.RTT = time.Since(start)
	defer c.Disconnect()

	conn := c.Connection()
	result.Success = true
	result.Cipher = conn.Suite()
	result.Authenticated = conn.IsAuthenticated()
	return result
}

// classifyError returns a human-readable description for common errors.
func classifyError(err error) string {
	if err == nil {
		return ""
	}
	errStr := err.Error()

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsNotFound {
			return "Could not resolve hostname - DNS lookup failed"
		}
		return "DNS error: " + dnsErr.Error()
	}

	switch {
	case errors.Is(err, peer.ErrAuthenticationRejected):
		return "Authentication rejected - check auth settings"
	case errors.Is(err, peer.ErrProxyUpstreamUnavailable):
		return "Proxy refused forwarding - target not allowed or unreachable"
	case errors.Is(err, transport.ErrUntrustedPeer):
		return "TLS error - proxy certificate not signed by the configured CA"
	case errors.Is(err, peer.ErrHandshakeTimeout):
		return "Handshake timed out - peer stopped responding"
	case errors.Is(err, peer.ErrConfirmationFailed):
		return "Key confirmation failed"
	case errors.Is(err, peer.ErrPeerClosedConnection):
		return "Peer closed the connection during the handshake - cipher or auth mismatch?"
	case errors.Is(err, peer.ErrMalformedHandshakeMessage):
		return "Connected but received an invalid response - not a hybridwire responder?"
	}

	if strings.Contains(errStr, "connection refused") {
		return "Connection refused - responder not running or port blocked"
	}
	if strings.Contains(errStr, "no route to host") {
		return "No route to host - network unreachable"
	}
	if strings.Contains(errStr, "network is unreachable") {
		return "Network unreachable"
	}
	if errors.Is(err, context.DeadlineExceeded) || strings.Contains(errStr, "timeout") {
		return "Connection timed out - firewall may be blocking"
	}
	if errors.Is(err, transport.ErrConnectRetryExhausted) {
		return "Could not connect: " + errStr
	}
	return errStr
}
