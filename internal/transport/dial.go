// Package transport opens the TCP connections hybridwire runs on and
// upgrades them to TLS when a proxy hop asks for it.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/postalsys/hybridwire/internal/logging"
)

// Connect defaults.
const (
	DefaultConnectAttempts = 3
	DefaultConnectTimeout  = 3 * time.Second
	DefaultConnectBackoff  = 1 * time.Second
)

// ErrConnectRetryExhausted is returned when every connect attempt failed.
var ErrConnectRetryExhausted = errors.New("connect retries exhausted")

// DialFunc opens a single connection.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// DialOptions configures DialWithRetry.
type DialOptions struct {
	// Attempts is the total number of tries.
	Attempts int

	// Timeout bounds each individual attempt.
	Timeout time.Duration

	// Backoff is the delay step; attempt n (from 0) waits n*Backoff first.
	Backoff time.Duration

	Logger *slog.Logger

	// Dial overrides the dialer (tests).
	Dial DialFunc
}

// DefaultDialOptions returns 3 attempts of 3s each with 0s, 1s, 2s delays.
func DefaultDialOptions() DialOptions {
	return DialOptions{
		Attempts: DefaultConnectAttempts,
		Timeout:  DefaultConnectTimeout,
		Backoff:  DefaultConnectBackoff,
	}
}

// DialWithRetry opens a TCP connection to address. Only the connect step is
// retried; the returned error wraps ErrConnectRetryExhausted and the last
// dial error.
func DialWithRetry(ctx context.Context, address string, opts DialOptions) (net.Conn, error) {
	if opts.Attempts < 1 {
		opts.Attempts = DefaultConnectAttempts
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultConnectTimeout
	}
	dial := opts.Dial
	if dial == nil {
		dial = (&net.Dialer{}).DialContext
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}

	var lastErr error
	for attempt := 0; attempt < opts.Attempts; attempt++ {
		if delay := time.Duration(attempt) * opts.Backoff; delay > 0 {
			if err := sleep(ctx, delay); err != nil {
				return nil, err
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
		conn, err := dial(attemptCtx, "tcp", address)
		cancel()
		if err == nil {
			return conn, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.Debug("connect attempt failed",
			logging.KeyAddress, address,
			logging.KeyAttempt, attempt+1,
			logging.KeyError, err)
	}

	return nil, fmt.Errorf("%w: %s after %d attempts: %w", ErrConnectRetryExhausted, address, opts.Attempts, lastErr)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
