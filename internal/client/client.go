// Package client implements the initiator side of hybridwire. A Client owns
// at most one connection and carries one outstanding request at a time.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/hybridwire/internal/auth"
	"github.com/postalsys/hybridwire/internal/config"
	"github.com/postalsys/hybridwire/internal/crypto"
	"github.com/postalsys/hybridwire/internal/logging"
	"github.com/postalsys/hybridwire/internal/metrics"
	"github.com/postalsys/hybridwire/internal/peer"
	"github.com/postalsys/hybridwire/internal/protocol"
	"github.com/postalsys/hybridwire/internal/transport"
)

var (
	// ErrNotConnected is returned by Send and Receive without an
	// established connection.
	ErrNotConnected = errors.New("not connected")

	// ErrUnexpectedReply is returned by SendMessage when the peer answers
	// with something other than an RPC reply.
	ErrUnexpectedReply = errors.New("unexpected reply")

	// ErrConnectAborted is returned by Connect when Disconnect interrupts it.
	ErrConnectAborted = errors.New("connect aborted")
)

// Options carries the client's collaborators.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Dial overrides the TCP dialer (tests).
	Dial transport.DialFunc
}

// Client is the initiator facade.
type Client struct {
	address  string
	maxFrame int
	logger   *slog.Logger
	metrics  *metrics.Metrics
	dialOpts transport.DialOptions
	initCfg  peer.InitiatorConfig

	mu         sync.Mutex
	conn       *peer.Connection
	abort      context.CancelFunc
	connecting atomic.Bool

	// connectMu serializes Connect calls without blocking readers of mu.
	connectMu sync.Mutex

	// callMu serializes SendMessage round trips.
	callMu sync.Mutex
}

// New builds a client from cfg. TLS material for a proxied route is read
// from disk here.
func New(cfg config.ClientConfig, opts Options) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	logger = logging.Component(logger, "client")

	provider, err := auth.New(cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("failed to create auth provider: %w", err)
	}
	suite, err := crypto.ParseSuite(cfg.Cipher)
	if err != nil {
		return nil, err
	}

	c := &Client{
		address:  cfg.Address,
		maxFrame: cfg.MaxFrameBytes(),
		logger:   logger,
		metrics:  opts.Metrics,
		dialOpts: transport.DialOptions{
			Attempts: cfg.ConnectAttempts,
			Timeout:  cfg.ConnectTimeout,
			Backoff:  cfg.ConnectBackoff,
			Logger:   logger,
			Dial:     opts.Dial,
		},
		initCfg: peer.InitiatorConfig{
			Auth:    provider,
			Suite:   suite,
			Timeout: cfg.HandshakeTimeout,
			Logger:  logger,
			Metrics: opts.Metrics,
		},
	}

	if cfg.Proxy.Enabled {
		route, err := proxyRoute(cfg)
		if err != nil {
			return nil, err
		}
		c.initCfg.Proxy = route
	}

	return c, nil
}

func proxyRoute(cfg config.ClientConfig) (*peer.ProxyRoute, error) {
	if cfg.Proxy.TargetPort < 1 || cfg.Proxy.TargetPort > 65535 {
		return nil, fmt.Errorf("invalid proxy target port %d", cfg.Proxy.TargetPort)
	}
	route := &peer.ProxyRoute{
		Target: protocol.ProxyTarget{
			Host:   cfg.Proxy.TargetHost,
			Port:   uint16(cfg.Proxy.TargetPort),
			UseTLS: cfg.Proxy.UseTLS,
		},
	}

	downstream, err := auth.New(cfg.Proxy.Auth)
	if err != nil {
		return nil, fmt.Errorf("failed to create downstream auth provider: %w", err)
	}
	route.DownstreamAuth = downstream

	if cfg.Proxy.UseTLS {
		material, err := transport.LoadMaterial(cfg.TLS)
		if err != nil {
			return nil, err
		}
		if material == nil {
			return nil, errors.New("proxy.use_tls requires client.tls")
		}
		if route.TLS, err = material.ClientConfig(); err != nil {
			return nil, err
		}
	}
	return route, nil
}

// Connect dials the configured address, retrying the TCP connect, and runs
// the handshake. On failure the client stays disconnected. Connecting an
// already connected client is a no-op.
//
// The handshake connection is visible to State while it runs, and
// Disconnect aborts an in-flight Connect.
func (c *Client) Connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	if c.conn != nil && c.conn.State() == peer.StateEstablished {
		c.mu.Unlock()
		return nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.abort = cancel
	c.connecting.Store(true)
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.abort = nil
		c.connecting.Store(false)
		c.mu.Unlock()
	}()

	raw, err := transport.DialWithRetry(ctx, c.address, c.dialOpts)
	if err != nil {
		return err
	}

	conn := peer.NewConnection(raw, crypto.RoleInitiator, peer.ConnectionOptions{
		MaxFrameSize: c.maxFrame,
		Logger:       c.logger,
		Metrics:      c.metrics,
	})
	c.mu.Lock()
	if ctx.Err() != nil {
		c.mu.Unlock()
		conn.Close()
		return fmt.Errorf("%w: %w", ErrConnectAborted, ctx.Err())
	}
	c.conn = conn
	c.mu.Unlock()

	start := time.Now()
	if err := peer.Initiate(ctx, conn, c.initCfg); err != nil {
		c.drop(conn)
		return fmt.Errorf("handshake with %s failed: %w", c.address, err)
	}

	c.mu.Lock()
	current := c.conn == conn
	c.mu.Unlock()
	if !current {
		conn.Close()
		return ErrConnectAborted
	}

	c.logger.Info("connected",
		logging.KeyAddress, c.address,
		logging.KeyCipher, string(conn.Suite()),
		logging.KeyDuration, time.Since(start))
	return nil
}

// IsConnected reports whether an established connection is held.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && c.conn.State() == peer.StateEstablished
}

// State returns the connection state. It is StateConnecting while the TCP
// connect is being retried and follows the handshake steps after that.
func (c *Client) State() peer.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		if st := c.conn.State(); st != peer.StateDisconnected || !c.connecting.Load() {
			return st
		}
	}
	if c.connecting.Load() {
		return peer.StateConnecting
	}
	return peer.StateDisconnected
}

// Connection returns the held connection, or nil.
func (c *Client) Connection() *peer.Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Client) current() (*peer.Connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.conn.State() != peer.StateEstablished {
		return nil, ErrNotConnected
	}
	return c.conn, nil
}

// Send encrypts payload into an RPC request and writes it.
func (c *Client) Send(ctx context.Context, payload []byte) error {
	conn, err := c.current()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	stop := context.AfterFunc(ctx, func() {
		_ = conn.NetConn().SetWriteDeadline(time.Unix(1, 0))
	})
	err = conn.Send(&protocol.RPCRequestMessage{Payload: payload})
	if !stop() {
		c.drop(conn)
		return ctx.Err()
	}
	if err != nil {
		c.drop(conn)
	}
	return err
}

// Receive returns the next message from the peer. A peer close is returned
// as the EOF ErrorMessage value and leaves the client disconnected.
// Cancelling ctx mid-read drops the connection, since the frame stream can
// no longer be trusted.
func (c *Client) Receive(ctx context.Context) (protocol.Message, error) {
	conn, err := c.current()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stop := context.AfterFunc(ctx, func() {
		_ = conn.NetConn().SetReadDeadline(time.Unix(1, 0))
	})
	m, err := conn.Receive()
	if !stop() {
		c.drop(conn)
		return nil, ctx.Err()
	}
	if err != nil {
		c.drop(conn)
		return nil, err
	}
	if em, ok := m.(*protocol.ErrorMessage); ok {
		c.drop(conn)
		return em, nil
	}
	return m, nil
}

// SendMessage sends payload and waits for the reply payload. Concurrent
// calls are serialized.
func (c *Client) SendMessage(ctx context.Context, payload []byte) ([]byte, error) {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	if err := c.Send(ctx, payload); err != nil {
		return nil, err
	}
	m, err := c.Receive(ctx)
	if err != nil {
		return nil, err
	}

	switch msg := m.(type) {
	case *protocol.RPCReplyMessage:
		return msg.Payload, nil
	case *protocol.ErrorMessage:
		if protocol.IsEOF(msg) {
			return nil, peer.ErrPeerClosedConnection
		}
		return nil, &peer.RemoteError{Reason: msg.Reason}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedReply, m.Type())
	}
}

// Disconnect closes the connection, aborting a Connect in progress. It is
// safe to call when not connected.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	if c.abort != nil {
		c.abort()
	}
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	err := conn.Close()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	c.logger.Info("disconnected", logging.KeyAddress, c.address)
	return err
}

// drop closes conn and forgets it if it is still the current connection.
func (c *Client) drop(conn *peer.Connection) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	conn.Close()
}
