// Package server implements the responder side of hybridwire: it accepts
// TCP connections, runs the handshake on each in its own goroutine, relays
// forwarded connections, and queues decoded RPC requests for a single
// dispatch consumer.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/netutil"
	"golang.org/x/time/rate"

	"github.com/postalsys/hybridwire/internal/auth"
	"github.com/postalsys/hybridwire/internal/config"
	"github.com/postalsys/hybridwire/internal/crypto"
	"github.com/postalsys/hybridwire/internal/health"
	"github.com/postalsys/hybridwire/internal/logging"
	"github.com/postalsys/hybridwire/internal/metrics"
	"github.com/postalsys/hybridwire/internal/peer"
	"github.com/postalsys/hybridwire/internal/protocol"
	"github.com/postalsys/hybridwire/internal/recovery"
	"github.com/postalsys/hybridwire/internal/registry"
	"github.com/postalsys/hybridwire/internal/relay"
	"github.com/postalsys/hybridwire/internal/transport"
)

var (
	// ErrServerClosed is returned by Serve after Close.
	ErrServerClosed = errors.New("server closed")

	// ErrUnknownPeer is returned by SendReply for an address or handle with
	// no registered connection.
	ErrUnknownPeer = errors.New("unknown peer")
)

// Options carries the server's collaborators.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Dial opens forwarding connections. Defaults to net.Dialer.
	Dial transport.DialFunc
}

// Server is the responder.
type Server struct {
	cfg     config.ServerConfig
	logger  *slog.Logger
	metrics *metrics.Metrics

	auth      auth.Provider
	suites    []crypto.Suite
	tlsConfig *tls.Config
	forwarder peer.Forwarder
	limiter   *rate.Limiter

	registry *registry.Registry

	mu        sync.Mutex
	listeners map[net.Listener]struct{}

	wg     sync.WaitGroup
	closed atomic.Bool
	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a server from cfg. TLS material is read from disk here.
func New(cfg config.ServerConfig, opts Options) (*Server, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}

	provider, err := auth.New(cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("failed to create auth provider: %w", err)
	}

	suites := make([]crypto.Suite, 0, len(cfg.Ciphers))
	for _, name := range cfg.Ciphers {
		s, err := crypto.ParseSuite(name)
		if err != nil {
			return nil, err
		}
		suites = append(suites, s)
	}

	material, err := transport.LoadMaterial(cfg.TLS)
	if err != nil {
		return nil, err
	}
	var tlsConfig *tls.Config
	if material != nil {
		if tlsConfig, err = material.ServerConfig(); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:       cfg,
		logger:    logging.Component(logger, "server"),
		metrics:   opts.Metrics,
		auth:      provider,
		suites:    suites,
		tlsConfig: tlsConfig,
		registry:  registry.New(cfg.InboundQueueSize, opts.Metrics),
		listeners: make(map[net.Listener]struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}

	if cfg.Proxy.Enabled {
		fwd, err := newTargetDialer(cfg.Proxy, opts.Dial)
		if err != nil {
			cancel()
			return nil, err
		}
		s.forwarder = fwd
	}

	if cfg.HandshakeRate > 0 {
		burst := int(cfg.HandshakeRate)
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.HandshakeRate), burst)
	}

	return s, nil
}

// Registry exposes the connection registry.
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// IsRunning reports whether the server is accepting connections.
func (s *Server) IsRunning() bool {
	if s.closed.Load() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners) > 0
}

// Stats summarizes registered connections by state.
func (s *Server) Stats() health.Stats {
	st := health.Stats{QueueDepth: s.registry.Pending()}
	for _, e := range s.registry.Snapshot() {
		st.Connections++
		switch e.Conn.State() {
		case peer.StateEstablished:
			st.Established++
		case peer.StateRelaying:
			st.Relaying++
		case peer.StateDisconnected, peer.StateFailed:
		default:
			st.Handshaking++
		}
	}
	return st
}

// ListenAndServe listens on the configured address and serves until ctx is
// cancelled or Close is called.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Address, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln. Accept errors such as EMFILE are retried
// with backoff. It always returns a non-nil error; ErrServerClosed after
// Close or cancellation.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConnections)
	}
	if !s.trackListener(ln, true) {
		ln.Close()
		return ErrServerClosed
	}
	defer s.trackListener(ln, false)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()
	stopClose := context.AfterFunc(ctx, func() { ln.Close() })
	defer stopClose()

	s.logger.Info("listening",
		logging.KeyAddress, ln.Addr().String(),
		logging.KeyAuth, providerName(s.auth),
		"proxy", s.forwarder != nil)

	var backoff time.Duration
	for {
		raw, err := ln.Accept()
		if err != nil {
			if s.closed.Load() || ctx.Err() != nil {
				return ErrServerClosed
			}
			// A listener closed behind our back never recovers.
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("accept failed: %w", err)
			}
			backoff = nextBackoff(backoff)
			s.logger.Warn("accept failed, retrying",
				logging.KeyError, err,
				logging.KeyDuration, backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ErrServerClosed
			}
			continue
		}
		backoff = 0
		if s.closed.Load() {
			raw.Close()
			return ErrServerClosed
		}

		recovery.Go(s.logger, &s.wg, "server.handleConn", func() {
			s.handleConn(ctx, raw)
		})
	}
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	d *= 2
	if d > time.Second {
		d = time.Second
	}
	return d
}

func (s *Server) trackListener(ln net.Listener, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		if s.closed.Load() {
			return false
		}
		s.listeners[ln] = struct{}{}
	} else {
		delete(s.listeners, ln)
	}
	return true
}

// handleConn owns one accepted connection for its whole life.
func (s *Server) handleConn(ctx context.Context, raw net.Conn) {
	conn := peer.NewConnection(raw, crypto.RoleResponder, peer.ConnectionOptions{
		MaxFrameSize: s.cfg.MaxFrameBytes(),
		Logger:       s.logger,
		Metrics:      s.metrics,
	})
	entry := s.registry.Accept(conn)
	defer s.registry.Remove(entry.ID)

	logger := s.logger.With(
		logging.KeyConnID, entry.ID.String(),
		logging.KeyRemoteAddr, entry.Addr)

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
	}

	fwd, err := peer.Respond(ctx, conn, peer.ResponderConfig{
		Auth:          s.auth,
		AllowedSuites: s.suites,
		Timeout:       s.cfg.HandshakeTimeout,
		Forwarder:     s.forwarder,
		TLS:           s.tlsConfig,
		Logger:        logger,
		Metrics:       s.metrics,
	})
	if err != nil {
		logger.Info("handshake failed", logging.KeyError, err)
		return
	}

	if fwd != nil {
		logger.Info("relaying", logging.KeyTarget, fwd.Target.Address())
		_, err := relay.Relay(ctx, conn.NetConn(), fwd.Upstream, relay.Options{
			BytesPerSecond: s.cfg.Proxy.RateLimitBytes(),
			Logger:         logger,
			Metrics:        s.metrics,
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Debug("relay ended", logging.KeyError, err)
		}
		return
	}

	logger.Info("connection established", logging.KeyCipher, string(conn.Suite()))
	s.readLoop(ctx, entry, logger)
}

// readLoop queues RPC requests until the peer closes. There is no read
// deadline; a silent peer is reclaimed only by close or shutdown.
func (s *Server) readLoop(ctx context.Context, entry *registry.Entry, logger *slog.Logger) {
	conn := entry.Conn
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		m, err := conn.Receive()
		if err != nil {
			if ctx.Err() == nil {
				logger.Debug("receive failed", logging.KeyError, err)
			}
			return
		}

		switch msg := m.(type) {
		case *protocol.ErrorMessage:
			if protocol.IsEOF(msg) {
				logger.Info("peer closed connection")
			} else {
				logger.Warn("peer reported error", "reason", msg.Reason)
			}
			return
		case *protocol.RPCRequestMessage:
			err := s.registry.Publish(ctx, registry.Inbound{
				ConnID:   entry.ID,
				PeerAddr: entry.Addr,
				Payload:  msg.Payload,
			})
			if err != nil {
				return
			}
		default:
			logger.Debug("ignoring message", logging.KeyMsgType, m.Type().String())
		}
	}
}

// ReceiveMessage blocks until a request is queued from any peer.
func (s *Server) ReceiveMessage(ctx context.Context) (registry.Inbound, error) {
	return s.registry.ReceiveMessage(ctx)
}

// SendReply sends payload to the connection registered for peerAddr.
func (s *Server) SendReply(peerAddr string, payload []byte) error {
	entry, ok := s.registry.LookupAddr(peerAddr)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peerAddr)
	}
	return entry.Conn.Send(&protocol.RPCReplyMessage{Payload: payload})
}

// SendReplyTo sends payload to the connection with handle id.
func (s *Server) SendReplyTo(id uuid.UUID, payload []byte) error {
	entry, ok := s.registry.Lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, id)
	}
	return entry.Conn.Send(&protocol.RPCReplyMessage{Payload: payload})
}

// Close stops all listeners, closes every connection, and waits for the
// connection goroutines to exit.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.mu.Lock()
	for ln := range s.listeners {
		ln.Close()
	}
	s.mu.Unlock()

	s.cancel()
	s.registry.Close()
	s.wg.Wait()
	return nil
}

func providerName(p auth.Provider) string {
	if p == nil {
		return "none"
	}
	return p.Name()
}
