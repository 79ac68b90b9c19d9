package peer

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/postalsys/hybridwire/internal/auth"
	"github.com/postalsys/hybridwire/internal/crypto"
	"github.com/postalsys/hybridwire/internal/logging"
	"github.com/postalsys/hybridwire/internal/metrics"
	"github.com/postalsys/hybridwire/internal/protocol"
	"github.com/postalsys/hybridwire/internal/transport"
)

// DefaultHandshakeTimeout bounds each wait for a handshake message.
const DefaultHandshakeTimeout = 10 * time.Second

// testFillSize is the number of random bytes behind the hex test fill.
const testFillSize = 16

var (
	// ErrMalformedHandshakeMessage is returned when a handshake step gets an
	// unexpected or undecodable message.
	ErrMalformedHandshakeMessage = errors.New("malformed handshake message")

	// ErrHandshakeTimeout is returned when a handshake wait expires. It
	// matches ErrMalformedHandshakeMessage with errors.Is.
	ErrHandshakeTimeout = fmt.Errorf("%w: handshake timeout", ErrMalformedHandshakeMessage)

	// ErrAuthenticationRejected is returned when the auth step fails.
	ErrAuthenticationRejected = errors.New("authentication rejected")

	// ErrProxyUpstreamUnavailable is returned when a proxy node cannot or
	// will not forward the connection.
	ErrProxyUpstreamUnavailable = errors.New("proxy upstream unavailable")

	// ErrPeerClosedConnection is returned when the peer closes mid-handshake.
	ErrPeerClosedConnection = errors.New("peer closed connection")

	// ErrConfirmationFailed is returned when the encrypted test round does
	// not match.
	ErrConfirmationFailed = errors.New("encryption confirmation failed")
)

// RemoteError is an Error message received from the peer.
type RemoteError struct {
	Reason string
}

func (e *RemoteError) Error() string {
	return "peer error: " + e.Reason
}

// Forwarder opens the onward connection for a proxy request. It returns an
// error when the target is not allowed or cannot be reached.
type Forwarder interface {
	Forward(ctx context.Context, target protocol.ProxyTarget) (net.Conn, error)
}

// ProxyRoute describes forwarding requested by an initiator.
type ProxyRoute struct {
	Target protocol.ProxyTarget

	// TLS is the client config for the upgrade with the proxy node. Required
	// when Target.UseTLS is set.
	TLS *tls.Config

	// DownstreamAuth answers the target's challenge, if it sends one.
	DownstreamAuth auth.Provider
}

// InitiatorConfig configures the initiator side of the handshake.
type InitiatorConfig struct {
	Auth    auth.Provider
	Suite   crypto.Suite
	Timeout time.Duration
	Proxy   *ProxyRoute
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// ResponderConfig configures the responder side of the handshake.
type ResponderConfig struct {
	Auth          auth.Provider
	AllowedSuites []crypto.Suite
	Timeout       time.Duration

	// Forwarder handles Proxy{Required: true}; nil refuses forwarding.
	Forwarder Forwarder

	// TLS is the server config used when a forwarded initiator asks for TLS.
	TLS *tls.Config

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Forwarded is the outcome of a responder handshake that ended in proxy
// mode. The connection is in StateRelaying and the caller owns Upstream.
type Forwarded struct {
	Target   protocol.ProxyTarget
	Upstream net.Conn
}

// handshake carries the per-run state shared by both sides.
type handshake struct {
	ctx     context.Context
	conn    *Connection
	timeout time.Duration
	logger  *slog.Logger
}

func newHandshake(ctx context.Context, conn *Connection, timeout time.Duration, logger *slog.Logger) *handshake {
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	if logger == nil {
		logger = conn.logger
	}
	return &handshake{ctx: ctx, conn: conn, timeout: timeout, logger: logger}
}

// arm sets the deadline for the next step.
func (h *handshake) arm() {
	deadline := time.Now().Add(h.timeout)
	if d, ok := h.ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = h.conn.setDeadline(deadline)
}

func (h *handshake) send(m protocol.Message) error {
	h.arm()
	if err := h.conn.writeMessage(m); err != nil {
		return h.ioError(fmt.Sprintf("send %s", m.Type()), err)
	}
	return nil
}

func (h *handshake) sendSealed(m protocol.Message) error {
	h.arm()
	if err := h.conn.sendSealed(m); err != nil {
		return h.ioError(fmt.Sprintf("send sealed %s", m.Type()), err)
	}
	return nil
}

// read waits for the next message. Error messages from the peer end the
// handshake.
func (h *handshake) read(step string) (protocol.Message, error) {
	h.arm()
	m, err := h.conn.readMessage()
	if err != nil {
		return nil, h.ioError(step, err)
	}
	if em, ok := m.(*protocol.ErrorMessage); ok {
		if protocol.IsEOF(em) {
			return nil, fmt.Errorf("%w: waiting for %s", ErrPeerClosedConnection, step)
		}
		return nil, &RemoteError{Reason: em.Reason}
	}
	return m, nil
}

func (h *handshake) ioError(step string, err error) error {
	if ctxErr := h.ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", step, ctxErr)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %s", ErrHandshakeTimeout, step)
	}
	if errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%w: %s", ErrPeerClosedConnection, step)
	}
	return fmt.Errorf("%w: %s: %v", ErrMalformedHandshakeMessage, step, err)
}

// expect reads the next message and requires it to be a T.
func expect[T protocol.Message](h *handshake, step string) (T, error) {
	var zero T
	m, err := h.read(step)
	if err != nil {
		return zero, err
	}
	t, ok := m.(T)
	if !ok {
		return zero, fmt.Errorf("%w: expected %s, got %s", ErrMalformedHandshakeMessage, step, m.Type())
	}
	return t, nil
}

// expectSealed reads an Encrypted message and requires its content to be a T.
func expectSealed[T protocol.Message](h *handshake, step string) (T, error) {
	var zero T
	env, err := expect[*protocol.EncryptedMessage](h, step)
	if err != nil {
		return zero, err
	}
	m, err := h.conn.crypto.Open(env)
	if err != nil {
		return zero, fmt.Errorf("%w: %s: %v", ErrMalformedHandshakeMessage, step, err)
	}
	t, ok := m.(T)
	if !ok {
		return zero, fmt.Errorf("%w: expected sealed %s, got %s", ErrMalformedHandshakeMessage, step, m.Type())
	}
	return t, nil
}

// watch aborts blocked I/O when ctx is cancelled.
func (h *handshake) watch() (stop func() bool) {
	return context.AfterFunc(h.ctx, func() {
		_ = h.conn.setDeadline(time.Unix(1, 0))
	})
}

// finish clears deadlines on success, and fails and closes the connection
// otherwise.
func (h *handshake) finish(err error, start time.Time, m *metrics.Metrics) {
	role := h.conn.role.String()
	if err == nil {
		_ = h.conn.setDeadline(time.Time{})
		m.RecordHandshake(role, metrics.ResultOK, time.Since(start).Seconds())
		return
	}

	result := metrics.ResultError
	switch {
	case errors.Is(err, ErrHandshakeTimeout):
		result = metrics.ResultTimeout
	case errors.Is(err, ErrAuthenticationRejected):
		result = metrics.ResultRejected
	}
	m.RecordHandshake(role, result, 0)

	h.conn.setState(StateFailed)
	h.conn.Close()
	h.logger.Debug("handshake failed",
		logging.KeyRole, role,
		logging.KeyRemoteAddr, h.conn.RemoteAddr(),
		logging.KeyError, err)
}

// Initiate runs the initiator side over an open connection. On failure the
// connection is closed and StateFailed.
func Initiate(ctx context.Context, conn *Connection, cfg InitiatorConfig) (err error) {
	h := newHandshake(ctx, conn, cfg.Timeout, cfg.Logger)
	stop := h.watch()
	defer stop()

	start := time.Now()
	defer func() { h.finish(err, start, cfg.Metrics) }()

	if cfg.Auth != nil {
		if err := h.answerAuth(cfg.Auth); err != nil {
			return err
		}
	}

	conn.setState(StateProxyNegotiating)
	if cfg.Proxy == nil {
		if err := h.requestDirect(); err != nil {
			return err
		}
	} else {
		if err := h.requestForwarding(cfg.Proxy); err != nil {
			return err
		}
	}

	if err := h.sendKey(cfg.Suite); err != nil {
		return err
	}
	if err := h.answerTest(); err != nil {
		return err
	}

	conn.setState(StateEstablished)
	h.logger.Debug("handshake complete",
		logging.KeyRole, conn.role.String(),
		logging.KeyCipher, string(conn.Suite()))
	return nil
}

// answerAuth handles the initiator's Authenticating state.
func (h *handshake) answerAuth(p auth.Provider) error {
	h.conn.setState(StateAuthenticating)

	challenge, err := expect[*protocol.AuthChallengeMessage](h, "AuthChallenge")
	if err != nil {
		return err
	}
	resp, err := p.Respond(challenge.Data)
	if err != nil {
		return fmt.Errorf("failed to answer challenge: %w", err)
	}
	if err := h.send(&protocol.AuthResponseMessage{Data: resp}); err != nil {
		return err
	}

	result, err := expect[*protocol.AuthResultMessage](h, "AuthResult")
	if err != nil {
		return err
	}
	if !result.Authenticated {
		return fmt.Errorf("%w: %s", ErrAuthenticationRejected, result.Data)
	}
	h.conn.authenticated.Store(true)
	return nil
}

// negotiate sends a Proxy message and returns the response flag.
func (h *handshake) negotiate(msg *protocol.ProxyMessage) (bool, error) {
	if err := h.send(msg); err != nil {
		return false, err
	}
	resp, err := expect[*protocol.ProxyResponseMessage](h, "ProxyResponse")
	if err != nil {
		return false, err
	}
	return resp.Response, nil
}

func (h *handshake) requestDirect() error {
	forwarded, err := h.negotiate(&protocol.ProxyMessage{Required: false})
	if err != nil {
		return err
	}
	if forwarded {
		return fmt.Errorf("%w: forwarding accepted but not requested", ErrMalformedHandshakeMessage)
	}
	return nil
}

// requestForwarding asks the proxy node to relay, optionally upgrades the
// hop to TLS, then repeats authentication and a direct Proxy request with
// the downstream endpoint through the relay.
func (h *handshake) requestForwarding(route *ProxyRoute) error {
	target := route.Target
	ok, err := h.negotiate(&protocol.ProxyMessage{
		Required:   true,
		TargetHost: target.Host,
		TargetPort: target.Port,
		UseTLS:     target.UseTLS,
	})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrProxyUpstreamUnavailable, target.Address())
	}

	if target.UseTLS {
		h.conn.setState(StateTLSUpgrading)
		if route.TLS == nil {
			return fmt.Errorf("TLS requested without a client TLS config")
		}
		h.arm()
		tlsConn, err := transport.UpgradeClient(h.ctx, h.conn.NetConn(), route.TLS)
		if err != nil {
			return h.ioError("TLS upgrade", err)
		}
		h.conn.setConn(tlsConn)
	}

	if route.DownstreamAuth != nil {
		if err := h.answerAuth(route.DownstreamAuth); err != nil {
			return err
		}
	}

	h.conn.setState(StateProxyNegotiating)
	return h.requestDirect()
}

// sendKey handles the initiator's KeyExchanging state.
func (h *handshake) sendKey(suite crypto.Suite) error {
	h.conn.setState(StateKeyExchanging)

	pub, err := expect[*protocol.RSAPublicKeyMessage](h, "RSAPublicKey")
	if err != nil {
		return err
	}
	if suite == "" {
		suite = crypto.DefaultSuite
	}
	msg, err := h.conn.crypto.WrapKey(pub.PEM, suite)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedHandshakeMessage, err)
	}
	return h.send(msg)
}

// answerTest handles the initiator's TestConfirming state.
func (h *handshake) answerTest() error {
	h.conn.setState(StateTestConfirming)

	test, err := expectSealed[*protocol.TestMessage](h, "Test")
	if err != nil {
		return err
	}
	if test.Text != protocol.TestText {
		return fmt.Errorf("%w: unexpected test text %q", ErrConfirmationFailed, test.Text)
	}

	if err := h.sendSealed(&protocol.TestMessage{
		Fill: reverseFill(test.Fill),
		Text: protocol.TestResponseText,
	}); err != nil {
		return err
	}
	h.conn.encrypted.Store(true)
	return nil
}

// Respond runs the responder side over an accepted connection. It returns a
// non-nil Forwarded when the initiator asked to be relayed; otherwise the
// connection is established. On failure the connection is closed and
// StateFailed.
func Respond(ctx context.Context, conn *Connection, cfg ResponderConfig) (fwd *Forwarded, err error) {
	h := newHandshake(ctx, conn, cfg.Timeout, cfg.Logger)
	stop := h.watch()
	defer stop()

	start := time.Now()
	defer func() {
		h.finish(err, start, cfg.Metrics)
		if err != nil && fwd != nil {
			fwd.Upstream.Close()
			fwd = nil
		}
	}()

	if cfg.Auth != nil {
		if err := h.challenge(cfg.Auth, cfg.Metrics); err != nil {
			return nil, err
		}
	}

	conn.setState(StateProxyNegotiating)
	req, err := expect[*protocol.ProxyMessage](h, "Proxy")
	if err != nil {
		return nil, err
	}
	if req.Required {
		return h.forward(req.Target(), cfg)
	}
	if err := h.send(&protocol.ProxyResponseMessage{Response: false}); err != nil {
		return nil, err
	}

	if err := h.offerKey(cfg.AllowedSuites); err != nil {
		return nil, err
	}
	if err := h.confirm(); err != nil {
		return nil, err
	}

	conn.setState(StateEstablished)
	h.logger.Debug("handshake complete",
		logging.KeyRole, conn.role.String(),
		logging.KeyRemoteAddr, conn.RemoteAddr(),
		logging.KeyCipher, string(conn.Suite()))
	return nil, nil
}

// challenge handles the responder's Authenticating state.
func (h *handshake) challenge(p auth.Provider, m *metrics.Metrics) error {
	h.conn.setState(StateAuthenticating)

	data, err := p.Challenge()
	if err != nil {
		return err
	}
	if err := h.send(&protocol.AuthChallengeMessage{Data: data}); err != nil {
		return err
	}
	resp, err := expect[*protocol.AuthResponseMessage](h, "AuthResponse")
	if err != nil {
		return err
	}

	ok := p.Verify(data, resp.Data)
	if !ok {
		m.RecordAuthFailure(p.Name())
	}
	if err := h.send(&protocol.AuthResultMessage{Authenticated: ok, Data: p.Reply(ok)}); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s verification failed", ErrAuthenticationRejected, p.Name())
	}
	h.conn.authenticated.Store(true)
	return nil
}

// forward opens the upstream connection, answers the initiator, and
// upgrades to TLS when asked. Failures to reach the target are reported to
// the initiator as ProxyResponse{false}.
func (h *handshake) forward(target protocol.ProxyTarget, cfg ResponderConfig) (*Forwarded, error) {
	refuse := func(reason error) (*Forwarded, error) {
		_ = h.send(&protocol.ProxyResponseMessage{Response: false})
		return nil, fmt.Errorf("%w: %s: %v", ErrProxyUpstreamUnavailable, target.Address(), reason)
	}

	if cfg.Forwarder == nil {
		return refuse(errors.New("forwarding disabled"))
	}
	if target.UseTLS && cfg.TLS == nil {
		return refuse(errors.New("TLS not configured"))
	}

	upstream, err := cfg.Forwarder.Forward(h.ctx, target)
	if err != nil {
		return refuse(err)
	}
	fwd := &Forwarded{Target: target, Upstream: upstream}

	if err := h.send(&protocol.ProxyResponseMessage{Response: true}); err != nil {
		return fwd, err
	}

	if target.UseTLS {
		h.conn.setState(StateTLSUpgrading)
		h.arm()
		tlsConn, err := transport.UpgradeServer(h.ctx, h.conn.NetConn(), cfg.TLS)
		if err != nil {
			return fwd, h.ioError("TLS upgrade", err)
		}
		h.conn.setConn(tlsConn)
	}

	h.conn.setState(StateRelaying)
	h.logger.Debug("forwarding accepted",
		logging.KeyRemoteAddr, h.conn.RemoteAddr(),
		logging.KeyTarget, target.Address())
	return fwd, nil
}

// offerKey handles the responder's KeyExchanging state.
func (h *handshake) offerKey(allowed []crypto.Suite) error {
	h.conn.setState(StateKeyExchanging)

	if err := h.conn.crypto.GenerateKeypair(); err != nil {
		return err
	}
	pemBytes, err := h.conn.crypto.PublicKeyPEM()
	if err != nil {
		return err
	}
	if err := h.send(&protocol.RSAPublicKeyMessage{PEM: pemBytes}); err != nil {
		return err
	}

	msg, err := expect[*protocol.SessionKeyMessage](h, "SessionKey")
	if err != nil {
		return err
	}
	if err := h.conn.crypto.UnwrapKey(msg, allowed); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedHandshakeMessage, err)
	}
	return nil
}

// confirm handles the responder's TestConfirming state. The connection is
// marked encrypted only when the reversed fill and response text match.
func (h *handshake) confirm() error {
	h.conn.setState(StateTestConfirming)

	raw := make([]byte, testFillSize)
	if _, err := rand.Read(raw); err != nil {
		return fmt.Errorf("failed to generate test fill: %w", err)
	}
	fill := hex.EncodeToString(raw)

	if err := h.sendSealed(&protocol.TestMessage{Fill: fill, Text: protocol.TestText}); err != nil {
		return err
	}

	resp, err := expectSealed[*protocol.TestMessage](h, "Test")
	if err != nil {
		return err
	}
	if resp.Text != protocol.TestResponseText {
		return fmt.Errorf("%w: unexpected response text %q", ErrConfirmationFailed, resp.Text)
	}
	if resp.Fill != reverseFill(fill) {
		return fmt.Errorf("%w: fill mismatch", ErrConfirmationFailed)
	}

	h.conn.encrypted.Store(true)
	return nil
}

// reverseFill reverses the byte order of the fill string.
func reverseFill(s string) string {
	b := []byte(s)
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return string(b)
}
