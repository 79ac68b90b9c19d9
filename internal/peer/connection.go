// Package peer runs the hybridwire handshake and carries encrypted messages
// over an established connection.
package peer

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/hybridwire/internal/crypto"
	"github.com/postalsys/hybridwire/internal/logging"
	"github.com/postalsys/hybridwire/internal/metrics"
	"github.com/postalsys/hybridwire/internal/protocol"
)

// ConnectionState is the handshake state of a connection.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateAuthenticating
	StateProxyNegotiating
	StateTLSUpgrading
	StateKeyExchanging
	StateTestConfirming
	StateEstablished
	StateRelaying
	StateFailed
)

// String returns the string representation of the state.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateProxyNegotiating:
		return "PROXY_NEGOTIATING"
	case StateTLSUpgrading:
		return "TLS_UPGRADING"
	case StateKeyExchanging:
		return "KEY_EXCHANGING"
	case StateTestConfirming:
		return "TEST_CONFIRMING"
	case StateEstablished:
		return "ESTABLISHED"
	case StateRelaying:
		return "RELAYING"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

var (
	// ErrNotEstablished is returned by Send/Receive before the handshake
	// has confirmed the key.
	ErrNotEstablished = errors.New("connection not established")

	// ErrUnencryptedFrame is returned when a plaintext message arrives on an
	// established connection.
	ErrUnencryptedFrame = errors.New("unencrypted frame on established connection")

	// ErrConnectionClosed is returned when using a closed connection.
	ErrConnectionClosed = errors.New("connection closed")
)

// ConnectionOptions configures a Connection.
type ConnectionOptions struct {
	MaxFrameSize int
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
}

// Connection is one TCP channel with its cryptographic state.
//
// During the handshake the connection is driven by a single goroutine. Once
// established, Send may be called concurrently with Receive; writes are
// serialized.
type Connection struct {
	role    crypto.Role
	crypto  *crypto.Context
	logger  *slog.Logger
	metrics *metrics.Metrics
	maxSize int

	// The net.Conn is swapped once on TLS upgrade.
	connMu sync.Mutex
	conn   net.Conn
	reader *protocol.FrameReader
	writer *protocol.FrameWriter

	writeMu sync.Mutex

	state         atomic.Int32
	authenticated atomic.Bool
	encrypted     atomic.Bool

	closeOnce sync.Once
	closed    chan struct{}
}

// NewConnection wraps conn for role.
func NewConnection(conn net.Conn, role crypto.Role, opts ConnectionOptions) *Connection {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}

	c := &Connection{
		role:    role,
		crypto:  crypto.NewContext(role),
		logger:  logger,
		metrics: opts.Metrics,
		maxSize: opts.MaxFrameSize,
		closed:  make(chan struct{}),
	}
	c.setConn(conn)
	c.state.Store(int32(StateDisconnected))
	c.metrics.RecordConnectionOpen(role.String())
	return c
}

func (c *Connection) setConn(conn net.Conn) {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	c.conn = conn
	c.reader = protocol.NewFrameReaderWithMaxSize(conn, c.maxSize)
	c.writer = protocol.NewFrameWriterWithMaxSize(conn, c.maxSize)
}

// NetConn returns the current underlying connection (the TLS connection
// after an upgrade).
func (c *Connection) NetConn() net.Conn {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn
}

// Role returns which side of the handshake this connection plays.
func (c *Connection) Role() crypto.Role {
	return c.role
}

// State returns the current connection state.
func (c *Connection) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

func (c *Connection) setState(s ConnectionState) {
	prev := ConnectionState(c.state.Swap(int32(s)))
	if prev != s {
		c.logger.Debug("connection state changed",
			logging.KeyRole, c.role.String(),
			logging.KeyState, s.String())
	}
}

// IsAuthenticated reports whether the peer passed the auth step.
func (c *Connection) IsAuthenticated() bool {
	return c.authenticated.Load()
}

// IsEncrypted reports whether the key was installed and confirmed.
func (c *Connection) IsEncrypted() bool {
	return c.encrypted.Load()
}

// Key returns a copy of the installed connection key, or nil.
func (c *Connection) Key() []byte {
	return c.crypto.Key()
}

// Suite returns the negotiated cipher suite, or "".
func (c *Connection) Suite() crypto.Suite {
	return c.crypto.Suite()
}

// RemoteAddr returns the peer address.
func (c *Connection) RemoteAddr() string {
	return addrToString(c.NetConn().RemoteAddr())
}

// LocalAddr returns the local address.
func (c *Connection) LocalAddr() string {
	return addrToString(c.NetConn().LocalAddr())
}

func addrToString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}

// writeMessage writes m in the clear.
func (c *Connection) writeMessage(m protocol.Message) error {
	c.connMu.Lock()
	w := c.writer
	c.connMu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := w.WriteMessage(m); err != nil {
		return err
	}
	c.metrics.RecordFrameSent(m.Type().String())
	return nil
}

// readMessage reads the next message. A peer close yields the EOF
// ErrorMessage value, not an error.
func (c *Connection) readMessage() (protocol.Message, error) {
	c.connMu.Lock()
	r := c.reader
	c.connMu.Unlock()

	m, err := r.ReadMessage()
	if err != nil {
		return nil, err
	}
	c.metrics.RecordFrameReceived(m.Type().String())
	return m, nil
}

// sendSealed encrypts m and writes it.
func (c *Connection) sendSealed(m protocol.Message) error {
	sealed, err := c.crypto.Seal(m)
	if err != nil {
		return err
	}
	return c.writeMessage(sealed)
}

// Send encrypts and writes m on an established connection.
func (c *Connection) Send(m protocol.Message) error {
	if c.isClosed() {
		return ErrConnectionClosed
	}
	if !c.IsEncrypted() {
		return ErrNotEstablished
	}
	if err := c.sendSealed(m); err != nil {
		return fmt.Errorf("failed to send %s: %w", m.Type(), err)
	}
	return nil
}

// Receive reads and decrypts the next message on an established
// connection. When the peer closes, the EOF ErrorMessage is returned with a
// nil error. A plaintext ErrorMessage is a terminal report from the peer and
// is returned the same way. Any other plaintext frame is rejected. There is
// no read deadline.
func (c *Connection) Receive() (protocol.Message, error) {
	if !c.IsEncrypted() {
		return nil, ErrNotEstablished
	}

	m, err := c.readMessage()
	if err != nil {
		return nil, err
	}
	if _, ok := m.(*protocol.ErrorMessage); ok {
		return m, nil
	}

	env, ok := m.(*protocol.EncryptedMessage)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnencryptedFrame, m.Type())
	}
	return c.crypto.Open(env)
}

// setDeadline applies t to the current underlying connection.
func (c *Connection) setDeadline(t time.Time) error {
	return c.NetConn().SetDeadline(t)
}

// Close closes the connection and drops its key material.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.State() != StateFailed {
			c.setState(StateDisconnected)
		}
		c.encrypted.Store(false)
		err = c.NetConn().Close()
		c.crypto.Zero()
		close(c.closed)
		c.metrics.RecordConnectionClose()
	})
	return err
}

// Done returns a channel that's closed when the connection is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.closed
}

func (c *Connection) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// String returns a string representation.
func (c *Connection) String() string {
	return fmt.Sprintf("Connection{role=%s, state=%s, addr=%s}", c.role, c.State(), c.RemoteAddr())
}
