package crypto

import (
	"crypto/cipher"
	"crypto/rsa"
	"errors"
	"fmt"
	"sync"

	"github.com/postalsys/hybridwire/internal/protocol"
)

// Role selects which directional key a side seals with.
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

// String returns the role name.
func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "responder"
}

var (
	// ErrNoKey is returned by Seal/Open before a key is installed.
	ErrNoKey = errors.New("crypto: no key installed")

	// ErrKeyInstalled is returned on an attempt to rekey a connection.
	ErrKeyInstalled = errors.New("crypto: key already installed")

	// ErrSuiteNotAllowed is returned when the peer picks a suite this side
	// does not accept.
	ErrSuiteNotAllowed = errors.New("crypto: cipher suite not allowed")
)

// Context is the cryptographic state of one connection.
//
// A connection has either no key (frames travel in the clear) or exactly one
// key for its whole lifetime. The responder's RSA keypair exists only until
// the key is installed.
type Context struct {
	role Role

	mu      sync.RWMutex
	priv    *rsa.PrivateKey
	rawKey  []byte
	suite   Suite
	sendKey cipher.AEAD
	recvKey cipher.AEAD
}

// NewContext creates an empty context for role.
func NewContext(role Role) *Context {
	return &Context{role: role}
}

// Role returns the side this context belongs to.
func (c *Context) Role() Role {
	return c.role
}

// GenerateKeypair creates the ephemeral RSA keypair (responder side).
func (c *Context) GenerateKeypair() error {
	priv, err := GenerateKeypair()
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.priv = priv
	c.mu.Unlock()
	return nil
}

// HasKeypair reports whether an RSA keypair is currently held.
func (c *Context) HasKeypair() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.priv != nil
}

// PublicKeyPEM returns the PEM encoding of the held public key.
func (c *Context) PublicKeyPEM() ([]byte, error) {
	c.mu.RLock()
	priv := c.priv
	c.mu.RUnlock()
	if priv == nil {
		return nil, errors.New("crypto: no keypair generated")
	}
	return MarshalPublicKeyPEM(&priv.PublicKey)
}

// WrapKey generates the connection key, installs it locally, and returns the
// SessionKey message that carries it to the holder of publicKeyPEM
// (initiator side).
func (c *Context) WrapKey(publicKeyPEM []byte, suite Suite) (*protocol.SessionKeyMessage, error) {
	raw, err := GenerateRawKey()
	if err != nil {
		return nil, err
	}
	encryptedKey, inner, err := EncryptSessionKey(publicKeyPEM, raw, suite)
	if err != nil {
		return nil, err
	}
	if err := c.InstallKey(raw, suite); err != nil {
		return nil, err
	}
	return &protocol.SessionKeyMessage{EncryptedKey: encryptedKey, Inner: inner}, nil
}

// UnwrapKey opens a SessionKey message with the held RSA key, checks the
// suite against allowed (empty allows any known suite), installs the key and
// discards the keypair (responder side).
func (c *Context) UnwrapKey(msg *protocol.SessionKeyMessage, allowed []Suite) error {
	c.mu.RLock()
	priv := c.priv
	c.mu.RUnlock()

	keyMsg, err := DecryptSessionKey(priv, msg.EncryptedKey, msg.Inner)
	if err != nil {
		return err
	}
	defer ZeroBytes(keyMsg.Key)

	suite, err := ParseSuite(keyMsg.Cipher)
	if err != nil {
		return err
	}
	if !suiteAllowed(suite, allowed) {
		return fmt.Errorf("%w: %s", ErrSuiteNotAllowed, suite)
	}

	if err := c.InstallKey(keyMsg.Key, suite); err != nil {
		return err
	}

	c.mu.Lock()
	c.priv = nil
	c.mu.Unlock()
	return nil
}

func suiteAllowed(s Suite, allowed []Suite) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == s {
			return true
		}
	}
	return false
}

// InstallKey sets the connection key and derives the directional AEADs.
// A second call fails with ErrKeyInstalled.
func (c *Context) InstallKey(raw []byte, suite Suite) error {
	if len(raw) != RawKeySize {
		return fmt.Errorf("%w: raw key is %d bytes", ErrInvalidKey, len(raw))
	}

	text := KeyText(raw)
	defer ZeroBytes(text)

	i2r, err := deriveTrafficKey(text, hkdfInfoInitiator)
	if err != nil {
		return err
	}
	defer ZeroBytes(i2r)
	r2i, err := deriveTrafficKey(text, hkdfInfoResponder)
	if err != nil {
		return err
	}
	defer ZeroBytes(r2i)

	sendKey, recvKey := i2r, r2i
	if c.role == RoleResponder {
		sendKey, recvKey = r2i, i2r
	}
	sendAEAD, err := newAEAD(suite, sendKey)
	if err != nil {
		return err
	}
	recvAEAD, err := newAEAD(suite, recvKey)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rawKey != nil {
		return ErrKeyInstalled
	}
	c.rawKey = append([]byte(nil), raw...)
	c.suite = suite
	c.sendKey = sendAEAD
	c.recvKey = recvAEAD
	return nil
}

// HasKey reports whether a key is installed.
func (c *Context) HasKey() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rawKey != nil
}

// Key returns a copy of the raw connection key, or nil.
func (c *Context) Key() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.rawKey == nil {
		return nil
	}
	return append([]byte(nil), c.rawKey...)
}

// Suite returns the installed suite, or "".
func (c *Context) Suite() Suite {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.suite
}

// Seal encrypts m into an EncryptedMessage.
func (c *Context) Seal(m protocol.Message) (*protocol.EncryptedMessage, error) {
	c.mu.RLock()
	aead := c.sendKey
	c.mu.RUnlock()
	if aead == nil {
		return nil, ErrNoKey
	}

	body, err := protocol.Encode(m)
	if err != nil {
		return nil, err
	}
	ct, err := seal(aead, body)
	if err != nil {
		return nil, err
	}
	return &protocol.EncryptedMessage{Ciphertext: ct}, nil
}

// Open decrypts an EncryptedMessage and decodes the message inside.
func (c *Context) Open(m *protocol.EncryptedMessage) (protocol.Message, error) {
	c.mu.RLock()
	aead := c.recvKey
	c.mu.RUnlock()
	if aead == nil {
		return nil, ErrNoKey
	}

	body, err := open(aead, m.Ciphertext)
	if err != nil {
		return nil, err
	}
	inner, err := protocol.Decode(body)
	if err != nil {
		return nil, err
	}
	if inner.Type() == protocol.TypeEncrypted {
		return nil, fmt.Errorf("%w: nested envelope", ErrDecryptionFailed)
	}
	return inner, nil
}

// Zero drops all key material.
func (c *Context) Zero() {
	c.mu.Lock()
	defer c.mu.Unlock()
	ZeroBytes(c.rawKey)
	c.rawKey = nil
	c.priv = nil
	c.sendKey = nil
	c.recvKey = nil
}
