package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/postalsys/hybridwire/internal/protocol"
)

// ErrInvalidEnvelope is returned when a SessionKey envelope does not open.
var ErrInvalidEnvelope = errors.New("crypto: invalid session key envelope")

var oaepLabel = []byte("hybridwire session key")

// EncryptSessionKey wraps rawKey for the holder of the PEM public key.
//
// A random transient key is generated; its hex text is RSA-OAEP encrypted to
// the peer, and the AES key message (raw key plus suite name) is sealed with
// that hex text under AES-256-GCM. The peer can use rawKey only after both
// layers open.
func EncryptSessionKey(publicKeyPEM, rawKey []byte, suite Suite) (encryptedKey, inner []byte, err error) {
	if len(rawKey) != RawKeySize {
		return nil, nil, fmt.Errorf("%w: raw key is %d bytes", ErrInvalidKey, len(rawKey))
	}
	pub, err := ParsePublicKeyPEM(publicKeyPEM)
	if err != nil {
		return nil, nil, err
	}

	transient, err := GenerateRawKey()
	if err != nil {
		return nil, nil, err
	}
	transientText := KeyText(transient)
	defer ZeroBytes(transientText)

	encryptedKey, err = rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, transientText, oaepLabel)
	if err != nil {
		return nil, nil, fmt.Errorf("RSA-OAEP encrypt: %w", err)
	}

	body, err := protocol.Encode(&protocol.AESKeyMessage{Key: rawKey, Cipher: string(suite)})
	if err != nil {
		return nil, nil, err
	}
	aead, err := newAEAD(SuiteAESGCM, transientText)
	if err != nil {
		return nil, nil, err
	}
	inner, err = seal(aead, body)
	if err != nil {
		return nil, nil, err
	}

	return encryptedKey, inner, nil
}

// DecryptSessionKey opens an envelope built by EncryptSessionKey.
func DecryptSessionKey(priv *rsa.PrivateKey, encryptedKey, inner []byte) (*protocol.AESKeyMessage, error) {
	if priv == nil {
		return nil, fmt.Errorf("%w: no private key", ErrInvalidEnvelope)
	}

	transientText, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, encryptedKey, oaepLabel)
	if err != nil {
		return nil, fmt.Errorf("%w: RSA-OAEP: %v", ErrInvalidEnvelope, err)
	}
	defer ZeroBytes(transientText)

	aead, err := newAEAD(SuiteAESGCM, transientText)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	body, err := open(aead, inner)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}

	msg, err := protocol.Decode(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	keyMsg, ok := msg.(*protocol.AESKeyMessage)
	if !ok {
		return nil, fmt.Errorf("%w: inner message is %s", ErrInvalidEnvelope, msg.Type())
	}
	if len(keyMsg.Key) != RawKeySize {
		return nil, fmt.Errorf("%w: key is %d bytes", ErrInvalidEnvelope, len(keyMsg.Key))
	}
	return keyMsg, nil
}
