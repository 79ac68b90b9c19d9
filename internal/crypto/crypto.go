// Package crypto holds the per-connection cryptographic state of a hybridwire
// connection: the responder's ephemeral RSA keypair, the session-key envelope
// that moves the AES key across, and the AEAD layer applied to every frame
// once the key is installed.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// RawKeySize is the size of the raw AES key and of the transient
	// session key, in bytes (128 bits).
	RawKeySize = 16

	// KeyTextSize is the size of the hex text of a raw key. The hex text,
	// not the raw bytes, is what the symmetric layer uses as key material.
	KeyTextSize = 2 * RawKeySize

	// NonceSize is the AEAD nonce size in bytes for both suites.
	NonceSize = 12

	// TagSize is the AEAD authentication tag size in bytes.
	TagSize = 16

	// EncryptionOverhead is the size added to each sealed message.
	EncryptionOverhead = NonceSize + TagSize

	hkdfInfoInitiator = "hybridwire initiator->responder v1"
	hkdfInfoResponder = "hybridwire responder->initiator v1"
)

// Suite names an AEAD construction for the symmetric layer.
type Suite string

const (
	SuiteAESGCM           Suite = "aes-256-gcm"
	SuiteChaCha20Poly1305 Suite = "chacha20-poly1305"

	// DefaultSuite is used when the initiator does not name one.
	DefaultSuite = SuiteAESGCM
)

var (
	// ErrDecryptionFailed is returned when AEAD authentication fails.
	ErrDecryptionFailed = errors.New("crypto: decryption failed")

	// ErrCiphertextTooShort is returned for input shorter than the overhead.
	ErrCiphertextTooShort = errors.New("crypto: ciphertext too short")

	// ErrUnknownSuite is returned for an unsupported suite name.
	ErrUnknownSuite = errors.New("crypto: unknown cipher suite")

	// ErrInvalidKey is returned for key material of the wrong size.
	ErrInvalidKey = errors.New("crypto: invalid key")
)

// ParseSuite validates a suite name. An empty name selects DefaultSuite.
func ParseSuite(name string) (Suite, error) {
	switch Suite(name) {
	case "":
		return DefaultSuite, nil
	case SuiteAESGCM, SuiteChaCha20Poly1305:
		return Suite(name), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownSuite, name)
	}
}

// GenerateRawKey returns RawKeySize random bytes.
func GenerateRawKey() ([]byte, error) {
	key := make([]byte, RawKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return key, nil
}

// KeyText returns the hex text of a raw key. A 16-byte raw key becomes 32
// bytes of ASCII, which is used directly as a 256-bit symmetric key.
func KeyText(raw []byte) []byte {
	text := make([]byte, hex.EncodedLen(len(raw)))
	hex.Encode(text, raw)
	return text
}

// newAEAD builds the AEAD for suite over a 32-byte key.
func newAEAD(suite Suite, key []byte) (cipher.AEAD, error) {
	if len(key) != KeyTextSize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKey, len(key), KeyTextSize)
	}

	switch suite {
	case SuiteAESGCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("create AES cipher: %w", err)
		}
		return cipher.NewGCM(block)
	case SuiteChaCha20Poly1305:
		return chacha20poly1305.New(key)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSuite, suite)
	}
}

// seal encrypts plaintext. Output: nonce || ciphertext || tag.
func seal(aead cipher.AEAD, plaintext []byte) ([]byte, error) {
	out := make([]byte, NonceSize, NonceSize+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, out); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(out, out[:NonceSize], plaintext, nil), nil
}

// open reverses seal.
func open(aead cipher.AEAD, data []byte) ([]byte, error) {
	if len(data) < NonceSize+aead.Overhead() {
		return nil, ErrCiphertextTooShort
	}
	plaintext, err := aead.Open(nil, data[:NonceSize], data[NonceSize:], nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// deriveTrafficKey expands the connection key text into a directional key.
func deriveTrafficKey(keyText []byte, info string) ([]byte, error) {
	out := make([]byte, KeyTextSize)
	r := hkdf.New(sha256.New, keyText, nil, []byte(info))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("derive traffic key: %w", err)
	}
	return out, nil
}

// ZeroBytes overwrites b with zeros.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
