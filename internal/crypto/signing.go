package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

// Ed25519 sizes used by the signature authentication provider.
const (
	Ed25519PublicKeySize = ed25519.PublicKeySize
	Ed25519SeedSize      = ed25519.SeedSize
	Ed25519SignatureSize = ed25519.SignatureSize
)

// SigningKeypair is an Ed25519 identity used to answer auth challenges.
type SigningKeypair struct {
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// GenerateSigningKeypair creates a new Ed25519 identity.
func GenerateSigningKeypair() (*SigningKeypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 keypair: %w", err)
	}
	return &SigningKeypair{PublicKey: pub, PrivateKey: priv}, nil
}

// SigningKeypairFromSeed derives the identity from a 32-byte seed.
func SigningKeypairFromSeed(seed []byte) (*SigningKeypair, error) {
	if len(seed) != Ed25519SeedSize {
		return nil, fmt.Errorf("%w: seed is %d bytes, want %d", ErrInvalidKey, len(seed), Ed25519SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &SigningKeypair{
		PublicKey:  priv.Public().(ed25519.PublicKey),
		PrivateKey: priv,
	}, nil
}

// ParseSigningSeed parses a hex-encoded seed (as written by `hybridwire keygen`).
func ParseSigningSeed(s string) (*SigningKeypair, error) {
	seed, err := decodeHexKey(s, Ed25519SeedSize)
	if err != nil {
		return nil, err
	}
	return SigningKeypairFromSeed(seed)
}

// ParseVerifyKey parses a hex-encoded Ed25519 public key.
func ParseVerifyKey(s string) (ed25519.PublicKey, error) {
	b, err := decodeHexKey(s, Ed25519PublicKeySize)
	if err != nil {
		return nil, err
	}
	return ed25519.PublicKey(b), nil
}

func decodeHexKey(s string, size int) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(b) != size {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKey, len(b), size)
	}
	return b, nil
}

// SeedHex returns the hex-encoded seed.
func (kp *SigningKeypair) SeedHex() string {
	return hex.EncodeToString(kp.PrivateKey.Seed())
}

// PublicKeyHex returns the hex-encoded public key.
func (kp *SigningKeypair) PublicKeyHex() string {
	return hex.EncodeToString(kp.PublicKey)
}

// Sign signs message with the private key.
func (kp *SigningKeypair) Sign(message []byte) []byte {
	return ed25519.Sign(kp.PrivateKey, message)
}

// Verify checks an Ed25519 signature. Keys of the wrong size never verify.
func Verify(publicKey ed25519.PublicKey, message, signature []byte) bool {
	if len(publicKey) != Ed25519PublicKeySize || len(signature) != Ed25519SignatureSize {
		return false
	}
	return ed25519.Verify(publicKey, message, signature)
}
