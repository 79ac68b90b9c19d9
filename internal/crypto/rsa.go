package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
)

// RSAKeyBits is the modulus size of the responder's ephemeral keypair.
const RSAKeyBits = 2048

const pemTypePublicKey = "PUBLIC KEY"

// ErrInvalidPublicKey is returned for a peer public key that does not parse
// or is weaker than RSAKeyBits.
var ErrInvalidPublicKey = errors.New("crypto: invalid RSA public key")

// GenerateKeypair creates a fresh RSA keypair. Keypairs are never reused
// across connections.
func GenerateKeypair() (*rsa.PrivateKey, error) {
	priv, err := rsa.GenerateKey(rand.Reader, RSAKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate RSA keypair: %w", err)
	}
	return priv, nil
}

// MarshalPublicKeyPEM encodes pub as a PKIX "PUBLIC KEY" PEM block.
func MarshalPublicKeyPEM(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemTypePublicKey, Bytes: der}), nil
}

// ParsePublicKeyPEM decodes a PEM public key received from a peer.
func ParsePublicKeyPEM(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != pemTypePublicKey {
		return nil, fmt.Errorf("%w: no PUBLIC KEY block", ErrInvalidPublicKey)
	}

	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA key", ErrInvalidPublicKey)
	}
	if pub.N.BitLen() < RSAKeyBits {
		return nil, fmt.Errorf("%w: %d-bit modulus", ErrInvalidPublicKey, pub.N.BitLen())
	}
	return pub, nil
}
