package auth

import (
	"crypto/ed25519"
	"fmt"

	"github.com/postalsys/hybridwire/internal/crypto"
)

// signContext is prepended to the challenge before signing so a signature
// made here cannot be replayed as a signature over anything else.
var signContext = []byte("hybridwire-auth-v1")

// Ed25519Provider authenticates with an Ed25519 identity. The response is
// public key || signature(signContext || challenge); the responder accepts
// it when the key is in the trusted set and the signature verifies.
type Ed25519Provider struct {
	identity *crypto.SigningKeypair
	trusted  map[string]ed25519.PublicKey
}

// NewEd25519Provider parses a hex seed (may be empty on a responder) and the
// hex public keys the responder trusts (may be empty on an initiator).
func NewEd25519Provider(seedHex string, trustedHex []string) (*Ed25519Provider, error) {
	p := &Ed25519Provider{trusted: make(map[string]ed25519.PublicKey, len(trustedHex))}

	if seedHex != "" {
		kp, err := crypto.ParseSigningSeed(seedHex)
		if err != nil {
			return nil, fmt.Errorf("invalid private_key: %w", err)
		}
		p.identity = kp
	}

	for i, h := range trustedHex {
		pub, err := crypto.ParseVerifyKey(h)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted_keys[%d]: %w", i, err)
		}
		p.trusted[string(pub)] = pub
	}

	return p, nil
}

// Name implements Provider.
func (p *Ed25519Provider) Name() string { return "ed25519" }

// Challenge implements Provider.
func (p *Ed25519Provider) Challenge() ([]byte, error) {
	return randomChallenge()
}

// Respond implements Provider.
func (p *Ed25519Provider) Respond(challenge []byte) ([]byte, error) {
	if p.identity == nil {
		return nil, ErrNoCredentials
	}
	sig := p.identity.Sign(signedMessage(challenge))

	out := make([]byte, 0, crypto.Ed25519PublicKeySize+crypto.Ed25519SignatureSize)
	out = append(out, p.identity.PublicKey...)
	return append(out, sig...), nil
}

// Verify implements Provider.
func (p *Ed25519Provider) Verify(challenge, response []byte) bool {
	if len(response) != crypto.Ed25519PublicKeySize+crypto.Ed25519SignatureSize {
		return false
	}
	pub, ok := p.trusted[string(response[:crypto.Ed25519PublicKeySize])]
	if !ok {
		return false
	}
	return crypto.Verify(pub, signedMessage(challenge), response[crypto.Ed25519PublicKeySize:])
}

// Reply implements Provider.
func (p *Ed25519Provider) Reply(ok bool) []byte {
	return replyText(ok)
}

func signedMessage(challenge []byte) []byte {
	msg := make([]byte, 0, len(signContext)+len(challenge))
	msg = append(msg, signContext...)
	return append(msg, challenge...)
}
