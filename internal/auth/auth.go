// Package auth provides the challenge/response authentication step that a
// responder may run before the key exchange.
//
// The responder sends Challenge(), the initiator answers with
// Respond(challenge), and the responder checks the answer with Verify and
// sends Reply(ok) back inside the AuthResult message.
package auth

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/postalsys/hybridwire/internal/config"
)

// ChallengeSize is the number of random bytes in a challenge.
const ChallengeSize = 32

var (
	// ErrNoCredentials is returned by Respond when the provider was built
	// without the initiator-side secret.
	ErrNoCredentials = errors.New("auth: no credentials configured")

	// ErrUnknownType is returned by New for an unsupported provider type.
	ErrUnknownType = errors.New("auth: unknown provider type")
)

// Provider is a pluggable authentication scheme.
type Provider interface {
	// Name identifies the scheme in logs and metrics.
	Name() string

	// Challenge returns fresh challenge data (responder side).
	Challenge() ([]byte, error)

	// Respond answers a challenge (initiator side).
	Respond(challenge []byte) ([]byte, error)

	// Verify checks a response against the challenge it answers.
	Verify(challenge, response []byte) bool

	// Reply returns the data carried in the AuthResult message.
	Reply(ok bool) []byte
}

// New builds the provider described by cfg. Type "" or "none" yields a nil
// provider and no error.
func New(cfg config.AuthConfig) (Provider, error) {
	switch cfg.Type {
	case "", "none":
		return nil, nil
	case "ed25519":
		return NewEd25519Provider(cfg.PrivateKey, cfg.TrustedKeys)
	case "password":
		return NewPasswordProvider(cfg.Password, cfg.PasswordHash), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, cfg.Type)
	}
}

func randomChallenge() ([]byte, error) {
	b := make([]byte, ChallengeSize)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to generate challenge: %w", err)
	}
	return b, nil
}

func replyText(ok bool) []byte {
	if ok {
		return []byte("authenticated")
	}
	return []byte("rejected")
}
