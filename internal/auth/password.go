package auth

import (
	"golang.org/x/crypto/bcrypt"
)

// PasswordProvider sends a shared password and checks it against a bcrypt
// hash. The password travels before the key exchange, so use it only on
// TLS-upgraded hops.
type PasswordProvider struct {
	password string
	hash     []byte
}

// NewPasswordProvider creates a provider. The initiator sets password, the
// responder sets hash.
func NewPasswordProvider(password, hash string) *PasswordProvider {
	return &PasswordProvider{password: password, hash: []byte(hash)}
}

// HashPassword returns a bcrypt hash suitable for password_hash.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Name implements Provider.
func (p *PasswordProvider) Name() string { return "password" }

// Challenge implements Provider.
func (p *PasswordProvider) Challenge() ([]byte, error) {
	return randomChallenge()
}

// Respond implements Provider.
func (p *PasswordProvider) Respond(challenge []byte) ([]byte, error) {
	if p.password == "" {
		return nil, ErrNoCredentials
	}
	return []byte(p.password), nil
}

// Verify implements Provider.
func (p *PasswordProvider) Verify(challenge, response []byte) bool {
	if len(p.hash) == 0 || len(response) == 0 {
		return false
	}
	return bcrypt.CompareHashAndPassword(p.hash, response) == nil
}

// Reply implements Provider.
func (p *PasswordProvider) Reply(ok bool) []byte {
	return replyText(ok)
}
