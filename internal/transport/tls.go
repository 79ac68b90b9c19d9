package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/postalsys/hybridwire/internal/config"
)

// ALPNProtocol is negotiated on every TLS upgrade.
const ALPNProtocol = "hybridwire/1"

var (
	// ErrUntrustedPeer is returned when the peer chain does not verify
	// against the configured CA.
	ErrUntrustedPeer = errors.New("peer certificate not signed by trusted CA")

	// ErrNoCA is returned when client TLS material carries no CA to verify
	// the proxy node against.
	ErrNoCA = errors.New("TLS client requires a CA certificate")
)

// Material is PEM-encoded TLS input: a certificate, its key, and an optional
// CA bundle used to verify the other side.
type Material struct {
	CertPEM []byte
	KeyPEM  []byte
	CAPEM   []byte
}

// LoadMaterial reads the files named by cfg. An unconfigured cfg yields nil.
func LoadMaterial(cfg config.TLSConfig) (*Material, error) {
	if !cfg.Configured() {
		return nil, nil
	}
	m := &Material{}
	var err error
	if m.CertPEM, err = os.ReadFile(cfg.Cert); err != nil {
		return nil, fmt.Errorf("failed to read TLS certificate: %w", err)
	}
	if m.KeyPEM, err = os.ReadFile(cfg.Key); err != nil {
		return nil, fmt.Errorf("failed to read TLS key: %w", err)
	}
	if cfg.CA != "" {
		if m.CAPEM, err = os.ReadFile(cfg.CA); err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
	}
	return m, nil
}

func (m *Material) keyPair() (tls.Certificate, error) {
	cert, err := tls.X509KeyPair(m.CertPEM, m.KeyPEM)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return cert, nil
}

func (m *Material) caPool() (*x509.CertPool, error) {
	if len(m.CAPEM) == 0 {
		return nil, nil
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(m.CAPEM) {
		return nil, fmt.Errorf("failed to parse CA certificate")
	}
	return pool, nil
}

// ServerConfig builds the proxy node side. With a CA the client must present
// a certificate signed by it.
func (m *Material) ServerConfig() (*tls.Config, error) {
	cert, err := m.keyPair()
	if err != nil {
		return nil, err
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{ALPNProtocol},
	}

	pool, err := m.caPool()
	if err != nil {
		return nil, err
	}
	if pool != nil {
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return cfg, nil
}

// ClientConfig builds the initiator side. Hostname verification is off
// because the proxy node is addressed by whatever name the client was given,
// so the presented chain must verify against the CA. Material without a CA
// fails with ErrNoCA.
func (m *Material) ClientConfig() (*tls.Config, error) {
	if len(m.CAPEM) == 0 {
		return nil, ErrNoCA
	}
	cert, err := m.keyPair()
	if err != nil {
		return nil, err
	}
	pool, err := m.caPool()
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates:          []tls.Certificate{cert},
		MinVersion:            tls.VersionTLS13,
		NextProtos:            []string{ALPNProtocol},
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: verifyChain(pool),
	}, nil
}

// verifyChain checks the raw peer chain against roots without looking at
// host names.
func verifyChain(roots *x509.CertPool) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return ErrUntrustedPeer
		}
		certs := make([]*x509.Certificate, 0, len(rawCerts))
		for _, raw := range rawCerts {
			c, err := x509.ParseCertificate(raw)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrUntrustedPeer, err)
			}
			certs = append(certs, c)
		}

		intermediates := x509.NewCertPool()
		for _, c := range certs[1:] {
			intermediates.AddCert(c)
		}
		_, err := certs[0].Verify(x509.VerifyOptions{
			Roots:         roots,
			Intermediates: intermediates,
			KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		})
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUntrustedPeer, err)
		}
		return nil
	}
}

// UpgradeClient runs the client side of a TLS handshake over conn.
func UpgradeClient(ctx context.Context, conn net.Conn, cfg *tls.Config) (*tls.Conn, error) {
	tlsConn := tls.Client(conn, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, fmt.Errorf("TLS handshake failed: %w", err)
	}
	return tlsConn, nil
}

// UpgradeServer runs the server side of a TLS handshake over conn.
func UpgradeServer(ctx context.Context, conn net.Conn, cfg *tls.Config) (*tls.Conn, error) {
	tlsConn := tls.Server(conn, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, fmt.Errorf("TLS handshake failed: %w", err)
	}
	return tlsConn, nil
}
