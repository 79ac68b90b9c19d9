package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/postalsys/hybridwire/internal/certutil"
	"github.com/postalsys/hybridwire/internal/config"
)

var errRefused = errors.New("connection refused")

// flakyDial fails the first n calls, then connects one end of a pipe.
func flakyDial(n int32, calls *atomic.Int32) DialFunc {
	return func(ctx context.Context, network, address string) (net.Conn, error) {
		if calls.Add(1) <= n {
			return nil, errRefused
		}
		c1, c2 := net.Pipe()
		go c2.Close()
		return c1, nil
	}
}

func TestDialWithRetry_SucceedsOnThirdAttempt(t *testing.T) {
	var calls atomic.Int32
	opts := DialOptions{Attempts: 3, Timeout: time.Second, Backoff: 10 * time.Millisecond, Dial: flakyDial(2, &calls)}

	start := time.Now()
	conn, err := DialWithRetry(context.Background(), "peer:1", opts)
	if err != nil {
		t.Fatalf("DialWithRetry() error = %v", err)
	}
	conn.Close()

	if calls.Load() != 3 {
		t.Errorf("dial calls = %d, want 3", calls.Load())
	}
	// delays 0 + 10ms + 20ms
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("elapsed = %v, want >= 30ms", elapsed)
	}
}

func TestDialWithRetry_Exhausted(t *testing.T) {
	var calls atomic.Int32
	opts := DialOptions{Attempts: 3, Timeout: time.Second, Backoff: time.Millisecond, Dial: flakyDial(10, &calls)}

	_, err := DialWithRetry(context.Background(), "peer:1", opts)
	if !errors.Is(err, ErrConnectRetryExhausted) {
		t.Fatalf("error = %v, want ErrConnectRetryExhausted", err)
	}
	if !errors.Is(err, errRefused) {
		t.Errorf("error = %v, want wrapped last dial error", err)
	}
	if calls.Load() != 3 {
		t.Errorf("dial calls = %d, want 3", calls.Load())
	}
}

func TestDialWithRetry_ContextCancelled(t *testing.T) {
	var calls atomic.Int32
	opts := DialOptions{Attempts: 3, Timeout: time.Second, Backoff: time.Hour, Dial: flakyDial(10, &calls)}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := DialWithRetry(ctx, "peer:1", opts)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want context.DeadlineExceeded", err)
	}
	if calls.Load() != 1 {
		t.Errorf("dial calls = %d, want 1", calls.Load())
	}
}

func TestDialWithRetry_DefaultScheduleAgainstClosedPort(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the full connect schedule")
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	start := time.Now()
	_, err = DialWithRetry(context.Background(), addr, DefaultDialOptions())
	if !errors.Is(err, ErrConnectRetryExhausted) {
		t.Fatalf("error = %v, want ErrConnectRetryExhausted", err)
	}
	if elapsed := time.Since(start); elapsed < 3*time.Second {
		t.Errorf("elapsed = %v, want >= 3s (0s + 1s + 2s)", elapsed)
	}
}

type pki struct {
	ca, server, client *certutil.Bundle
}

func newPKI(t *testing.T) pki {
	t.Helper()
	ca, err := certutil.GenerateCA("test-ca", time.Hour)
	if err != nil {
		t.Fatalf("GenerateCA() error = %v", err)
	}
	server, err := certutil.IssueNode("relay", []string{"127.0.0.1"}, time.Hour, ca)
	if err != nil {
		t.Fatalf("IssueNode() error = %v", err)
	}
	client, err := certutil.IssueNode("initiator", nil, time.Hour, ca)
	if err != nil {
		t.Fatalf("IssueNode() error = %v", err)
	}
	return pki{ca: ca, server: server, client: client}
}

func upgradePair(t *testing.T, serverCfg, clientCfg *tls.Config) (clientErr, serverErr error) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		raw, err := ln.Accept()
		if err != nil {
			done <- err
			return
		}
		defer raw.Close()
		conn, err := UpgradeServer(ctx, raw, serverCfg)
		if err == nil && conn.ConnectionState().NegotiatedProtocol != ALPNProtocol {
			err = errors.New("ALPN not negotiated")
		}
		done <- err
	}()

	raw, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer raw.Close()
	_, clientErr = UpgradeClient(ctx, raw, clientCfg)
	if clientErr != nil {
		raw.Close()
	}
	return clientErr, <-done
}

func TestTLSUpgrade_MutualWithCA(t *testing.T) {
	p := newPKI(t)
	server := &Material{CertPEM: p.server.CertPEM, KeyPEM: p.server.KeyPEM, CAPEM: p.ca.CertPEM}
	client := &Material{CertPEM: p.client.CertPEM, KeyPEM: p.client.KeyPEM, CAPEM: p.ca.CertPEM}

	serverCfg, err := server.ServerConfig()
	if err != nil {
		t.Fatalf("ServerConfig() error = %v", err)
	}
	clientCfg, err := client.ClientConfig()
	if err != nil {
		t.Fatalf("ClientConfig() error = %v", err)
	}
	if serverCfg.ClientAuth != tls.RequireAndVerifyClientCert {
		t.Errorf("ClientAuth = %v, want RequireAndVerifyClientCert", serverCfg.ClientAuth)
	}

	clientErr, serverErr := upgradePair(t, serverCfg, clientCfg)
	if clientErr != nil {
		t.Errorf("UpgradeClient() error = %v", clientErr)
	}
	if serverErr != nil {
		t.Errorf("UpgradeServer() error = %v", serverErr)
	}
}

func TestTLSUpgrade_UntrustedServer(t *testing.T) {
	p := newPKI(t)
	other := newPKI(t)

	// The server presents a chain from a CA the client does not know.
	server := &Material{CertPEM: other.server.CertPEM, KeyPEM: other.server.KeyPEM}
	client := &Material{CertPEM: p.client.CertPEM, KeyPEM: p.client.KeyPEM, CAPEM: p.ca.CertPEM}

	serverCfg, _ := server.ServerConfig()
	clientCfg, _ := client.ClientConfig()

	clientErr, _ := upgradePair(t, serverCfg, clientCfg)
	if !errors.Is(clientErr, ErrUntrustedPeer) {
		t.Errorf("UpgradeClient() error = %v, want ErrUntrustedPeer", clientErr)
	}
}

func TestTLSUpgrade_ClientWithoutCA(t *testing.T) {
	p := newPKI(t)
	other := newPKI(t)

	// Without a CA nothing could be verified, so no config is produced
	// and an unrelated server chain never gets a chance.
	client := &Material{CertPEM: p.client.CertPEM, KeyPEM: p.client.KeyPEM}
	if cfg, err := client.ClientConfig(); !errors.Is(err, ErrNoCA) || cfg != nil {
		t.Fatalf("ClientConfig() = %v, %v; want nil, ErrNoCA", cfg, err)
	}

	withCA := &Material{CertPEM: p.client.CertPEM, KeyPEM: p.client.KeyPEM, CAPEM: p.ca.CertPEM}
	clientCfg, err := withCA.ClientConfig()
	if err != nil {
		t.Fatalf("ClientConfig() error = %v", err)
	}
	if clientCfg.VerifyPeerCertificate == nil {
		t.Fatal("VerifyPeerCertificate not installed")
	}

	server := &Material{CertPEM: other.server.CertPEM, KeyPEM: other.server.KeyPEM}
	serverCfg, _ := server.ServerConfig()
	if clientErr, _ := upgradePair(t, serverCfg, clientCfg); !errors.Is(clientErr, ErrUntrustedPeer) {
		t.Errorf("UpgradeClient() error = %v, want ErrUntrustedPeer", clientErr)
	}
}

func TestLoadMaterial(t *testing.T) {
	p := newPKI(t)
	dir := t.TempDir()
	certPath := filepath.Join(dir, "node.crt")
	keyPath := filepath.Join(dir, "node.key")
	caPath := filepath.Join(dir, "ca.crt")
	if err := p.server.Save(certPath, keyPath); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := os.WriteFile(caPath, p.ca.CertPEM, 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	m, err := LoadMaterial(config.TLSConfig{Cert: certPath, Key: keyPath, CA: caPath})
	if err != nil {
		t.Fatalf("LoadMaterial() error = %v", err)
	}
	if _, err := m.ServerConfig(); err != nil {
		t.Errorf("ServerConfig() error = %v", err)
	}

	m, err = LoadMaterial(config.TLSConfig{})
	if err != nil || m != nil {
		t.Errorf("LoadMaterial(empty) = %v, %v; want nil, nil", m, err)
	}

	if _, err := LoadMaterial(config.TLSConfig{Cert: filepath.Join(dir, "nope"), Key: keyPath}); err == nil {
		t.Error("LoadMaterial(missing cert) error = nil")
	}

	bad := &Material{CertPEM: p.server.CertPEM, KeyPEM: p.server.KeyPEM, CAPEM: []byte("junk")}
	if _, err := bad.ClientConfig(); err == nil {
		t.Error("ClientConfig(bad CA) error = nil")
	}
}
