package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/postalsys/hybridwire/internal/auth"
	"github.com/postalsys/hybridwire/internal/config"
	"github.com/postalsys/hybridwire/internal/crypto"
	"github.com/postalsys/hybridwire/internal/peer"
	"github.com/postalsys/hybridwire/internal/server"
	"github.com/postalsys/hybridwire/internal/transport"
)

func startServer(t *testing.T, cfg config.ServerConfig) string {
	t.Helper()
	srv, err := server.New(cfg, server.Options{})
	if err != nil {
		t.Fatalf("server.New() error = %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	go srv.Serve(context.Background(), ln)
	return ln.Addr().String()
}

func clientConfig(addr string) config.ClientConfig {
	cfg := config.Default().Client
	cfg.Address = addr
	return cfg
}

func TestProbe_Success(t *testing.T) {
	addr := startServer(t, config.Default().Server)

	cfg := clientConfig(addr)
	cfg.Cipher = "chacha20-poly1305"
	r := Probe(context.Background(), Options{Client: cfg, Timeout: 5 * time.Second})
	if !r.Success {
		t.Fatalf("Probe() failed: %v (%s)", r.Error, r.ErrorDetail)
	}
	if r.Cipher != crypto.SuiteChaCha20Poly1305 {
		t.Errorf("Cipher = %s, want chacha20-poly1305", r.Cipher)
	}
	if r.Authenticated {
		t.Error("Authenticated = true without auth")
	}
	if r.RTT <= 0 {
		t.Errorf("RTT = %v, want > 0", r.RTT)
	}
}

func TestProbe_Refused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	r := Probe(context.Background(), Options{Client: clientConfig(addr), Timeout: 2 * time.Second})
	if r.Success {
		t.Fatal("Probe() succeeded against a closed port")
	}
	if !errors.Is(r.Error, transport.ErrConnectRetryExhausted) {
		t.Errorf("Error = %v, want ErrConnectRetryExhausted", r.Error)
	}
	if r.ErrorDetail == "" {
		t.Error("ErrorDetail is empty")
	}
}

func TestProbe_AuthRejected(t *testing.T) {
	hash, err := auth.HashPassword("right")
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	scfg := config.Default().Server
	scfg.Auth = config.AuthConfig{Type: "password", PasswordHash: hash}
	addr := startServer(t, scfg)

	cfg := clientConfig(addr)
	cfg.Auth = config.AuthConfig{Type: "password", Password: "wrong"}
	r := Probe(context.Background(), Options{Client: cfg, Timeout: 5 * time.Second})
	if !errors.Is(r.Error, peer.ErrAuthenticationRejected) {
		t.Errorf("Error = %v, want ErrAuthenticationRejected", r.Error)
	}
	if r.ErrorDetail != "Authentication rejected - check auth settings" {
		t.Errorf("ErrorDetail = %q", r.ErrorDetail)
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{fmt.Errorf("x: %w", peer.ErrProxyUpstreamUnavailable), "Proxy refused forwarding - target not allowed or unreachable"},
		{fmt.Errorf("x: %w", peer.ErrHandshakeTimeout), "Handshake timed out - peer stopped responding"},
		{fmt.Errorf("x: %w", peer.ErrMalformedHandshakeMessage), "Connected but received an invalid response - not a hybridwire responder?"},
		{errors.New("dial tcp 127.0.0.1:1: connect: connection refused"), "Connection refused - responder not running or port blocked"},
		{context.DeadlineExceeded, "Connection timed out - firewall may be blocking"},
		{&net.DNSError{Err: "no such host", Name: "nowhere.invalid", IsNotFound: true}, "Could not resolve hostname - DNS lookup failed"},
	}
	for _, tt := range tests {
		if got := classifyError(tt.err); got != tt.want {
			t.Errorf("classifyError(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
