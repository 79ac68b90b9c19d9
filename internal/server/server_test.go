package server

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/postalsys/hybridwire/internal/auth"
	"github.com/postalsys/hybridwire/internal/certutil"
	"github.com/postalsys/hybridwire/internal/client"
	"github.com/postalsys/hybridwire/internal/config"
	"github.com/postalsys/hybridwire/internal/metrics"
	"github.com/postalsys/hybridwire/internal/peer"
)

type running struct {
	srv  *Server
	addr string
	done chan error
}

func startServer(t *testing.T, cfg config.ServerConfig, opts Options) *running {
	t.Helper()
	srv, err := New(cfg, opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	r := &running{srv: srv, addr: ln.Addr().String(), done: make(chan error, 1)}
	go func() { r.done <- srv.Serve(context.Background(), ln) }()
	t.Cleanup(func() { srv.Close() })
	return r
}

func serverConfig() config.ServerConfig {
	cfg := config.Default().Server
	cfg.HandshakeTimeout = 5 * time.Second
	return cfg
}

func clientConfig(addr string) config.ClientConfig {
	cfg := config.Default().Client
	cfg.Address = addr
	cfg.ConnectAttempts = 1
	cfg.ConnectTimeout = time.Second
	cfg.HandshakeTimeout = 5 * time.Second
	return cfg
}

func connect(t *testing.T, cfg config.ClientConfig) *client.Client {
	t.Helper()
	c, err := client.New(cfg, client.Options{})
	if err != nil {
		t.Fatalf("client.New() error = %v", err)
	}
	t.Cleanup(func() { c.Disconnect() })
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	return c
}

// replyPong answers one request with "pong".
func replyPong(t *testing.T, srv *Server, want string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	in, err := srv.ReceiveMessage(ctx)
	if err != nil {
		t.Errorf("ReceiveMessage() error = %v", err)
		return
	}
	if string(in.Payload) != want {
		t.Errorf("Payload = %q, want %q", in.Payload, want)
	}
	if err := srv.SendReply(in.PeerAddr, []byte("pong")); err != nil {
		t.Errorf("SendReply() error = %v", err)
	}
}

func TestPingPong(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetricsWithRegistry(reg)
	r := startServer(t, serverConfig(), Options{Metrics: m})
	c := connect(t, clientConfig(r.addr))

	go replyPong(t, r.srv, "ping")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	reply, err := c.SendMessage(ctx, []byte("ping"))
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if string(reply) != "pong" {
		t.Errorf("reply = %q, want pong", reply)
	}

	if st := r.srv.Stats(); st.Connections != 1 || st.Established != 1 {
		t.Errorf("Stats() = %+v, want 1 established connection", st)
	}
	if !r.srv.IsRunning() {
		t.Error("IsRunning() = false while serving")
	}
	if got := testutil.ToFloat64(m.Handshakes.WithLabelValues("responder", metrics.ResultOK)); got != 1 {
		t.Errorf("responder handshakes ok = %v, want 1", got)
	}
}

func TestSendReplyTo(t *testing.T) {
	r := startServer(t, serverConfig(), Options{})
	c := connect(t, clientConfig(r.addr))

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		in, err := r.srv.ReceiveMessage(ctx)
		if err != nil {
			return
		}
		r.srv.SendReplyTo(in.ConnID, []byte("by-id"))
	}()

	reply, err := c.SendMessage(context.Background(), []byte("x"))
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if string(reply) != "by-id" {
		t.Errorf("reply = %q, want by-id", reply)
	}
}

func TestSendReply_UnknownPeer(t *testing.T) {
	r := startServer(t, serverConfig(), Options{})
	if err := r.srv.SendReply("10.9.9.9:1", []byte("x")); !errors.Is(err, ErrUnknownPeer) {
		t.Errorf("SendReply() error = %v, want ErrUnknownPeer", err)
	}
}

func TestDisconnectRemovesEntry(t *testing.T) {
	r := startServer(t, serverConfig(), Options{})
	c := connect(t, clientConfig(r.addr))

	if err := c.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for r.srv.Registry().Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("Registry().Len() = %d after disconnect, want 0", r.srv.Registry().Len())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestIsolation_StuckHandshake(t *testing.T) {
	r := startServer(t, serverConfig(), Options{})

	// Connects and never speaks.
	stuck, err := net.Dial("tcp", r.addr)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer stuck.Close()

	c := connect(t, clientConfig(r.addr))
	go replyPong(t, r.srv, "ping")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := c.SendMessage(ctx, []byte("ping")); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
}

func TestPasswordAuth(t *testing.T) {
	hash, err := auth.HashPassword("hunter2")
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	cfg := serverConfig()
	cfg.Auth = config.AuthConfig{Type: "password", PasswordHash: hash}
	reg := prometheus.NewRegistry()
	m := metrics.NewMetricsWithRegistry(reg)
	r := startServer(t, cfg, Options{Metrics: m})

	good := clientConfig(r.addr)
	good.Auth = config.AuthConfig{Type: "password", Password: "hunter2"}
	connect(t, good)

	bad := clientConfig(r.addr)
	bad.Auth = config.AuthConfig{Type: "password", Password: "hunter3"}
	c, err := client.New(bad, client.Options{})
	if err != nil {
		t.Fatalf("client.New() error = %v", err)
	}
	if err := c.Connect(context.Background()); !errors.Is(err, peer.ErrAuthenticationRejected) {
		t.Errorf("Connect() error = %v, want ErrAuthenticationRejected", err)
	}
	if got := testutil.ToFloat64(m.AuthFailures.WithLabelValues("password")); got != 1 {
		t.Errorf("AuthFailures = %v, want 1", got)
	}
}

func TestCipherRestriction(t *testing.T) {
	cfg := serverConfig()
	cfg.Ciphers = []string{"chacha20-poly1305"}
	r := startServer(t, cfg, Options{})

	ok := clientConfig(r.addr)
	ok.Cipher = "chacha20-poly1305"
	connect(t, ok)

	refused := clientConfig(r.addr)
	refused.Cipher = "aes-256-gcm"
	c, err := client.New(refused, client.Options{})
	if err != nil {
		t.Fatalf("client.New() error = %v", err)
	}
	if err := c.Connect(context.Background()); err == nil {
		t.Error("Connect() with a refused cipher succeeded")
	}
}

func TestProxy_EndToEnd(t *testing.T) {
	downstream := startServer(t, serverConfig(), Options{})

	proxyCfg := serverConfig()
	proxyCfg.Proxy = config.ProxyConfig{Enabled: true, DialTimeout: time.Second}
	reg := prometheus.NewRegistry()
	m := metrics.NewMetricsWithRegistry(reg)
	proxy := startServer(t, proxyCfg, Options{Metrics: m})

	cfg := clientConfig(proxy.addr)
	host, port := splitAddr(t, downstream.addr)
	cfg.Proxy = config.ClientProxyConfig{Enabled: true, TargetHost: host, TargetPort: port}
	c := connect(t, cfg)

	go replyPong(t, downstream.srv, "via-proxy")
	reply, err := c.SendMessage(context.Background(), []byte("via-proxy"))
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if string(reply) != "pong" {
		t.Errorf("reply = %q, want pong", reply)
	}
	if got := testutil.ToFloat64(m.RelaysActive); got != 1 {
		t.Errorf("RelaysActive = %v, want 1", got)
	}
}

func TestProxy_TargetNotAllowed(t *testing.T) {
	downstream := startServer(t, serverConfig(), Options{})

	proxyCfg := serverConfig()
	proxyCfg.Proxy = config.ProxyConfig{
		Enabled:        true,
		DialTimeout:    time.Second,
		AllowedTargets: []string{"10.0.0.0/8"},
	}
	proxy := startServer(t, proxyCfg, Options{})

	cfg := clientConfig(proxy.addr)
	host, port := splitAddr(t, downstream.addr)
	cfg.Proxy = config.ClientProxyConfig{Enabled: true, TargetHost: host, TargetPort: port}
	c, err := client.New(cfg, client.Options{})
	if err != nil {
		t.Fatalf("client.New() error = %v", err)
	}
	if err := c.Connect(context.Background()); !errors.Is(err, peer.ErrProxyUpstreamUnavailable) {
		t.Errorf("Connect() error = %v, want ErrProxyUpstreamUnavailable", err)
	}
}

func TestProxy_DisabledRefuses(t *testing.T) {
	downstream := startServer(t, serverConfig(), Options{})
	plain := startServer(t, serverConfig(), Options{})

	cfg := clientConfig(plain.addr)
	host, port := splitAddr(t, downstream.addr)
	cfg.Proxy = config.ClientProxyConfig{Enabled: true, TargetHost: host, TargetPort: port}
	c, err := client.New(cfg, client.Options{})
	if err != nil {
		t.Fatalf("client.New() error = %v", err)
	}
	if err := c.Connect(context.Background()); !errors.Is(err, peer.ErrProxyUpstreamUnavailable) {
		t.Errorf("Connect() error = %v, want ErrProxyUpstreamUnavailable", err)
	}
}

func TestProxy_TLSHop(t *testing.T) {
	dir := t.TempDir()
	ca, err := certutil.GenerateCA("test-ca", time.Hour)
	if err != nil {
		t.Fatalf("GenerateCA() error = %v", err)
	}
	caPath := filepath.Join(dir, "ca.crt")
	if err := os.WriteFile(caPath, ca.CertPEM, 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	issue := func(name string, hosts []string) config.TLSConfig {
		b, err := certutil.IssueNode(name, hosts, time.Hour, ca)
		if err != nil {
			t.Fatalf("IssueNode() error = %v", err)
		}
		tc := config.TLSConfig{
			Cert: filepath.Join(dir, name+".crt"),
			Key:  filepath.Join(dir, name+".key"),
			CA:   caPath,
		}
		if err := b.Save(tc.Cert, tc.Key); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
		return tc
	}

	downstream := startServer(t, serverConfig(), Options{})

	proxyCfg := serverConfig()
	proxyCfg.TLS = issue("proxy", []string{"127.0.0.1"})
	proxyCfg.Proxy = config.ProxyConfig{Enabled: true, DialTimeout: time.Second}
	proxy := startServer(t, proxyCfg, Options{})

	cfg := clientConfig(proxy.addr)
	cfg.TLS = issue("caller", nil)
	host, port := splitAddr(t, downstream.addr)
	cfg.Proxy = config.ClientProxyConfig{Enabled: true, TargetHost: host, TargetPort: port, UseTLS: true}
	c := connect(t, cfg)

	go replyPong(t, downstream.srv, "over-tls")
	reply, err := c.SendMessage(context.Background(), []byte("over-tls"))
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if string(reply) != "pong" {
		t.Errorf("reply = %q, want pong", reply)
	}
}

func TestServe_Close(t *testing.T) {
	r := startServer(t, serverConfig(), Options{})
	connect(t, clientConfig(r.addr))

	if err := r.srv.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	select {
	case err := <-r.done:
		if !errors.Is(err, ErrServerClosed) {
			t.Errorf("Serve() error = %v, want ErrServerClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve() did not return after Close")
	}
	if _, err := r.srv.ReceiveMessage(context.Background()); err == nil {
		t.Error("ReceiveMessage() succeeded after Close")
	}
}

func TestServe_ContextCancel(t *testing.T) {
	srv, err := New(serverConfig(), Options{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer srv.Close()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, ErrServerClosed) {
			t.Errorf("Serve() error = %v, want ErrServerClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve() did not return after cancel")
	}
}

func splitAddr(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("SplitHostPort() error = %v", err)
	}
	port, err := net.LookupPort("tcp", portStr)
	if err != nil {
		t.Fatalf("LookupPort() error = %v", err)
	}
	return host, port
}
