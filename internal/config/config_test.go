package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %s, want info", cfg.Log.Level)
	}
	if cfg.Server.HandshakeTimeout != 10*time.Second {
		t.Errorf("Server.HandshakeTimeout = %v, want 10s", cfg.Server.HandshakeTimeout)
	}
	if cfg.Client.ConnectAttempts != 3 {
		t.Errorf("Client.ConnectAttempts = %d, want 3", cfg.Client.ConnectAttempts)
	}
	if cfg.Client.ConnectTimeout != 3*time.Second {
		t.Errorf("Client.ConnectTimeout = %v, want 3s", cfg.Client.ConnectTimeout)
	}
	if cfg.Client.Cipher != "aes-256-gcm" {
		t.Errorf("Client.Cipher = %s, want aes-256-gcm", cfg.Client.Cipher)
	}
	if cfg.Server.MaxFrameBytes() != 1<<20 {
		t.Errorf("Server.MaxFrameBytes() = %d, want %d", cfg.Server.MaxFrameBytes(), 1<<20)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Default().Validate() error = %v", err)
	}
}

func TestParse_ValidConfig(t *testing.T) {
	yamlConfig := `
log:
  level: debug
  format: json

server:
  address: "0.0.0.0:9000"
  max_connections: 50
  handshake_timeout: 5s
  handshake_rate: 20
  max_frame_size: 256KiB
  ciphers: [chacha20-poly1305]
  auth:
    type: ed25519
    trusted_keys:
      - "0f1e2d3c4b5a69788796a5b4c3d2e1f00f1e2d3c4b5a69788796a5b4c3d2e1f0"
  proxy:
    enabled: true
    allowed_targets:
      - "10.0.0.0/8"
      - "db.internal:7000"
    dial_timeout: 2s
    rate_limit: 10MiB

client:
  address: "relay.example.com:9000"
  cipher: chacha20-poly1305
  proxy:
    enabled: true
    target_host: db.internal
    target_port: 7000

metrics:
  enabled: true
  address: ":9100"
`
	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %s, want json", cfg.Log.Format)
	}
	if cfg.Server.MaxConnections != 50 {
		t.Errorf("Server.MaxConnections = %d, want 50", cfg.Server.MaxConnections)
	}
	if cfg.Server.HandshakeTimeout != 5*time.Second {
		t.Errorf("Server.HandshakeTimeout = %v, want 5s", cfg.Server.HandshakeTimeout)
	}
	if cfg.Server.MaxFrameBytes() != 256*1024 {
		t.Errorf("Server.MaxFrameBytes() = %d, want %d", cfg.Server.MaxFrameBytes(), 256*1024)
	}
	if got := cfg.Server.Proxy.RateLimitBytes(); got != 10*1024*1024 {
		t.Errorf("Proxy.RateLimitBytes() = %d, want %d", got, 10*1024*1024)
	}
	if len(cfg.Server.Proxy.AllowedTargets) != 2 {
		t.Errorf("len(AllowedTargets) = %d, want 2", len(cfg.Server.Proxy.AllowedTargets))
	}
	if !cfg.Server.Auth.Enabled() {
		t.Error("Server.Auth.Enabled() = false, want true")
	}
	if cfg.Client.Proxy.TargetPort != 7000 {
		t.Errorf("Client.Proxy.TargetPort = %d, want 7000", cfg.Client.Proxy.TargetPort)
	}
	// Defaults survive a partial document.
	if cfg.Client.ConnectAttempts != 3 {
		t.Errorf("Client.ConnectAttempts = %d, want 3", cfg.Client.ConnectAttempts)
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %s, want /metrics", cfg.Metrics.Path)
	}
}

func TestParse_InvalidConfig(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "bad log level",
			yaml:    "log:\n  level: loud\n",
			wantErr: "invalid log.level",
		},
		{
			name:    "unknown cipher",
			yaml:    "client:\n  cipher: rc4\n",
			wantErr: "client.unknown cipher",
		},
		{
			name:    "zero connect attempts",
			yaml:    "client:\n  connect_attempts: 0\n",
			wantErr: "client.connect_attempts",
		},
		{
			name:    "bad frame size",
			yaml:    "server:\n  max_frame_size: lots\n",
			wantErr: "server.max_frame_size",
		},
		{
			name:    "ed25519 without trusted keys",
			yaml:    "server:\n  auth:\n    type: ed25519\n",
			wantErr: "server.auth.trusted_keys",
		},
		{
			name:    "password without password",
			yaml:    "client:\n  auth:\n    type: password\n",
			wantErr: "client.auth.password is required",
		},
		{
			name:    "unknown auth type",
			yaml:    "server:\n  auth:\n    type: kerberos\n",
			wantErr: "server.auth.invalid type",
		},
		{
			name:    "proxy without target",
			yaml:    "client:\n  proxy:\n    enabled: true\n",
			wantErr: "client.proxy.target_host",
		},
		{
			name:    "proxy tls without cert",
			yaml:    "client:\n  proxy:\n    enabled: true\n    target_host: a\n    target_port: 1\n    use_tls: true\n",
			wantErr: "client.proxy.use_tls",
		},
		{
			name:    "proxy tls without ca",
			yaml:    "client:\n  tls:\n    cert: c.crt\n    key: c.key\n  proxy:\n    enabled: true\n    target_host: a\n    target_port: 1\n    use_tls: true\n",
			wantErr: "client.proxy.use_tls requires tls.cert, tls.key and tls.ca",
		},
		{
			name:    "bad allowed target",
			yaml:    "server:\n  proxy:\n    enabled: true\n    allowed_targets: [\"nope\"]\n",
			wantErr: "server.proxy.allowed_targets[0]",
		},
		{
			name:    "cert without key",
			yaml:    "server:\n  tls:\n    cert: a.crt\n",
			wantErr: "server.tls.cert and key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("Parse() error = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Parse() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestParse_MultipleErrorsAggregated(t *testing.T) {
	_, err := Parse([]byte("log:\n  level: x\n  format: y\n"))
	if err == nil {
		t.Fatal("Parse() error = nil")
	}
	if !strings.Contains(err.Error(), "log.level") || !strings.Contains(err.Error(), "log.format") {
		t.Errorf("error = %v, want both log.level and log.format reported", err)
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("HW_TEST_ADDR", "10.1.2.3:9000")
	t.Setenv("HW_TEST_EMPTY", "")

	tests := []struct {
		in   string
		want string
	}{
		{"${HW_TEST_ADDR}", "10.1.2.3:9000"},
		{"$HW_TEST_ADDR", "10.1.2.3:9000"},
		{"${HW_TEST_MISSING:-fallback}", "fallback"},
		{"${HW_TEST_ADDR:-fallback}", "10.1.2.3:9000"},
		{"${HW_TEST_EMPTY:-fallback}", ""},
		{"$HW_TEST_MISSING", "$HW_TEST_MISSING"},
		{"plain", "plain"},
	}
	for _, tt := range tests {
		if got := expandEnvVars(tt.in); got != tt.want {
			t.Errorf("expandEnvVars(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParse_EnvExpansion(t *testing.T) {
	t.Setenv("HW_TEST_PASSWORD", "s3cret")

	cfg, err := Parse([]byte("client:\n  auth:\n    type: password\n    password: ${HW_TEST_PASSWORD}\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Client.Auth.Password != "s3cret" {
		t.Errorf("Client.Auth.Password = %q, want s3cret", cfg.Client.Auth.Password)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  address: \"127.0.0.1:1\"\n"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Address != "127.0.0.1:1" {
		t.Errorf("Server.Address = %s, want 127.0.0.1:1", cfg.Server.Address)
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("Load(missing) error = nil")
	}
}

func TestRedacted(t *testing.T) {
	cfg := Default()
	cfg.Client.Auth = AuthConfig{Type: "password", Password: "hunter2"}
	cfg.Client.Proxy.Auth = AuthConfig{Type: "ed25519", PrivateKey: "abcd"}
	cfg.Server.TLS = TLSConfig{Cert: "s.crt", Key: "s.key"}

	out := cfg.String()
	for _, secret := range []string{"hunter2", "abcd", "s.key"} {
		if strings.Contains(out, secret) {
			t.Errorf("String() leaks %q", secret)
		}
	}
	if !strings.Contains(out, redactedValue) {
		t.Error("String() has no redaction marker")
	}

	// The original is untouched.
	if cfg.Client.Auth.Password != "hunter2" {
		t.Errorf("Password = %q after Redacted(), want hunter2", cfg.Client.Auth.Password)
	}
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"1024", 1024, false},
		{"1KB", 1000, false},
		{"1KiB", 1024, false},
		{"1MiB", 1 << 20, false},
		{" 2MB ", 2000000, false},
		{"", 0, true},
		{"0", 0, true},
		{"abc", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseSize(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseSize(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseSize(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}

	if got := FormatSize(1 << 20); got != "1.0 MiB" {
		t.Errorf("FormatSize(1MiB) = %q, want 1.0 MiB", got)
	}
}
