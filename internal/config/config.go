// Package config provides configuration parsing and validation for hybridwire.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete node configuration. A node may run the
// responder (server), the initiator (client), or both.
type Config struct {
	Log     LogConfig     `yaml:"log"`
	Server  ServerConfig  `yaml:"server"`
	Client  ClientConfig  `yaml:"client"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// ServerConfig defines the responder side.
type ServerConfig struct {
	Address          string        `yaml:"address"`
	MaxConnections   int           `yaml:"max_connections"`   // 0 = unlimited
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"` // per handshake step
	HandshakeRate    float64       `yaml:"handshake_rate"`    // handshakes started per second, 0 = unlimited
	InboundQueueSize int           `yaml:"inbound_queue_size"`
	MaxFrameSize     string        `yaml:"max_frame_size"` // e.g. "1MiB"
	Ciphers          []string      `yaml:"ciphers"`        // accepted suites, empty = all
	Auth             AuthConfig    `yaml:"auth"`
	TLS              TLSConfig     `yaml:"tls"`
	Proxy            ProxyConfig   `yaml:"proxy"`
}

// ProxyConfig defines forwarding behaviour on the responder.
type ProxyConfig struct {
	Enabled        bool          `yaml:"enabled"`
	AllowedTargets []string      `yaml:"allowed_targets"` // host:port or CIDR, empty = any
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	RateLimit      string        `yaml:"rate_limit"` // bytes/s per direction, e.g. "10MiB", empty = unlimited
}

// ClientConfig defines the initiator side.
type ClientConfig struct {
	Address          string            `yaml:"address"`
	ConnectAttempts  int               `yaml:"connect_attempts"`
	ConnectTimeout   time.Duration     `yaml:"connect_timeout"` // per attempt
	ConnectBackoff   time.Duration     `yaml:"connect_backoff"` // delay step between attempts
	HandshakeTimeout time.Duration     `yaml:"handshake_timeout"`
	Cipher           string            `yaml:"cipher"`
	MaxFrameSize     string            `yaml:"max_frame_size"`
	Auth             AuthConfig        `yaml:"auth"`
	TLS              TLSConfig         `yaml:"tls"`
	Proxy            ClientProxyConfig `yaml:"proxy"`
}

// ClientProxyConfig asks the node at Client.Address to forward the
// connection to a target.
type ClientProxyConfig struct {
	Enabled    bool       `yaml:"enabled"`
	TargetHost string     `yaml:"target_host"`
	TargetPort int        `yaml:"target_port"`
	UseTLS     bool       `yaml:"use_tls"`
	Auth       AuthConfig `yaml:"auth"` // authentication against the target
}

// AuthConfig selects and configures an authentication provider.
type AuthConfig struct {
	Type         string   `yaml:"type"`          // none, ed25519, password
	PrivateKey   string   `yaml:"private_key"`   // ed25519: hex seed used to answer challenges
	TrustedKeys  []string `yaml:"trusted_keys"`  // ed25519: hex public keys accepted
	Password     string   `yaml:"password"`      // password: sent by the initiator
	PasswordHash string   `yaml:"password_hash"` // password: bcrypt hash checked by the responder
}

// Enabled reports whether an authentication provider is configured.
func (a AuthConfig) Enabled() bool {
	return a.Type != "" && a.Type != "none"
}

// TLSConfig points at PEM files for the TLS upgrade.
type TLSConfig struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
	CA   string `yaml:"ca"`
}

// Configured reports whether a certificate and key are set.
func (t TLSConfig) Configured() bool {
	return t.Cert != "" && t.Key != ""
}

// MetricsConfig defines the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Address:          "127.0.0.1:7420",
			MaxConnections:   1000,
			HandshakeTimeout: 10 * time.Second,
			InboundQueueSize: 1024,
			MaxFrameSize:     "1MiB",
			Auth:             AuthConfig{Type: "none"},
			Proxy: ProxyConfig{
				DialTimeout: 10 * time.Second,
			},
		},
		Client: ClientConfig{
			Address:          "127.0.0.1:7420",
			ConnectAttempts:  3,
			ConnectTimeout:   3 * time.Second,
			ConnectBackoff:   1 * time.Second,
			HandshakeTimeout: 10 * time.Second,
			Cipher:           "aes-256-gcm",
			MaxFrameSize:     "1MiB",
			Auth:             AuthConfig{Type: "none"},
			Proxy: ClientProxyConfig{
				Auth: AuthConfig{Type: "none"},
			},
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: "127.0.0.1:9420",
			Path:    "/metrics",
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes on top of Default().
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	expanded := expandEnvVars(string(data))

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
// ${VAR:-default} falls back to default; unknown variables are left as is.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			if val, ok := os.LookupEnv(name[:idx]); ok {
				return val
			}
			return name[idx+2:]
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if !isValidLogLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	if !isValidLogFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s (must be text or json)", c.Log.Format))
	}

	errs = append(errs, prefixed("server", validateServer(c.Server))...)
	errs = append(errs, prefixed("client", validateClient(c.Client))...)

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		errs = append(errs, "metrics.address is required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func prefixed(prefix string, errs []string) []string {
	for i := range errs {
		errs[i] = prefix + "." + errs[i]
	}
	return errs
}

func validateServer(s ServerConfig) []string {
	var errs []string

	if s.Address == "" {
		errs = append(errs, "address is required")
	}
	if s.MaxConnections < 0 {
		errs = append(errs, "max_connections must not be negative")
	}
	if s.HandshakeTimeout <= 0 {
		errs = append(errs, "handshake_timeout must be positive")
	}
	if s.HandshakeRate < 0 {
		errs = append(errs, "handshake_rate must not be negative")
	}
	if s.InboundQueueSize < 1 {
		errs = append(errs, "inbound_queue_size must be positive")
	}
	if _, err := ParseSize(s.MaxFrameSize); err != nil {
		errs = append(errs, fmt.Sprintf("max_frame_size: %v", err))
	}
	for i, name := range s.Ciphers {
		if !isValidCipher(name) {
			errs = append(errs, fmt.Sprintf("ciphers[%d]: unknown cipher %q", i, name))
		}
	}
	errs = append(errs, prefixed("auth", validateAuth(s.Auth, true))...)
	errs = append(errs, prefixed("tls", validateTLS(s.TLS))...)

	if s.Proxy.Enabled {
		if s.Proxy.DialTimeout <= 0 {
			errs = append(errs, "proxy.dial_timeout must be positive")
		}
		for i, target := range s.Proxy.AllowedTargets {
			if !isValidTargetPattern(target) {
				errs = append(errs, fmt.Sprintf("proxy.allowed_targets[%d]: invalid target %q", i, target))
			}
		}
	}
	if s.Proxy.RateLimit != "" {
		if _, err := ParseSize(s.Proxy.RateLimit); err != nil {
			errs = append(errs, fmt.Sprintf("proxy.rate_limit: %v", err))
		}
	}

	return errs
}

func validateClient(c ClientConfig) []string {
	var errs []string

	if c.Address == "" {
		errs = append(errs, "address is required")
	}
	if c.ConnectAttempts < 1 {
		errs = append(errs, "connect_attempts must be at least 1")
	}
	if c.ConnectTimeout <= 0 {
		errs = append(errs, "connect_timeout must be positive")
	}
	if c.ConnectBackoff < 0 {
		errs = append(errs, "connect_backoff must not be negative")
	}
	if c.HandshakeTimeout <= 0 {
		errs = append(errs, "handshake_timeout must be positive")
	}
	if c.Cipher != "" && !isValidCipher(c.Cipher) {
		errs = append(errs, fmt.Sprintf("unknown cipher %q", c.Cipher))
	}
	if _, err := ParseSize(c.MaxFrameSize); err != nil {
		errs = append(errs, fmt.Sprintf("max_frame_size: %v", err))
	}
	errs = append(errs, prefixed("auth", validateAuth(c.Auth, false))...)
	errs = append(errs, prefixed("tls", validateTLS(c.TLS))...)

	if c.Proxy.Enabled {
		if c.Proxy.TargetHost == "" {
			errs = append(errs, "proxy.target_host is required when enabled")
		}
		if c.Proxy.TargetPort < 1 || c.Proxy.TargetPort > 65535 {
			errs = append(errs, "proxy.target_port must be between 1 and 65535")
		}
		if c.Proxy.UseTLS && (!c.TLS.Configured() || c.TLS.CA == "") {
			errs = append(errs, "proxy.use_tls requires tls.cert, tls.key and tls.ca")
		}
		errs = append(errs, prefixed("proxy.auth", validateAuth(c.Proxy.Auth, false))...)
	}

	return errs
}

// validateAuth checks the fields a side needs: the responder verifies, the
// initiator answers.
func validateAuth(a AuthConfig, verifier bool) []string {
	var errs []string

	switch a.Type {
	case "", "none":
	case "ed25519":
		if verifier && len(a.TrustedKeys) == 0 {
			errs = append(errs, "trusted_keys is required for ed25519")
		}
		if !verifier && a.PrivateKey == "" {
			errs = append(errs, "private_key is required for ed25519")
		}
	case "password":
		if verifier && a.PasswordHash == "" {
			errs = append(errs, "password_hash is required for password")
		}
		if !verifier && a.Password == "" {
			errs = append(errs, "password is required for password")
		}
	default:
		errs = append(errs, fmt.Sprintf("invalid type: %s (must be none, ed25519, or password)", a.Type))
	}

	return errs
}

func validateTLS(t TLSConfig) []string {
	if (t.Cert == "") != (t.Key == "") {
		return []string{"cert and key must be set together"}
	}
	if t.CA != "" && !t.Configured() {
		return []string{"ca requires cert and key"}
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

func isValidCipher(name string) bool {
	switch name {
	case "aes-256-gcm", "chacha20-poly1305":
		return true
	default:
		return false
	}
}

// isValidTargetPattern accepts host:port or a CIDR.
func isValidTargetPattern(s string) bool {
	if _, _, err := net.ParseCIDR(s); err == nil {
		return true
	}
	host, port, err := net.SplitHostPort(s)
	return err == nil && host != "" && port != ""
}

// String returns a YAML representation with secrets redacted.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c.Redacted())
	return string(data)
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with sensitive values redacted.
func (c *Config) Redacted() *Config {
	data, err := yaml.Marshal(c)
	if err != nil {
		return c
	}

	redacted := &Config{}
	if err := yaml.Unmarshal(data, redacted); err != nil {
		return c
	}

	redactAuth(&redacted.Server.Auth)
	redactAuth(&redacted.Client.Auth)
	redactAuth(&redacted.Client.Proxy.Auth)

	if redacted.Server.TLS.Key != "" {
		redacted.Server.TLS.Key = redactedValue
	}
	if redacted.Client.TLS.Key != "" {
		redacted.Client.TLS.Key = redactedValue
	}

	return redacted
}

func redactAuth(a *AuthConfig) {
	if a.PrivateKey != "" {
		a.PrivateKey = redactedValue
	}
	if a.Password != "" {
		a.Password = redactedValue
	}
}
