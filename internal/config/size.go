package config

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
)

// ParseSize parses a human-readable size string to bytes.
// Decimal (1MB = 1000000) and binary (1MiB = 1048576) units are accepted,
// as is a plain number of bytes.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size format '%s': %w", s, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("size must be positive: '%s'", s)
	}

	return int64(n), nil
}

// FormatSize formats bytes using IEC binary units.
func FormatSize(bytes int64) string {
	if bytes < 0 {
		return fmt.Sprintf("%d B", bytes)
	}
	return humanize.IBytes(uint64(bytes))
}

// MaxFrameBytes returns the parsed server frame limit.
func (s ServerConfig) MaxFrameBytes() int {
	n, err := ParseSize(s.MaxFrameSize)
	if err != nil {
		return 0
	}
	return int(n)
}

// MaxFrameBytes returns the parsed client frame limit.
func (c ClientConfig) MaxFrameBytes() int {
	n, err := ParseSize(c.MaxFrameSize)
	if err != nil {
		return 0
	}
	return int(n)
}

// RateLimitBytes returns the relay limit in bytes per second, 0 when unset.
func (p ProxyConfig) RateLimitBytes() int64 {
	if p.RateLimit == "" {
		return 0
	}
	n, err := ParseSize(p.RateLimit)
	if err != nil {
		return 0
	}
	return n
}
