package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLogger_Formats(t *testing.T) {
	tests := []struct {
		format string
		want   []string
	}{
		{"text", []string{"msg=\"handshake complete\"", "conn_id=c1"}},
		{"json", []string{`"msg":"handshake complete"`, `"conn_id":"c1"`}},
		{"JSON", []string{`"msg":"handshake complete"`}},
	}

	for _, tc := range tests {
		t.Run(tc.format, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLoggerWithWriter("info", tc.format, &buf)
			logger.Info("handshake complete", KeyConnID, "c1")

			for _, w := range tc.want {
				if !strings.Contains(buf.String(), w) {
					t.Errorf("output %q missing %q", buf.String(), w)
				}
			}
		})
	}
}

func TestNewLogger_LevelFiltering(t *testing.T) {
	tests := []struct {
		configLevel  string
		logLevel     slog.Level
		shouldAppear bool
	}{
		{"debug", slog.LevelDebug, true},
		{"info", slog.LevelDebug, false},
		{"info", slog.LevelInfo, true},
		{"warn", slog.LevelInfo, false},
		{"warn", slog.LevelError, true},
		{"error", slog.LevelWarn, false},
	}

	for _, tc := range tests {
		var buf bytes.Buffer
		logger := NewLoggerWithWriter(tc.configLevel, "text", &buf)
		logger.Log(context.Background(), tc.logLevel, "test message")

		if got := buf.Len() > 0; got != tc.shouldAppear {
			t.Errorf("level %s at config %s: output=%v, want %v",
				tc.logLevel, tc.configLevel, got, tc.shouldAppear)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"ERROR", slog.LevelError},
		{"unknown", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tc := range tests {
		if got := parseLevel(tc.input); got != tc.expected {
			t.Errorf("parseLevel(%q) = %v, want %v", tc.input, got, tc.expected)
		}
	}
}

func TestComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := Component(NewLoggerWithWriter("info", "text", &buf), "server")
	logger.Info("listening", KeyAddress, "127.0.0.1:7420")

	out := buf.String()
	if !strings.Contains(out, "component=server") {
		t.Errorf("missing component attribute: %s", out)
	}
	if !strings.Contains(out, "address=127.0.0.1:7420") {
		t.Errorf("missing address attribute: %s", out)
	}

	// nil falls back to a discarding logger
	Component(nil, "client").Info("dropped")
}
