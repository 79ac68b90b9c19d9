package loadtest

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/postalsys/hybridwire/internal/client"
	"github.com/postalsys/hybridwire/internal/config"
	"github.com/postalsys/hybridwire/internal/server"
)

func echoSession(ctx context.Context) (RequestFunc, func() error, error) {
	req := func(ctx context.Context, payload []byte) ([]byte, error) {
		out := make([]byte, len(payload))
		copy(out, payload)
		return out, nil
	}
	return req, func() error { return nil }, nil
}

func TestRequestLoadGenerator(t *testing.T) {
	gen := NewRequestLoadGenerator(4, 64, 100*time.Millisecond)
	gen.VerifyEcho = true

	m, err := gen.Run(context.Background(), echoSession)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if m.SuccessfulRequests == 0 {
		t.Fatal("SuccessfulRequests = 0")
	}
	if m.FailedRequests != 0 {
		t.Errorf("FailedRequests = %d, want 0", m.FailedRequests)
	}
	if m.BytesSent != m.SuccessfulRequests*64 {
		t.Errorf("BytesSent = %d, want %d", m.BytesSent, m.SuccessfulRequests*64)
	}
	if m.MinLatency > m.P50Latency || m.P50Latency > m.P99Latency || m.P99Latency > m.MaxLatency {
		t.Errorf("latencies out of order: min=%v p50=%v p99=%v max=%v",
			m.MinLatency, m.P50Latency, m.P99Latency, m.MaxLatency)
	}
}

func TestRequestLoadGenerator_Mismatch(t *testing.T) {
	gen := NewRequestLoadGenerator(1, 8, 50*time.Millisecond)
	gen.VerifyEcho = true

	factory := func(ctx context.Context) (RequestFunc, func() error, error) {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			return []byte("other"), nil
		}, func() error { return nil }, nil
	}
	m, err := gen.Run(context.Background(), factory)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if m.SuccessfulRequests != 0 || m.FailedRequests == 0 {
		t.Errorf("successful=%d failed=%d, want only failures", m.SuccessfulRequests, m.FailedRequests)
	}
}

func TestRequestLoadGenerator_NoSessions(t *testing.T) {
	gen := NewRequestLoadGenerator(2, 8, 50*time.Millisecond)
	want := errors.New("refused")
	factory := func(ctx context.Context) (RequestFunc, func() error, error) {
		return nil, nil, want
	}
	m, err := gen.Run(context.Background(), factory)
	if !errors.Is(err, want) {
		t.Errorf("Run() error = %v, want %v", err, want)
	}
	if m.FailedSessions != 2 {
		t.Errorf("FailedSessions = %d, want 2", m.FailedSessions)
	}
}

func TestConnectionChurnTester(t *testing.T) {
	var open atomic.Int64
	tester := NewConnectionChurnTester(3, 100*time.Millisecond)
	tester.Hold = time.Millisecond

	m, err := tester.Run(context.Background(), func(ctx context.Context) (func() error, error) {
		open.Add(1)
		return func() error { open.Add(-1); return nil }, nil
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if m.SuccessfulConnects == 0 {
		t.Error("SuccessfulConnects = 0")
	}
	if m.TotalDisconnects != m.SuccessfulConnects {
		t.Errorf("TotalDisconnects = %d, want %d", m.TotalDisconnects, m.SuccessfulConnects)
	}
	if open.Load() != 0 {
		t.Errorf("%d connections left open", open.Load())
	}
}

func TestAgainstServer(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping end-to-end load test in short mode")
	}

	srv, err := server.New(config.Default().Server, server.Options{})
	if err != nil {
		t.Fatalf("server.New() error = %v", err)
	}
	defer srv.Close()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	go srv.Serve(context.Background(), ln)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		for {
			in, err := srv.ReceiveMessage(ctx)
			if err != nil {
				return
			}
			srv.SendReplyTo(in.ConnID, in.Payload)
		}
	}()

	ccfg := config.Default().Client
	ccfg.Address = ln.Addr().String()
	factory := func(ctx context.Context) (RequestFunc, func() error, error) {
		c, err := client.New(ccfg, client.Options{})
		if err != nil {
			return nil, nil, err
		}
		if err := c.Connect(ctx); err != nil {
			return nil, nil, err
		}
		return c.SendMessage, c.Disconnect, nil
	}

	gen := NewRequestLoadGenerator(2, 256, 2*time.Second)
	gen.VerifyEcho = true
	m, err := gen.Run(context.Background(), factory)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if m.SuccessfulRequests == 0 {
		t.Error("SuccessfulRequests = 0")
	}
	if m.FailedRequests != 0 {
		t.Errorf("FailedRequests = %d, want 0", m.FailedRequests)
	}
}
