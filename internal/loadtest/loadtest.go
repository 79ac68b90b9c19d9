// Package loadtest drives request and connection load against a hybridwire
// responder.
package loadtest

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ErrReplyMismatch is counted when an echo reply differs from the request.
var ErrReplyMismatch = errors.New("reply does not match request")

// RequestFunc sends one request and returns the reply payload.
type RequestFunc func(ctx context.Context, payload []byte) ([]byte, error)

// SessionFactory opens one worker's session: a connected request function
// and the function that tears it down.
type SessionFactory func(ctx context.Context) (RequestFunc, func() error, error)

// RequestMetrics contains results from request load testing.
type RequestMetrics struct {
	TotalRequests      int64
	SuccessfulRequests int64
	FailedRequests     int64
	FailedSessions     int64
	BytesSent          int64
	BytesReceived      int64

	MinLatency time.Duration
	AvgLatency time.Duration
	P50Latency time.Duration
	P99Latency time.Duration
	MaxLatency time.Duration

	Duration          time.Duration
	RequestsPerSecond float64
}

// RequestLoadGenerator runs concurrent request/reply loops, one session per
// worker.
type RequestLoadGenerator struct {
	concurrency int
	payloadSize int
	duration    time.Duration

	// VerifyEcho fails requests whose reply differs from the payload.
	VerifyEcho bool
}

// NewRequestLoadGenerator creates a new request load generator.
func NewRequestLoadGenerator(concurrency, payloadSize int, duration time.Duration) *RequestLoadGenerator {
	if concurrency < 1 {
		concurrency = 1
	}
	return &RequestLoadGenerator{
		concurrency: concurrency,
		payloadSize: payloadSize,
		duration:    duration,
	}
}

// Run executes the load test. It returns an error only when no session
// could be opened.
func (g *RequestLoadGenerator) Run(ctx context.Context, factory SessionFactory) (*RequestMetrics, error) {
	ctx, cancel := context.WithTimeout(ctx, g.duration)
	defer cancel()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		latencies []time.Duration
		firstErr  error
		m         RequestMetrics
	)

	start := time.Now()
	for i := 0; i < g.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local, err := g.runWorker(ctx, factory, &m)
			mu.Lock()
			defer mu.Unlock()
			if err != nil && firstErr == nil {
				firstErr = err
			}
			latencies = append(latencies, local...)
		}()
	}
	wg.Wait()
	m.Duration = time.Since(start)

	if m.FailedSessions == int64(g.concurrency) {
		return &m, firstErr
	}

	summarize(&m, latencies)
	return &m, nil
}

func (g *RequestLoadGenerator) runWorker(ctx context.Context, factory SessionFactory, m *RequestMetrics) ([]time.Duration, error) {
	request, closeFn, err := factory(ctx)
	if err != nil {
		atomic.AddInt64(&m.FailedSessions, 1)
		return nil, err
	}
	defer closeFn()

	payload := make([]byte, g.payloadSize)
	rand.Read(payload)

	var latencies []time.Duration
	for ctx.Err() == nil {
		start := time.Now()
		reply, err := request(ctx, payload)
		if ctx.Err() != nil {
			// Interrupted by the end of the run.
			break
		}
		atomic.AddInt64(&m.TotalRequests, 1)
		if err == nil && g.VerifyEcho && !bytes.Equal(reply, payload) {
			err = ErrReplyMismatch
		}
		if err != nil {
			atomic.AddInt64(&m.FailedRequests, 1)
			// The session may be gone; stop this worker.
			if !errors.Is(err, ErrReplyMismatch) {
				return latencies, nil
			}
			continue
		}

		latencies = append(latencies, time.Since(start))
		atomic.AddInt64(&m.SuccessfulRequests, 1)
		atomic.AddInt64(&m.BytesSent, int64(len(payload)))
		atomic.AddInt64(&m.BytesReceived, int64(len(reply)))
	}
	return latencies, nil
}

func summarize(m *RequestMetrics, latencies []time.Duration) {
	if m.Duration > 0 {
		m.RequestsPerSecond = float64(m.SuccessfulRequests) / m.Duration.Seconds()
	}
	if len(latencies) == 0 {
		return
	}

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	var total time.Duration
	for _, l := range latencies {
		total += l
	}
	m.MinLatency = latencies[0]
	m.MaxLatency = latencies[len(latencies)-1]
	m.AvgLatency = total / time.Duration(len(latencies))
	m.P50Latency = percentile(latencies, 0.50)
	m.P99Latency = percentile(latencies, 0.99)
}

// percentile expects sorted input.
func percentile(sorted []time.Duration, p float64) time.Duration {
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}

// ChurnMetrics contains metrics from connection churn testing.
type ChurnMetrics struct {
	TotalConnections   int64
	SuccessfulConnects int64
	FailedConnects     int64
	TotalDisconnects   int64
	AvgConnectTime     time.Duration
	AvgDisconnectTime  time.Duration
	Duration           time.Duration
	ChurnRate          float64
}

// ConnectFunc establishes a connection (handshake included) and returns a
// close function.
type ConnectFunc func(ctx context.Context) (closeFunc func() error, err error)

// ConnectionChurnTester repeatedly connects and disconnects.
type ConnectionChurnTester struct {
	concurrency int
	duration    time.Duration

	// Hold keeps each connection open before closing it.
	Hold time.Duration
}

// NewConnectionChurnTester creates a new connection churn tester.
func NewConnectionChurnTester(concurrency int, duration time.Duration) *ConnectionChurnTester {
	if concurrency < 1 {
		concurrency = 1
	}
	return &ConnectionChurnTester{
		concurrency: concurrency,
		duration:    duration,
		Hold:        10 * time.Millisecond,
	}
}

// Run executes the connection churn test.
func (t *ConnectionChurnTester) Run(ctx context.Context, connectFn ConnectFunc) (*ChurnMetrics, error) {
	ctx, cancel := context.WithTimeout(ctx, t.duration)
	defer cancel()

	var (
		wg                      sync.WaitGroup
		connectNs, disconnectNs atomic.Int64
		m                       ChurnMetrics
	)
	start := time.Now()

	for i := 0; i < t.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				connectStart := time.Now()
				closeFn, err := connectFn(ctx)
				if ctx.Err() != nil {
					if closeFn != nil {
						closeFn()
					}
					return
				}
				atomic.AddInt64(&m.TotalConnections, 1)
				if err != nil {
					atomic.AddInt64(&m.FailedConnects, 1)
					continue
				}
				atomic.AddInt64(&m.SuccessfulConnects, 1)
				connectNs.Add(int64(time.Since(connectStart)))

				if t.Hold > 0 {
					time.Sleep(t.Hold)
				}

				disconnectStart := time.Now()
				if closeFn != nil {
					closeFn()
				}
				atomic.AddInt64(&m.TotalDisconnects, 1)
				disconnectNs.Add(int64(time.Since(disconnectStart)))
			}
		}()
	}
	wg.Wait()

	m.Duration = time.Since(start)
	if m.Duration > 0 {
		m.ChurnRate = float64(m.TotalConnections) / m.Duration.Seconds()
	}
	if m.SuccessfulConnects > 0 {
		m.AvgConnectTime = time.Duration(connectNs.Load() / m.SuccessfulConnects)
	}
	if m.TotalDisconnects > 0 {
		m.AvgDisconnectTime = time.Duration(disconnectNs.Load() / m.TotalDisconnects)
	}
	return &m, nil
}
