// Package chaos provides fault injection for network tests.
//
// A FaultInjector decides, per read or write, whether to drop the
// connection, delay the operation, or fail it. Conn and Listener apply those
// decisions to real sockets so handshake and relay code can be exercised
// against misbehaving peers.
package chaos

import (
	"errors"
	"math/rand"
	"net"
	"sync"
	"time"
)

// ErrInjected is returned by operations failed on purpose.
var ErrInjected = errors.New("chaos: injected fault")

// FaultType represents the type of fault to inject.
type FaultType int

const (
	// FaultDisconnect closes the underlying connection.
	FaultDisconnect FaultType = iota
	// FaultDelay adds latency to the operation.
	FaultDelay
	// FaultError fails the operation without touching the connection.
	FaultError
)

func (f FaultType) String() string {
	switch f {
	case FaultDisconnect:
		return "disconnect"
	case FaultDelay:
		return "delay"
	case FaultError:
		return "error"
	default:
		return "unknown"
	}
}

// FaultConfig configures fault injection behavior.
type FaultConfig struct {
	// Probability is the chance of injection per operation (0.0 to 1.0).
	Probability float64

	Type FaultType

	// MinDelay and MaxDelay bound the latency added by FaultDelay.
	MinDelay time.Duration
	MaxDelay time.Duration
}

// FaultInjector injects faults into network operations.
type FaultInjector struct {
	configs []FaultConfig

	mu        sync.Mutex
	enabled   bool
	rng       *rand.Rand
	faultHits map[FaultType]int64
}

// NewFaultInjector creates an enabled injector. A zero seed picks one from
// the clock.
func NewFaultInjector(seed int64, configs ...FaultConfig) *FaultInjector {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &FaultInjector{
		configs:   configs,
		enabled:   true,
		rng:       rand.New(rand.NewSource(seed)),
		faultHits: make(map[FaultType]int64),
	}
}

// Enable enables fault injection.
func (f *FaultInjector) Enable() {
	f.mu.Lock()
	f.enabled = true
	f.mu.Unlock()
}

// Disable disables fault injection.
func (f *FaultInjector) Disable() {
	f.mu.Lock()
	f.enabled = false
	f.mu.Unlock()
}

// IsEnabled returns whether fault injection is enabled.
func (f *FaultInjector) IsEnabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled
}

// Inject decides the fault for one operation. The first config whose roll
// succeeds wins; ok is false when nothing fires.
func (f *FaultInjector) Inject() (fault FaultType, delay time.Duration, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.enabled {
		return 0, 0, false
	}
	for _, cfg := range f.configs {
		if f.rng.Float64() >= cfg.Probability {
			continue
		}
		f.faultHits[cfg.Type]++
		if cfg.Type == FaultDelay {
			delay = cfg.MinDelay
			if cfg.MaxDelay > cfg.MinDelay {
				delay += time.Duration(f.rng.Int63n(int64(cfg.MaxDelay - cfg.MinDelay)))
			}
		}
		return cfg.Type, delay, true
	}
	return 0, 0, false
}

// Stats returns how often each fault fired.
func (f *FaultInjector) Stats() map[FaultType]int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := make(map[FaultType]int64, len(f.faultHits))
	for k, v := range f.faultHits {
		stats[k] = v
	}
	return stats
}

// Reset clears the statistics.
func (f *FaultInjector) Reset() {
	f.mu.Lock()
	f.faultHits = make(map[FaultType]int64)
	f.mu.Unlock()
}

// Conn is a net.Conn whose reads and writes pass through an injector.
type Conn struct {
	net.Conn
	inj *FaultInjector
}

// WrapConn wraps c with inj.
func WrapConn(c net.Conn, inj *FaultInjector) *Conn {
	return &Conn{Conn: c, inj: inj}
}

func (c *Conn) fault() error {
	ft, delay, ok := c.inj.Inject()
	if !ok {
		return nil
	}
	switch ft {
	case FaultDelay:
		time.Sleep(delay)
		return nil
	case FaultDisconnect:
		c.Conn.Close()
	}
	return ErrInjected
}

func (c *Conn) Read(p []byte) (int, error) {
	if err := c.fault(); err != nil {
		return 0, err
	}
	return c.Conn.Read(p)
}

func (c *Conn) Write(p []byte) (int, error) {
	if err := c.fault(); err != nil {
		return 0, err
	}
	return c.Conn.Write(p)
}

// Listener wraps every accepted connection with the same injector.
type Listener struct {
	net.Listener
	inj *FaultInjector
}

// WrapListener wraps ln with inj.
func WrapListener(ln net.Listener, inj *FaultInjector) *Listener {
	return &Listener{Listener: ln, inj: inj}
}

// Accept waits for the next connection and wraps it.
func (l *Listener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return WrapConn(c, l.inj), nil
}
