// Package registry tracks the responder's live connections and queues
// decoded payloads for the dispatch layer.
package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/postalsys/hybridwire/internal/metrics"
	"github.com/postalsys/hybridwire/internal/peer"
)

// DefaultQueueSize is the inbound queue capacity.
const DefaultQueueSize = 1024

// ErrClosed is returned once the registry has been closed.
var ErrClosed = errors.New("registry closed")

// Inbound is one decoded payload and where it came from.
type Inbound struct {
	ConnID   uuid.UUID
	PeerAddr string
	Payload  []byte
}

// Entry is a registered connection. Its Conn is driven only by the
// goroutine that handles it.
type Entry struct {
	ID       uuid.UUID
	Addr     string
	Conn     *peer.Connection
	Accepted time.Time
}

// Registry is safe for concurrent use. The lock guards only the maps; no
// I/O happens under it.
type Registry struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]*Entry
	byAddr  map[string]uuid.UUID

	inbound   chan Inbound
	closed    chan struct{}
	closeOnce sync.Once

	metrics *metrics.Metrics
}

// New creates a registry whose inbound queue holds queueSize payloads.
func New(queueSize int, m *metrics.Metrics) *Registry {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Registry{
		entries: make(map[uuid.UUID]*Entry),
		byAddr:  make(map[string]uuid.UUID),
		inbound: make(chan Inbound, queueSize),
		closed:  make(chan struct{}),
		metrics: m,
	}
}

// Accept registers conn under a fresh handle. Call it before the handshake
// starts.
func (r *Registry) Accept(conn *peer.Connection) *Entry {
	e := &Entry{
		ID:       uuid.New(),
		Addr:     conn.RemoteAddr(),
		Conn:     conn,
		Accepted: time.Now(),
	}

	r.mu.Lock()
	r.entries[e.ID] = e
	r.byAddr[e.Addr] = e.ID
	r.mu.Unlock()

	return e
}

// Remove closes and forgets the entry. It reports whether the entry existed.
func (r *Registry) Remove(id uuid.UUID) bool {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
		if r.byAddr[e.Addr] == id {
			delete(r.byAddr, e.Addr)
		}
	}
	r.mu.Unlock()

	if ok {
		e.Conn.Close()
	}
	return ok
}

// Lookup returns the entry for id.
func (r *Registry) Lookup(id uuid.UUID) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

// LookupAddr returns the entry registered for a peer address.
func (r *Registry) LookupAddr(addr string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byAddr[addr]
	if !ok {
		return nil, false
	}
	e, ok := r.entries[id]
	return e, ok
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Snapshot returns the current entries in no particular order.
func (r *Registry) Snapshot() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}

// Pending returns the number of queued payloads.
func (r *Registry) Pending() int {
	return len(r.inbound)
}

// Publish appends a payload to the inbound queue, waiting for room.
func (r *Registry) Publish(ctx context.Context, in Inbound) error {
	select {
	case <-r.closed:
		r.metrics.RecordInboundDropped()
		return ErrClosed
	default:
	}

	select {
	case r.inbound <- in:
		r.metrics.SetInboundQueueDepth(len(r.inbound))
		return nil
	case <-r.closed:
		r.metrics.RecordInboundDropped()
		return ErrClosed
	case <-ctx.Done():
		r.metrics.RecordInboundDropped()
		return ctx.Err()
	}
}

// ReceiveMessage blocks until a payload is queued and returns the oldest
// one. Payloads queued before Close are still delivered.
func (r *Registry) ReceiveMessage(ctx context.Context) (Inbound, error) {
	select {
	case in := <-r.inbound:
		r.metrics.SetInboundQueueDepth(len(r.inbound))
		return in, nil
	default:
	}

	select {
	case in := <-r.inbound:
		r.metrics.SetInboundQueueDepth(len(r.inbound))
		return in, nil
	case <-r.closed:
		return Inbound{}, ErrClosed
	case <-ctx.Done():
		return Inbound{}, ctx.Err()
	}
}

// Close closes every registered connection and wakes blocked consumers.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		close(r.closed)

		r.mu.Lock()
		entries := r.entries
		r.entries = make(map[uuid.UUID]*Entry)
		r.byAddr = make(map[string]uuid.UUID)
		r.mu.Unlock()

		for _, e := range entries {
			e.Conn.Close()
		}
	})
}

// Done returns a channel that's closed when the registry is closed.
func (r *Registry) Done() <-chan struct{} {
	return r.closed
}
