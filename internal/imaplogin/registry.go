package imaplogin

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/infodancer/imap-login/internal/config"
	"github.com/infodancer/imap-login/internal/metrics"
)

// Registry is the process-wide set of live pre-authentication
// connections (spec.md §4.5). It enforces capacity via oldest-eviction,
// runs a periodic idle sweep, and lets the auth-service client signal
// reconnects so blocked connections can resume.
//
// Unlike spec.md's single-threaded event loop, Registry is shared by one
// goroutine per connection and guards its connection set with a mutex.
type Registry struct {
	mu              sync.Mutex
	conns           map[*Connection]struct{}
	maxLoggingUsers int
	authUp          bool
	authWake        chan struct{}

	collector metrics.Collector
	logger    *slog.Logger
}

// NewRegistry creates a Registry. The auth service is assumed reachable
// until told otherwise via NotifyAuthDisconnected.
func NewRegistry(maxLoggingUsers int, collector metrics.Collector, logger *slog.Logger) *Registry {
	if collector == nil {
		collector = &metrics.NoopCollector{}
	}
	return &Registry{
		conns:           make(map[*Connection]struct{}),
		maxLoggingUsers: maxLoggingUsers,
		authUp:          true,
		authWake:        make(chan struct{}),
		collector:       collector,
		logger:          logger,
	}
}

// Insert adds c to the registry, first evicting the oldest
// CLIENT_DESTROY_OLDEST_COUNT connections if the registry is at or above
// capacity and that capacity exceeds CLIENT_DESTROY_OLDEST_COUNT
// (spec.md §4.5 "Capacity"). With a smaller capacity nothing is evicted.
func (r *Registry) Insert(c *Connection) {
	r.mu.Lock()
	evict := len(r.conns) >= r.maxLoggingUsers && r.maxLoggingUsers > config.DestroyOldestCount
	var victims []*Connection
	if evict {
		victims = r.oldestLocked(config.DestroyOldestCount)
	}
	r.mu.Unlock()

	for _, v := range victims {
		v.DestroyWithBye(ReasonQueueFull, "Disconnected: Connection queue full")
		r.collector.ConnectionEvicted()
	}

	r.mu.Lock()
	r.conns[c] = struct{}{}
	r.mu.Unlock()
	r.collector.ConnectionOpened()
}

// Remove drops c from the registry. Safe to call more than once.
func (r *Registry) Remove(c *Connection) {
	r.mu.Lock()
	_, ok := r.conns[c]
	delete(r.conns, c)
	r.mu.Unlock()
	if ok {
		r.collector.ConnectionClosed()
	}
}

// Count returns the number of connections currently in the registry.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// DestroyAll destroys every connection with no reason string, for a quiet
// process shutdown (spec.md §4.5 "Shutdown").
func (r *Registry) DestroyAll() {
	r.mu.Lock()
	victims := make([]*Connection, 0, len(r.conns))
	for c := range r.conns {
		victims = append(victims, c)
	}
	r.mu.Unlock()

	for _, v := range victims {
		v.Destroy("")
	}
}

// oldestHeap is a bounded max-heap (by CreatedAt) used to find the N
// oldest connections in a single O(n log N) scan instead of sorting the
// whole registry (spec.md §4.5 "amortises the linear scan").
type oldestHeap []*Connection

func (h oldestHeap) Len() int           { return len(h) }
func (h oldestHeap) Less(i, j int) bool { return h[i].CreatedAt().After(h[j].CreatedAt()) }
func (h oldestHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *oldestHeap) Push(x any)        { *h = append(*h, x.(*Connection)) }
func (h *oldestHeap) Pop() any {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

// oldestLocked returns up to n of the oldest connections currently held.
// Callers must hold r.mu.
func (r *Registry) oldestLocked(n int) []*Connection {
	h := &oldestHeap{}
	heap.Init(h)
	for c := range r.conns {
		heap.Push(h, c)
		if h.Len() > n {
			heap.Pop(h)
		}
	}
	victims := make([]*Connection, h.Len())
	for i := len(victims) - 1; i >= 0; i-- {
		victims[i] = heap.Pop(h).(*Connection)
	}
	return victims
}

// RunIdleSweep runs the ~1s idle-timeout ticker until ctx is canceled
// (spec.md §4.5 "Idle sweep"). Call it in its own goroutine.
func (r *Registry) RunIdleSweep(ctx context.Context, idle time.Duration) {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			r.sweepIdle(now, idle)
		}
	}
}

func (r *Registry) sweepIdle(now time.Time, idle time.Duration) {
	r.mu.Lock()
	var victims []*Connection
	for c := range r.conns {
		if now.Sub(c.LastInput()) >= idle {
			victims = append(victims, c)
		}
	}
	r.mu.Unlock()

	for _, v := range victims {
		v.DestroyWithBye(ReasonIdle, "Disconnected for inactivity.")
		r.collector.IdleTimeout()
	}
}

// NotifyAuthReconnected marks the auth service reachable again and wakes
// every connection blocked waiting for it (spec.md §4.5 "Auth reconnect").
func (r *Registry) NotifyAuthReconnected() {
	r.mu.Lock()
	r.authUp = true
	ch := r.authWake
	r.authWake = make(chan struct{})
	r.mu.Unlock()
	close(ch)
	r.collector.AuthServiceReconnect()
}

// NotifyAuthDisconnected marks the auth service unreachable; connections
// about to start a command will block in waitForAuthService until the
// next NotifyAuthReconnected.
func (r *Registry) NotifyAuthDisconnected() {
	r.mu.Lock()
	r.authUp = false
	r.mu.Unlock()
}

// waitForAuthService blocks until the auth service is reachable or ctx is
// done, matching spec.md §4.2's "input_blocked" behavior without needing
// a separate flag: the connection simply doesn't read its next command
// until this returns.
func (r *Registry) waitForAuthService(ctx context.Context) error {
	r.mu.Lock()
	up := r.authUp
	ch := r.authWake
	r.mu.Unlock()
	if up {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) authServiceUp() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.authUp
}
