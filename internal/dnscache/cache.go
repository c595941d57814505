// Package dnscache implements the agent's DNS resolution cache: resolved
// names are kept with their validity window, re-resolved in the background
// as they approach expiry, and watchers are notified when a name's address
// set changes between refreshes.
package dnscache

import (
	"container/heap"
	"context"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"

	"palisade/internal/clock"
	"palisade/internal/logging"
	"palisade/internal/metrics"
)

// DefaultMinRefreshInterval is the floor between refresh cycles. It keeps
// the refresh loop from spinning when entries carry zero or already-elapsed
// TTLs.
const DefaultMinRefreshInterval = 30 * time.Second

// DefaultEvictAfterCycles is how many consecutive due cycles an entry may
// have no watchers before it is evicted.
const DefaultEvictAfterCycles = 3

// watcherSet is the set of watchers registered on a cache entry. It is
// shared between an entry and its refreshed replacements, and guarded by
// its own lock so registrations on distinct entries do not contend.
type watcherSet struct {
	mu sync.RWMutex
	m  map[uuid.UUID]*Watcher
}

func newWatcherSet() *watcherSet {
	return &watcherSet{m: make(map[uuid.UUID]*Watcher)}
}

func (s *watcherSet) add(w *Watcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[w.id] = w
}

func (s *watcherSet) remove(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, id)
}

func (s *watcherSet) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}

// snapshot returns the current members.
func (s *watcherSet) snapshot() []*Watcher {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Watcher, 0, len(s.m))
	for _, w := range s.m {
		out = append(out, w)
	}
	return out
}

// Entry is one cached resolution result. Addresses and validity are
// immutable once the entry is constructed; a refresh replaces the whole
// entry, carrying the watcher set forward.
type Entry struct {
	name       string
	addrs      map[netip.Addr]struct{}
	validUntil time.Time
	generation uint64
	watchers   *watcherSet
	idleCycles int
}

// Name returns the hostname this entry caches.
func (e *Entry) Name() string { return e.name }

// ValidUntil returns the end of the entry's validity window.
func (e *Entry) ValidUntil() time.Time { return e.validUntil }

// Addresses returns a point-in-time copy of the resolved address set.
func (e *Entry) Addresses() []netip.Addr {
	out := make([]netip.Addr, 0, len(e.addrs))
	for a := range e.addrs {
		out = append(out, a)
	}
	return out
}

func addrSet(addrs []netip.Addr) map[netip.Addr]struct{} {
	m := make(map[netip.Addr]struct{}, len(addrs))
	for _, a := range addrs {
		m[a] = struct{}{}
	}
	return m
}

func sameAddrSet(a, b map[netip.Addr]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

// Cache is the DNS resolution cache. All mutations of the entry map and
// the refresh queue happen under the cache-wide lock, so the refresh cycle
// and concurrent resolve/watch calls never observe a torn state.
type Cache struct {
	mu       sync.RWMutex
	resolver Resolver
	entries  map[string]*Entry
	queue    refreshQueue

	clk        clock.Clock
	log        *logging.Logger
	minRefresh time.Duration
	evictAfter int
}

// Options tunes cache behavior. Zero values select defaults.
type Options struct {
	Clock              clock.Clock
	Logger             *logging.Logger
	MinRefreshInterval time.Duration
	EvictAfterCycles   int
}

// New creates a cache using the given resolver.
func New(resolver Resolver, opts Options) *Cache {
	if opts.Clock == nil {
		opts.Clock = &clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.WithComponent("dnscache")
	}
	if opts.MinRefreshInterval == 0 {
		opts.MinRefreshInterval = DefaultMinRefreshInterval
	}
	if opts.EvictAfterCycles == 0 {
		opts.EvictAfterCycles = DefaultEvictAfterCycles
	}
	return &Cache{
		resolver:   resolver,
		entries:    make(map[string]*Entry),
		clk:        opts.Clock,
		log:        opts.Logger,
		minRefresh: opts.MinRefreshInterval,
		evictAfter: opts.EvictAfterCycles,
	}
}

// ResolveIfCached returns the cached entry for name, if present. It never
// performs network I/O.
func (c *Cache) ResolveIfCached(name string) (*Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[name]
	return e, ok
}

// Resolve returns the cached entry for name, performing a fresh lookup and
// inserting the result if the name is not cached yet. Lookup failures are
// not cached; every call for an unknown name retries the network.
func (c *Cache) Resolve(ctx context.Context, name string) (*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resolveLocked(ctx, name)
}

// resolveLocked is Resolve with the cache lock already held. The initial
// lookup-and-insert deliberately happens under the cache-wide lock,
// serializing first-time resolutions against each other and against the
// refresh cycle.
func (c *Cache) resolveLocked(ctx context.Context, name string) (*Entry, error) {
	if e, ok := c.entries[name]; ok {
		metrics.Get().DNSCacheHits.Inc()
		return e, nil
	}

	addrs, validUntil, err := c.resolver.LookupHost(ctx, name)
	if err != nil {
		metrics.Get().DNSLookups.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.Get().DNSLookups.WithLabelValues("ok").Inc()

	e := &Entry{
		name:       name,
		addrs:      addrSet(addrs),
		validUntil: validUntil,
		generation: 1,
		watchers:   newWatcherSet(),
	}
	c.entries[name] = e
	heap.Push(&c.queue, queueItem{name: name, validUntil: validUntil, generation: e.generation})
	metrics.Get().DNSCacheEntries.Set(float64(len(c.entries)))

	c.log.Debug("cached new entry", "name", name, "addresses", len(addrs))
	return e, nil
}

// Len returns the number of live cache entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
