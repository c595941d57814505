package dnscache

import (
	"context"
	"errors"
	"net/netip"
	"sync"

	"github.com/google/uuid"
)

// ErrNotCached is returned when a watcher operation references a name that
// has no cache entry.
var ErrNotCached = errors.New("dnscache: name not cached")

// Watcher tracks a set of names and is notified when any of their resolved
// address sets change. Identity is the watcher's id: two watchers created
// with the same watched names are still distinct registrations.
type Watcher struct {
	id    uuid.UUID
	cache *Cache

	// notify is an edge-triggered latch: a signal raised before the next
	// wait is still observed by it, and repeated signals coalesce. With
	// multiple concurrent waiters at least one wakes.
	notify chan struct{}

	mu      sync.Mutex
	watched map[string]struct{}
	changed map[string]struct{}
}

// CreateWatcher allocates a watcher bound to this cache with an empty
// watched-name set.
func (c *Cache) CreateWatcher() *Watcher {
	return &Watcher{
		id:      uuid.New(),
		cache:   c,
		notify:  make(chan struct{}, 1),
		watched: make(map[string]struct{}),
		changed: make(map[string]struct{}),
	}
}

// ResolveAndWatch resolves name through the cache, registers this watcher
// on the entry and returns a point-in-time snapshot of the resolved
// addresses. The snapshot does not update as the entry is refreshed.
func (w *Watcher) ResolveAndWatch(ctx context.Context, name string) ([]netip.Addr, error) {
	w.cache.mu.Lock()
	entry, err := w.cache.resolveLocked(ctx, name)
	if err != nil {
		w.cache.mu.Unlock()
		return nil, err
	}
	entry.watchers.add(w)
	w.cache.mu.Unlock()

	w.mu.Lock()
	w.watched[name] = struct{}{}
	w.mu.Unlock()

	return entry.Addresses(), nil
}

// RemoveWatchedName unregisters this watcher from name's entry and stops
// tracking it locally. It returns ErrNotCached if the name has no cache
// entry.
func (w *Watcher) RemoveWatchedName(name string) error {
	w.cache.mu.RLock()
	entry, ok := w.cache.entries[name]
	w.cache.mu.RUnlock()
	if !ok {
		return ErrNotCached
	}

	entry.watchers.remove(w.id)

	w.mu.Lock()
	delete(w.watched, name)
	w.mu.Unlock()
	return nil
}

// ClearWatchedNames unregisters every currently tracked name. It is
// idempotent: clearing an already-empty watcher is a no-op.
func (w *Watcher) ClearWatchedNames() {
	w.mu.Lock()
	names := make([]string, 0, len(w.watched))
	for name := range w.watched {
		names = append(names, name)
	}
	w.mu.Unlock()

	for _, name := range names {
		// An entry evicted between cycles leaves nothing to unregister.
		if err := w.RemoveWatchedName(name); errors.Is(err, ErrNotCached) {
			w.mu.Lock()
			delete(w.watched, name)
			w.mu.Unlock()
		}
	}
}

// WatchedNames returns the names this watcher currently tracks.
func (w *Watcher) WatchedNames() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.watched))
	for name := range w.watched {
		out = append(out, name)
	}
	return out
}

// AddressChanged blocks until any watched entry's address set changes, or
// returns immediately if a change fired since the last observation. It does
// not report which name changed; callers re-resolve their watched names.
// Cancellation comes from ctx.
func (w *Watcher) AddressChanged(ctx context.Context) error {
	select {
	case <-w.notify:
		w.mu.Lock()
		w.changed = make(map[string]struct{})
		w.mu.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// recordChange notes that name's address set changed; changes are batched
// per watcher so one cycle produces at most one notification.
func (w *Watcher) recordChange(name string) {
	w.mu.Lock()
	w.changed[name] = struct{}{}
	w.mu.Unlock()
}

// signal raises the notification latch without blocking.
func (w *Watcher) signal() {
	select {
	case w.notify <- struct{}{}:
	default:
	}
}
