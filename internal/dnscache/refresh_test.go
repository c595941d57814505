package dnscache

import (
	"container/heap"
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRefreshUnchangedSetReplacesWithoutNotify(t *testing.T) {
	cache, resolver, clk := newTestCache(t)
	resolver.set("a.example", time.Minute, "1.2.3.4")

	w := cache.CreateWatcher()
	_, err := w.ResolveAndWatch(context.Background(), "a.example")
	require.NoError(t, err)

	before, _ := cache.ResolveIfCached("a.example")

	clk.Advance(65 * time.Second)
	cache.runCycle(context.Background())

	after, ok := cache.ResolveIfCached("a.example")
	require.True(t, ok)
	assert.NotSame(t, before, after, "entry must be replaced")
	assert.True(t, after.ValidUntil().After(before.ValidUntil()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Error(t, w.AddressChanged(ctx), "no notification for an unchanged set")
}

func TestRefreshChangedSetNotifiesWatcher(t *testing.T) {
	cache, resolver, clk := newTestCache(t)
	resolver.set("a.example", time.Minute, "1.2.3.4")

	w := cache.CreateWatcher()
	addrs, err := w.ResolveAndWatch(context.Background(), "a.example")
	require.NoError(t, err)
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("1.2.3.4")}, addrs)

	// Scenario: time passes the validity window, the answer changes.
	clk.Advance(65 * time.Second)
	resolver.set("a.example", time.Minute, "1.2.3.5")
	cache.runCycle(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, w.AddressChanged(ctx))

	e, ok := cache.ResolveIfCached("a.example")
	require.True(t, ok)
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("1.2.3.5")}, e.Addresses())
}

func TestRefreshNotifiesAllRegisteredWatchers(t *testing.T) {
	cache, resolver, clk := newTestCache(t)
	resolver.set("b.example", time.Minute, "192.0.2.1")

	w1 := cache.CreateWatcher()
	w2 := cache.CreateWatcher()
	_, err := w1.ResolveAndWatch(context.Background(), "b.example")
	require.NoError(t, err)
	_, err = w2.ResolveAndWatch(context.Background(), "b.example")
	require.NoError(t, err)

	clk.Advance(2 * time.Minute)
	resolver.set("b.example", time.Minute, "192.0.2.2")
	cache.runCycle(context.Background())

	for _, w := range []*Watcher{w1, w2} {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		require.NoError(t, w.AddressChanged(ctx), "every registered watcher gets the change")
		cancel()
	}
}

func TestRefreshCoalescesMultipleChangesPerWatcher(t *testing.T) {
	cache, resolver, clk := newTestCache(t)
	resolver.set("a.example", time.Minute, "1.2.3.4")
	resolver.set("b.example", time.Minute, "1.2.3.5")

	w := cache.CreateWatcher()
	_, err := w.ResolveAndWatch(context.Background(), "a.example")
	require.NoError(t, err)
	_, err = w.ResolveAndWatch(context.Background(), "b.example")
	require.NoError(t, err)

	clk.Advance(2 * time.Minute)
	resolver.set("a.example", time.Minute, "10.0.0.1")
	resolver.set("b.example", time.Minute, "10.0.0.2")
	cache.runCycle(context.Background())

	// Both names changed in one cycle: exactly one latched notification.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	require.NoError(t, w.AddressChanged(ctx))
	cancel()

	ctx2, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()
	assert.Error(t, w.AddressChanged(ctx2), "changes coalesce into a single signal")
}

func TestRefreshFailureRequeuesVerbatim(t *testing.T) {
	cache, resolver, clk := newTestCache(t)
	resolver.set("a.example", time.Minute, "1.2.3.4")

	w := cache.CreateWatcher()
	_, err := w.ResolveAndWatch(context.Background(), "a.example")
	require.NoError(t, err)

	before, _ := cache.ResolveIfCached("a.example")

	clk.Advance(2 * time.Minute)
	resolver.fail("a.example", errors.New("timeout"))
	cache.runCycle(context.Background())

	// Entry untouched, no notification.
	after, ok := cache.ResolveIfCached("a.example")
	require.True(t, ok)
	assert.Same(t, before, after)

	// Next cycle retries and succeeds.
	clk.Advance(time.Minute)
	resolver.set("a.example", time.Minute, "5.6.7.8")
	cache.runCycle(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, w.AddressChanged(ctx))
}

func TestRefreshCadenceFloor(t *testing.T) {
	cache, resolver, _ := newTestCache(t)
	// Entry inserted with zero remaining validity.
	resolver.set("hot.example", 0, "1.2.3.4")

	_, err := cache.Resolve(context.Background(), "hot.example")
	require.NoError(t, err)

	wake := cache.nextWake()
	assert.Equal(t, cache.clk.Now().Add(DefaultMinRefreshInterval), wake,
		"an expired entry must still wait out the refresh floor")
}

func TestNextWakeUsesEarliestExpiryBeyondFloor(t *testing.T) {
	cache, resolver, clk := newTestCache(t)
	resolver.set("slow.example", 10*time.Minute, "1.2.3.4")

	_, err := cache.Resolve(context.Background(), "slow.example")
	require.NoError(t, err)

	wake := cache.nextWake()
	assert.Equal(t, clk.Now().Add(10*time.Minute), wake)
}

func TestCycleStopsAtFirstNotDueItem(t *testing.T) {
	cache, resolver, clk := newTestCache(t)
	resolver.set("due.example", time.Minute, "1.2.3.4")
	resolver.set("fresh.example", time.Hour, "5.6.7.8")

	_, err := cache.Resolve(context.Background(), "due.example")
	require.NoError(t, err)
	_, err = cache.Resolve(context.Background(), "fresh.example")
	require.NoError(t, err)

	clk.Advance(2 * time.Minute)
	cache.runCycle(context.Background())

	assert.Equal(t, 2, resolver.count("due.example"))
	assert.Equal(t, 1, resolver.count("fresh.example"), "entries beyond the floor are not touched")
}

func TestStaleHeapItemDiscarded(t *testing.T) {
	cache, resolver, clk := newTestCache(t)
	resolver.set("a.example", time.Minute, "1.2.3.4")

	w := cache.CreateWatcher()
	_, err := w.ResolveAndWatch(context.Background(), "a.example")
	require.NoError(t, err)

	// First refresh bumps the generation; simulate a leftover item for the
	// superseded generation.
	clk.Advance(2 * time.Minute)
	cache.runCycle(context.Background())

	cache.mu.Lock()
	entry := cache.entries["a.example"]
	stale := queueItem{name: "a.example", validUntil: clk.Now(), generation: entry.generation - 1}
	heap.Push(&cache.queue, stale)
	liveQueueLen := len(cache.queue)
	cache.mu.Unlock()

	lookupsBefore := resolver.count("a.example")
	clk.Advance(2 * time.Minute)
	cache.runCycle(context.Background())

	// The stale item triggered no extra lookup beyond the live item's.
	assert.Equal(t, lookupsBefore+1, resolver.count("a.example"))
	cache.mu.Lock()
	assert.Equal(t, liveQueueLen-1, len(cache.queue), "stale item dropped, live item requeued")
	cache.mu.Unlock()
}

func TestUnwatchedEntryEvictedAfterIdleCycles(t *testing.T) {
	cache, resolver, clk := newTestCache(t)
	resolver.set("idle.example", time.Second, "1.2.3.4")

	_, err := cache.Resolve(context.Background(), "idle.example")
	require.NoError(t, err)

	for i := 0; i < DefaultEvictAfterCycles; i++ {
		clk.Advance(time.Minute)
		cache.runCycle(context.Background())
	}

	_, ok := cache.ResolveIfCached("idle.example")
	assert.False(t, ok, "entry with no watchers evicted after idle cycles")
	assert.Equal(t, 0, cache.Len())
}

func TestWatchedEntryNeverEvicted(t *testing.T) {
	cache, resolver, clk := newTestCache(t)
	resolver.set("kept.example", time.Second, "1.2.3.4")

	w := cache.CreateWatcher()
	_, err := w.ResolveAndWatch(context.Background(), "kept.example")
	require.NoError(t, err)

	for i := 0; i < DefaultEvictAfterCycles*2; i++ {
		clk.Advance(time.Minute)
		cache.runCycle(context.Background())
	}

	_, ok := cache.ResolveIfCached("kept.example")
	assert.True(t, ok)
}
