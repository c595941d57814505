package dnscache

import (
	"container/heap"
	"context"
	"time"

	"palisade/internal/metrics"
)

// Run is the background refresh loop. Each iteration sleeps until the
// earliest known expiry, but never less than the refresh floor, then
// re-resolves every due entry. Run returns when ctx is cancelled.
func (c *Cache) Run(ctx context.Context) error {
	for {
		wake := c.nextWake()
		timer := time.NewTimer(c.clk.Until(wake))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		c.runCycle(ctx)
	}
}

// nextWake computes when the next cycle should start: the earliest queued
// expiry, floored at minRefresh from now.
func (c *Cache) nextWake() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()

	floor := c.clk.Now().Add(c.minRefresh)
	item, ok := c.queue.peek()
	if !ok || item.validUntil.Before(floor) {
		return floor
	}
	return item.validUntil
}

// runCycle performs one refresh pass over all due queue items. Per-name
// failures are isolated: a failing re-resolution requeues its item
// unchanged and does not abort the cycle.
func (c *Cache) runCycle(ctx context.Context) {
	c.mu.Lock()
	start := c.clk.Now()
	c.log.Debug("starting refresh cycle")

	// Watchers whose entries changed this cycle; each is signalled exactly
	// once after the drain, however many of its names changed.
	pending := make(map[*Watcher]struct{})
	var requeue []queueItem

	for c.queue.Len() > 0 {
		item := heap.Pop(&c.queue).(queueItem)

		entry, ok := c.entries[item.name]
		if !ok || entry.generation != item.generation {
			// Stale item from a superseded generation.
			continue
		}

		if remaining := entry.validUntil.Sub(start); remaining > c.minRefresh {
			// Heap order guarantees no later item is due either.
			requeue = append(requeue, item)
			break
		}

		if entry.watchers.len() == 0 {
			entry.idleCycles++
			if entry.idleCycles >= c.evictAfter {
				delete(c.entries, item.name)
				metrics.Get().DNSEvictions.Inc()
				c.log.Debug("evicted unwatched entry", "name", item.name)
				continue
			}
		} else {
			entry.idleCycles = 0
		}

		addrs, validUntil, err := c.resolver.LookupHost(ctx, item.name)
		if err != nil {
			// Retry on the next cycle; the item goes back verbatim.
			c.log.Warn("refresh lookup failed", "name", item.name, "error", err)
			requeue = append(requeue, item)
			continue
		}
		metrics.Get().DNSRefreshed.Inc()

		newSet := addrSet(addrs)
		if !sameAddrSet(entry.addrs, newSet) {
			c.log.Debug("address set changed", "name", item.name)
			for _, w := range entry.watchers.snapshot() {
				w.recordChange(item.name)
				pending[w] = struct{}{}
			}
		}

		replacement := &Entry{
			name:       item.name,
			addrs:      newSet,
			validUntil: validUntil,
			generation: entry.generation + 1,
			watchers:   entry.watchers,
			idleCycles: entry.idleCycles,
		}
		c.entries[item.name] = replacement
		requeue = append(requeue, queueItem{
			name:       item.name,
			validUntil: validUntil,
			generation: replacement.generation,
		})
	}

	for _, item := range requeue {
		heap.Push(&c.queue, item)
	}
	metrics.Get().DNSCacheEntries.Set(float64(len(c.entries)))
	metrics.Get().DNSRefreshCycles.Inc()
	c.mu.Unlock()

	for w := range pending {
		w.signal()
		metrics.Get().DNSNotifications.Inc()
	}
	c.log.Debug("finished refresh cycle", "notified", len(pending))
}
