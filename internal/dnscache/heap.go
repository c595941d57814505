package dnscache

import "time"

// queueItem schedules one cache entry for refresh. The generation stamp is
// compared against the live entry when popped; a mismatch means the entry
// was replaced since this item was pushed and the item is discarded.
type queueItem struct {
	name       string
	validUntil time.Time
	generation uint64
}

// refreshQueue is a min-heap of queue items ordered by expiry time,
// earliest first. It implements container/heap.Interface.
type refreshQueue []queueItem

func (q refreshQueue) Len() int { return len(q) }

func (q refreshQueue) Less(i, j int) bool {
	return q[i].validUntil.Before(q[j].validUntil)
}

func (q refreshQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *refreshQueue) Push(x any) {
	*q = append(*q, x.(queueItem))
}

func (q *refreshQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// peek returns the earliest-expiring item without removing it.
func (q refreshQueue) peek() (queueItem, bool) {
	if len(q) == 0 {
		return queueItem{}, false
	}
	return q[0], true
}
