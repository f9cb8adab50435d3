package notify

import "sync"

// Collector buffers one transaction's worth of notifications and
// coalesces them per spec.md §4.4, handing the buffer to a Manager's
// sink on commit and discarding it silently on rollback. One instance
// lives on each DataStore.
type Collector struct {
	mu      sync.Mutex
	pending []Notification
}

// NewCollector returns an empty Collector.
func NewCollector() *Collector {
	return &Collector{}
}

// Record applies n against the pending buffer using spec.md §4.4's
// coalescing rules, evaluated against the pending list in order:
//  1. if an existing entry compares equal to n including parts, and
//     either carries the same operation or n's operation is Modify,
//     drop n (idempotence);
//  2. if n is Remove and an existing entry with the same key is
//     Modify, erase the existing entry (Remove subsumes Modify);
//  3. if n and an existing entry are both Modify on the same key
//     (Entities/collection/resource identical, Parts may differ),
//     merge n's Parts into the existing entry;
//  4. otherwise append n.
func (c *Collector) Record(n Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.pending {
		existing := &c.pending[i]
		if !existing.sameKey(n) {
			continue
		}
		if existing.samePartsToo(n) && (existing.Operation == n.Operation || n.Operation == Modify) {
			return
		}
		if n.Operation == Remove && existing.Operation == Modify {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			c.pending = append(c.pending, n)
			return
		}
		if n.Operation == Modify && existing.Operation == Modify {
			existing.mergeParts(n)
			return
		}
	}
	c.pending = append(c.pending, n)
}

// Flush returns the buffered notifications in recorded order and
// clears the buffer. Called on transaction commit.
func (c *Collector) Flush() []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.pending
	c.pending = nil
	return out
}

// reset discards the buffer without returning it. Called on rollback.
func (c *Collector) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = nil
}

// Reset is the exported form of reset, for callers outside this
// package that own a Collector directly (e.g. storage.DataStore.Rollback).
func (c *Collector) Reset() { c.reset() }
