// Package metrics provides lightweight atomic counters for the
// allocator and cache, adapted from biscuit's stats package: plain
// int64 counters behind a tiny typed wrapper, with a Snapshot for
// reporting rather than a generic reflection-based dump.
package metrics

import "sync/atomic"

// Counter is a monotonically increasing statistic.
type Counter struct {
	v int64
}

// Inc adds one to the counter.
func (c *Counter) Inc() { atomic.AddInt64(&c.v, 1) }

// Add adds delta to the counter.
func (c *Counter) Add(delta int64) { atomic.AddInt64(&c.v, delta) }

// Load returns the counter's current value.
func (c *Counter) Load() int64 { return atomic.LoadInt64(&c.v) }

// Set groups the counters a single component (PageAllocator or Cache)
// exposes.
type Set struct {
	Allocs  Counter // PA: successful Alloc calls
	Frees   Counter // PA: terminal Free calls (share count reached 0)
	Misses  Counter // PA: Alloc calls that found the free list empty
	Hits    Counter // BC: acquire calls resolved by the hit path
	Evicts  Counter // BC: acquire calls resolved by local eviction
	Steals  Counter // BC: acquire calls resolved by the steal path
	NoBuf   Counter // BC: acquire calls that exhausted every bucket
	Writes  Counter // BC: successful disk writes by Write or Flush
	Pins    Counter // BC: Pin calls
	Unpins  Counter // BC: Unpin calls
	Flushes Counter // BC, syncd: dirty buffers written back via Flush
}

// Snapshot is a point-in-time copy of a Set's counters, safe to pass
// around and serialize after the live Set has moved on.
type Snapshot struct {
	Allocs, Frees, Misses                 int64
	Hits, Evicts, Steals, NoBuf           int64
	Writes, Pins, Unpins, Flushes         int64
}

// Snapshot reads every counter in s into a Snapshot.
func (s *Set) Snapshot() Snapshot {
	return Snapshot{
		Allocs:  s.Allocs.Load(),
		Frees:   s.Frees.Load(),
		Misses:  s.Misses.Load(),
		Hits:    s.Hits.Load(),
		Evicts:  s.Evicts.Load(),
		Steals:  s.Steals.Load(),
		NoBuf:   s.NoBuf.Load(),
		Writes:  s.Writes.Load(),
		Pins:    s.Pins.Load(),
		Unpins:  s.Unpins.Load(),
		Flushes: s.Flushes.Load(),
	}
}
