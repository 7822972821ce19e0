// hart.go shapes a simulated worker's busy/wait accounting after
// biscuit's accnt.Accnt_t, generalized from per-process user/system
// time to a per-hart busy-time counter. "Hart" names a simulated worker
// goroutine driving the allocator and cache, not a RISC-V hardware
// thread.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/oichkatzele/kcore/bufcache"
	"github.com/oichkatzele/kcore/internal/diag"
	"github.com/oichkatzele/kcore/mem"
)

// HartAccnt accumulates one hart's time spent doing simulated work,
// the same nanosecond counter shape as accnt.Accnt_t. Only Busyns is
// updated; Waitns is never written and stays zero.
type HartAccnt struct {
	Busyns int64
	Waitns int64
}

func (a *HartAccnt) addBusy(d time.Duration) { atomic.AddInt64(&a.Busyns, int64(d)) }

// Hart drives one simulated worker: a loop alternating between
// allocator and cache traffic against state shared with every other
// hart.
type Hart struct {
	ID     int
	pa     *mem.PageAllocator
	cache  *bufcache.Cache
	events *diag.EventRing
	accnt  HartAccnt
	rng    *rand.Rand
	dev    int
}

// NewHart returns a Hart with id, operating on dev within the shared
// cache, seeded deterministically from id.
func NewHart(id int, pa *mem.PageAllocator, cache *bufcache.Cache, events *diag.EventRing, dev int) *Hart {
	return &Hart{
		ID:     id,
		pa:     pa,
		cache:  cache,
		events: events,
		rng:    rand.New(rand.NewSource(int64(id) + 1)),
		dev:    dev,
	}
}

// Run executes up to n simulated operations, stopping early if ctx is
// canceled. A bufcache.ErrNoBuffer panic from an exhausted pool is
// recorded as an event and does not abort the hart.
func (h *Hart) Run(ctx context.Context, n int) error {
	var held []mem.Pa_t
	defer func() {
		for _, p := range held {
			h.pa.Free(p)
		}
	}()

	for i := 0; i < n; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		start := time.Now()
		h.step(&held)
		h.accnt.addBusy(time.Since(start))
	}
	return nil
}

func (h *Hart) step(held *[]mem.Pa_t) {
	defer func() {
		if r := recover(); r != nil {
			h.record("panic_recovered", fmt.Sprintf("hart %d: %v", h.ID, r))
		}
	}()

	if h.rng.Intn(2) == 0 {
		h.touchMemory(held)
	} else {
		h.touchCache()
	}
}

func (h *Hart) touchMemory(held *[]mem.Pa_t) {
	if len(*held) > 0 && h.rng.Intn(3) == 0 {
		idx := h.rng.Intn(len(*held))
		p := (*held)[idx]
		h.pa.Free(p)
		*held = append((*held)[:idx], (*held)[idx+1:]...)
		h.record("pa_free", fmt.Sprintf("hart %d freed %#x", h.ID, p))
		return
	}
	p, ok := h.pa.Alloc()
	if !ok {
		h.record("pa_miss", fmt.Sprintf("hart %d: heap exhausted", h.ID))
		return
	}
	h.pa.SetOwner(p, uint64(h.ID))
	*held = append(*held, p)
	h.record("pa_alloc", fmt.Sprintf("hart %d allocated %#x", h.ID, p))
}

func (h *Hart) touchCache() {
	blockno := h.rng.Intn(4 * h.cache.NBUF())
	b, err := h.cache.Read(h.dev, blockno)
	if err != nil {
		h.record("bc_error", fmt.Sprintf("hart %d: read block %d: %v", h.ID, blockno, err))
		return
	}
	defer h.cache.Release(b)

	if h.rng.Intn(2) == 0 {
		b.Data[0] = byte(h.ID)
		h.cache.MarkDirty(b)
		if err := h.cache.Write(b); err != nil {
			h.record("bc_error", fmt.Sprintf("hart %d: write block %d: %v", h.ID, blockno, err))
			return
		}
	}
	h.record("bc_touch", fmt.Sprintf("hart %d touched dev=%d block=%d", h.ID, h.dev, blockno))
}

func (h *Hart) record(kind, detail string) {
	if h.events == nil {
		return
	}
	h.events.Record(diag.Event{Kind: kind, Detail: detail, Dev: h.dev})
}
