// Package syncd implements the periodic sync daemon described in
// SPEC_FULL.md 4.2: it walks a fixed set of watched buffers and writes
// back any that are flagged dirty, supplementing spec.md's silence on
// write-back policy for long-pinned buffers. It never touches bucket
// ring state and never evicts anything, so it cannot violate the
// buffer cache's own invariants.
package syncd

import (
	"log"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/oichkatzele/kcore/bufcache"
	"github.com/oichkatzele/kcore/internal/metrics"
)

// Watched is a buffer the daemon should periodically flush while
// dirty. Callers are responsible for Pin-ing the buffer before
// registering it and Unpin-ing it once they stop caring — the daemon
// assumes the buffer is pinned for its entire registration lifetime
// and will not itself be evicted.
type Watched struct {
	Buf *bufcache.Buf
}

// Daemon periodically scans its registered buffers and flushes the
// dirty ones via the owning Cache.
type Daemon struct {
	cache *bufcache.Cache
	log   *log.Logger
	m     *metrics.Set

	mu      sync.Mutex
	watched []Watched

	cronRunner *cron.Cron
}

// New returns a Daemon that flushes dirty watched buffers of cache,
// counting flushes in m and logging via lg (either may be nil). The
// schedule is given to Start.
func New(cache *bufcache.Cache, m *metrics.Set, lg *log.Logger) *Daemon {
	return &Daemon{cache: cache, m: m, log: lg}
}

// Watch registers b for periodic flushing. The caller must already
// hold a Pin on b (see Watched's doc comment).
func (d *Daemon) Watch(b *bufcache.Buf) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.watched = append(d.watched, Watched{Buf: b})
}

// Start schedules the flush sweep on spec (e.g. "@every 30s") and
// returns once the cron scheduler is running. Call Stop to shut it
// down.
func (d *Daemon) Start(spec string) error {
	d.cronRunner = cron.New()
	_, err := d.cronRunner.AddFunc(spec, d.sweep)
	if err != nil {
		return err
	}
	d.cronRunner.Start()
	return nil
}

// Stop halts the scheduler and waits for any in-flight sweep to
// finish.
func (d *Daemon) Stop() {
	if d.cronRunner == nil {
		return
	}
	ctx := d.cronRunner.Stop()
	<-ctx.Done()
}

func (d *Daemon) sweep() {
	d.mu.Lock()
	snapshot := make([]Watched, len(d.watched))
	copy(snapshot, d.watched)
	d.mu.Unlock()

	for _, w := range snapshot {
		if !d.cache.Dirty(w.Buf) {
			continue
		}
		if err := d.cache.Flush(w.Buf); err != nil {
			if d.log != nil {
				d.log.Printf("syncd: flush dev=%d blockno=%d: %v", w.Buf.Dev, w.Buf.Blockno, err)
			}
			continue
		}
		if d.m != nil {
			d.m.Flushes.Inc()
		}
	}
}
