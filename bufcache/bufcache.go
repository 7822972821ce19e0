// Package bufcache implements the disk block buffer cache: a fixed
// pool of NBUF slots hashed into NBUCKET circular, doubly-linked
// rings, each guarded by its own bucket lock, with inter-bucket
// stealing when a bucket's own ring has no reclaimable slot. See
// biscuit's fs.Bdev_block_t and the original bio.c this generalizes.
package bufcache

import (
	"errors"
	"io"
	"log"
	"sync/atomic"

	"github.com/oichkatzele/kcore/internal/ksync"
	"github.com/oichkatzele/kcore/internal/metrics"
)

// logger is package-wide instrumentation output, discarded by default.
// SetLogger points it somewhere useful (e.g. cmd/kcoresim's run log).
var logger = log.New(io.Discard, "bufcache: ", log.LstdFlags)

// SetLogger redirects the package's diagnostic output to lg.
func SetLogger(lg *log.Logger) { logger = lg }

// BSIZE is the default size of a cached block in bytes.
const BSIZE = 1024

// DefaultNBUF is the default pool size.
const DefaultNBUF = 30

// DefaultNBUCKET is the default bucket count: prime and coprime with
// typical sequential block-number traffic.
const DefaultNBUCKET = 13

// ErrNotHeld is raised when Write, Release or MarkDirty finds the
// buffer's sleep lock not held by anyone. The check does not identify
// the holder: a goroutine other than the holder passes it.
var ErrNotHeld = errors.New("bufcache: sleep lock not held")

// ErrNoBuffer is raised when acquire finds no reclaimable slot in any
// bucket: the pool is undersized for the workload.
var ErrNoBuffer = errors.New("bufcache: no reclaimable buffer")

// Disk is the block I/O collaborator the cache invokes synchronously.
// Implementations must not retain data past the call.
type Disk interface {
	ReadAt(blockno int, data []byte) error
	WriteAt(blockno int, data []byte) error
}

// slot is the authoritative state for one buffer-cache entry. Its
// ring-link fields (prev/next/bucket) are exclusive to whichever
// bucket lock currently owns the slot; refcnt is written under that
// same bucket lock or under pinLock (see Pin/Unpin); data and dirty
// are exclusive to the sleep-lock holder, except that dirty is read
// by the sync daemon without the sleep lock, hence atomic.
type slot struct {
	lock    ksync.SleepLock
	dev     int
	blockno int
	valid   bool
	dirtyv  int32
	refcnt  int
	data    []byte

	bucket     int
	prev, next int // node ids; see ring below
}

func (s *slot) setDirty(v bool) {
	n := int32(0)
	if v {
		n = 1
	}
	atomic.StoreInt32(&s.dirtyv, n)
}

func (s *slot) isDirty() bool {
	return atomic.LoadInt32(&s.dirtyv) != 0
}

// Cache is the fixed-size buffer pool. Its slots and their block data
// are allocated once, in New; the pool never grows. Each Read does
// allocate a small Buf handle on the heap.
type Cache struct {
	nbuf    int
	nbucket int

	slots       []slot
	sentinel    []ring // one sentinel node per bucket
	bucketLocks []*ksync.BucketLock
	pinLock     ksync.SpinLock

	disk Disk
	m    metrics.Set
}

// ring is the prev/next pair shared by both real slots and bucket
// sentinels; node ids < nbuf address slots, ids >= nbuf address
// sentinel[id-nbuf].
type ring struct {
	prev, next int
}

// New constructs a Cache of nbuf slots over nbucket buckets, backed by
// disk for reads and writes. Every slot starts in bucket 0's ring, an
// arbitrary initial home, matching spec.md 4.2's init() contract.
func New(nbuf, nbucket int, blockSize int, disk Disk) *Cache {
	if nbuf <= 0 || nbucket <= 0 {
		panic("bufcache: nbuf and nbucket must be positive")
	}
	if blockSize <= 0 {
		blockSize = BSIZE
	}
	c := &Cache{
		nbuf:        nbuf,
		nbucket:     nbucket,
		slots:       make([]slot, nbuf),
		sentinel:    make([]ring, nbucket),
		bucketLocks: make([]*ksync.BucketLock, nbucket),
		disk:        disk,
	}
	for h := range c.sentinel {
		c.bucketLocks[h] = ksync.NewBucketLock()
		c.sentinel[h] = ring{prev: c.sentinelNode(h), next: c.sentinelNode(h)}
	}
	for i := range c.slots {
		c.slots[i].data = make([]byte, blockSize)
		c.slots[i].bucket = 0
		c.insertAfter(c.sentinelNode(0), i)
	}
	return c
}

func (c *Cache) sentinelNode(h int) int { return c.nbuf + h }

func (c *Cache) isSentinel(id int) bool { return id >= c.nbuf }

func (c *Cache) nodePrev(id int) int {
	if c.isSentinel(id) {
		return c.sentinel[id-c.nbuf].prev
	}
	return c.slots[id].prev
}

func (c *Cache) nodeNext(id int) int {
	if c.isSentinel(id) {
		return c.sentinel[id-c.nbuf].next
	}
	return c.slots[id].next
}

func (c *Cache) setPrev(id, v int) {
	if c.isSentinel(id) {
		c.sentinel[id-c.nbuf].prev = v
	} else {
		c.slots[id].prev = v
	}
}

func (c *Cache) setNext(id, v int) {
	if c.isSentinel(id) {
		c.sentinel[id-c.nbuf].next = v
	} else {
		c.slots[id].next = v
	}
}

// unlink removes id from whichever ring currently contains it.
func (c *Cache) unlink(id int) {
	p, n := c.nodePrev(id), c.nodeNext(id)
	c.setNext(p, n)
	c.setPrev(n, p)
}

// insertAfter links id into the ring immediately after anchor (MRU
// position when anchor is the bucket's sentinel).
func (c *Cache) insertAfter(anchor, id int) {
	n := c.nodeNext(anchor)
	c.setNext(anchor, id)
	c.setPrev(id, anchor)
	c.setNext(id, n)
	c.setPrev(n, id)
}

func (c *Cache) hash(blockno int) int {
	h := blockno % c.nbucket
	if h < 0 {
		h += c.nbucket
	}
	return h
}

// Buf is a locked handle on a cached block, returned by Read and
// consumed by Write/Release/Pin/Unpin. Data holds the cached bytes;
// callers mutate it in place while holding the buffer.
type Buf struct {
	Dev     int
	Blockno int
	Data    []byte

	idx int
	c   *Cache
}

func (c *Cache) buf(idx int) *Buf {
	s := &c.slots[idx]
	return &Buf{Dev: s.dev, Blockno: s.blockno, Data: s.data, idx: idx, c: c}
}

// acquire is bget(): the heart of the design. See spec.md 4.2.
func (c *Cache) acquire(dev, blockno int) *Buf {
	h := c.hash(blockno)
	bl := c.bucketLocks[h]
	bl.Lock()

	// Hit path: the block may already be cached in its home bucket.
	for cur := c.nodeNext(c.sentinelNode(h)); !c.isSentinel(cur); cur = c.nodeNext(cur) {
		s := &c.slots[cur]
		if s.dev == dev && s.blockno == blockno {
			s.refcnt++
			bl.Unlock()
			s.lock.Lock()
			c.m.Hits.Inc()
			return c.buf(cur)
		}
	}

	// Local miss: scan from the LRU end for a reclaimable slot.
	if cur, ok := c.scanReclaimable(h); ok {
		c.installAndLock(cur, h, dev, blockno)
		c.m.Evicts.Inc()
		bl.Unlock()
		c.slots[cur].lock.Lock()
		return c.buf(cur)
	}

	// Steal path: round-robin over the other buckets, trying (never
	// blocking on) each one's lock in turn, per the REDESIGN FLAG in
	// spec.md 9.
	for i := 0; i < c.nbucket; i++ {
		if i == h {
			continue
		}
		vl := c.bucketLocks[i]
		if !vl.TryLock() {
			continue
		}
		victim, ok := c.scanReclaimable(i)
		if !ok {
			vl.Unlock()
			continue
		}
		c.unlink(victim)
		c.slots[victim].bucket = h
		c.insertAfter(c.sentinelNode(h), victim)
		vl.Unlock()

		if cur, ok := c.scanReclaimable(h); ok {
			c.installAndLock(cur, h, dev, blockno)
			c.m.Steals.Inc()
			bl.Unlock()
			logger.Printf("steal: bucket %d <- %d for dev=%d block=%d", h, i, dev, blockno)
			c.slots[cur].lock.Lock()
			return c.buf(cur)
		}
		// Not reached in practice: bucketLocks[h] is held across the
		// migration and the re-scan, so the migrated slot is still
		// reclaimable here. Falls through to the next victim bucket.
	}

	bl.Unlock()
	c.m.NoBuf.Inc()
	logger.Printf("no reclaimable buffer for dev=%d block=%d", dev, blockno)
	panic(ErrNoBuffer)
}

// scanReclaimable walks bucket h from its LRU end toward MRU looking
// for a slot with refcnt == 0. Caller must hold bucketLocks[h].
func (c *Cache) scanReclaimable(h int) (int, bool) {
	sentinel := c.sentinelNode(h)
	for cur := c.nodePrev(sentinel); cur != sentinel; cur = c.nodePrev(cur) {
		if c.slots[cur].refcnt == 0 {
			return cur, true
		}
	}
	return 0, false
}

// installAndLock overwrites a reclaimed slot's identity. Caller holds
// bucketLocks[h] and will release it and acquire the sleep lock after.
func (c *Cache) installAndLock(idx, h, dev, blockno int) {
	s := &c.slots[idx]
	s.dev, s.blockno = dev, blockno
	s.valid = false
	s.setDirty(false)
	s.refcnt = 1
	s.bucket = h
}

// Read returns a locked Buf whose Data holds the contents of blockno
// on dev, fetching it from disk first if not already cached and
// valid.
func (c *Cache) Read(dev, blockno int) (*Buf, error) {
	b := c.acquire(dev, blockno)
	s := &c.slots[b.idx]
	if !s.valid {
		if err := c.disk.ReadAt(blockno, s.data); err != nil {
			return b, err
		}
		s.valid = true
	}
	b.Data = s.data
	return b, nil
}

// Write synchronously writes b's contents to disk. The caller must
// hold b's sleep lock (i.e. b must come from Read and not yet have
// been Released).
func (c *Cache) Write(b *Buf) error {
	s := &c.slots[b.idx]
	if !s.lock.Holding() {
		panic(ErrNotHeld)
	}
	if err := c.disk.WriteAt(b.Blockno, s.data); err != nil {
		return err
	}
	s.setDirty(false)
	c.m.Writes.Inc()
	return nil
}

// Flush writes b back to disk if and only if it is currently marked
// dirty, acquiring b's sleep lock itself rather than requiring the
// caller to already hold it. Unlike Write/Release/Pin, Flush is meant
// for a collaborator (the sync daemon) that only holds a Pin on b, not
// its sleep lock; acquiring the sleep lock here may briefly suspend
// the daemon behind an active reader/writer, which is the intended
// "may suspend" sleep-lock semantics from spec.md 5.
func (c *Cache) Flush(b *Buf) error {
	s := &c.slots[b.idx]
	s.lock.Lock()
	defer s.lock.Unlock()
	if !s.isDirty() {
		return nil
	}
	if err := c.disk.WriteAt(b.Blockno, s.data); err != nil {
		return err
	}
	s.setDirty(false)
	c.m.Writes.Inc()
	c.m.Flushes.Inc()
	return nil
}

// Release drops b's sleep lock and, under the bucket lock, decrements
// refcnt; if it reaches zero the slot moves to the MRU position of
// whichever bucket currently holds it.
func (c *Cache) Release(b *Buf) {
	s := &c.slots[b.idx]
	if !s.lock.Holding() {
		panic(ErrNotHeld)
	}
	s.lock.Unlock()

	// The steal path only migrates slots with refcnt == 0, and this
	// slot's refcnt is still >= 1 (our own reference), so s.bucket
	// cannot change underneath us before we take its lock.
	h := s.bucket
	bl := c.bucketLocks[h]
	bl.Lock()
	s.refcnt--
	if s.refcnt == 0 {
		c.unlink(b.idx)
		c.insertAfter(c.sentinelNode(h), b.idx)
	}
	bl.Unlock()
}

// Pin increments b's refcnt under pinLock, keeping the slot resident
// across a subsequent Release. It does not touch bucket ring state.
func (c *Cache) Pin(b *Buf) {
	c.pinLock.Lock()
	c.slots[b.idx].refcnt++
	c.pinLock.Unlock()
	c.m.Pins.Inc()
}

// Unpin decrements b's refcnt under pinLock. Pin is safe to pair with
// Unpin only while the caller (or someone) still holds b's sleep lock
// or another outstanding reference, per spec.md 9's pin/bucket-lock
// duality note.
func (c *Cache) Unpin(b *Buf) {
	c.pinLock.Lock()
	c.slots[b.idx].refcnt--
	c.pinLock.Unlock()
	c.m.Unpins.Inc()
}

// MarkDirty flags b as needing write-back. It may be called only while
// holding b's sleep lock, after mutating Data.
func (c *Cache) MarkDirty(b *Buf) {
	s := &c.slots[b.idx]
	if !s.lock.Holding() {
		panic(ErrNotHeld)
	}
	s.setDirty(true)
}

// Dirty reports whether b's slot is flagged as needing write-back. It
// is safe to call without holding the sleep lock (used by the sync
// daemon while only holding a pin).
func (c *Cache) Dirty(b *Buf) bool {
	return c.slots[b.idx].isDirty()
}

// NBUF returns the pool size.
func (c *Cache) NBUF() int { return c.nbuf }

// NBUCKET returns the bucket count.
func (c *Cache) NBUCKET() int { return c.nbucket }

// Metrics returns a snapshot of the cache's instrumentation counters.
func (c *Cache) Metrics() metrics.Snapshot {
	return c.m.Snapshot()
}
