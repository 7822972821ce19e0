// Package mem implements the physical page frame allocator: a LIFO free
// list over a fixed physical address range plus a per-frame share count
// for copy-on-write. See biscuit's kalloc.c for the allocator this one
// generalizes.
package mem

import (
	"errors"
	"fmt"
	"io"
	"log"

	"golang.org/x/sys/unix"

	"github.com/oichkatzele/kcore/internal/ksync"
	"github.com/oichkatzele/kcore/internal/metrics"
	"github.com/oichkatzele/kcore/util"
)

// logger is package-wide instrumentation output, discarded by default.
// SetLogger points it somewhere useful (e.g. cmd/kcoresim's run log).
var logger = log.New(io.Discard, "mem: ", log.LstdFlags)

// SetLogger redirects the package's diagnostic output to lg.
func SetLogger(lg *log.Logger) { logger = lg }

// PGSHIFT is the base-2 exponent for the page size.
const PGSHIFT = 12

// PAGE_SIZE is the size of a single physical frame in bytes.
const PAGE_SIZE Pa_t = 1 << PGSHIFT

// freshPoison fills a freshly allocated frame so use-before-init shows up.
const freshPoison = 0x05

// freePoison fills a freed frame so dangling reads show up.
const freePoison = 0x01

// Pa_t is a physical address, always PAGE_SIZE-aligned when it names a
// frame.
type Pa_t uintptr

// ErrInvalidFrame is raised when free() is asked to retire a frame that
// is misaligned or outside [heap_start, heap_end). The caller violated
// the contract; this is fatal in kernel context.
var ErrInvalidFrame = errors.New("mem: invalid frame address")

// frame is the bookkeeping record for one PAGE_SIZE-aligned frame.
// share == 0 means the frame is owned by the free list; share >= 1
// means it is owned collectively by that many references.
type frame struct {
	share uint64
	nexti uint32 // index of next free frame, only meaningful while share == 0
	owner uint64 // diagnostics only, see SPEC_FULL.md 3
}

const freeListEnd = ^uint32(0)

// PageAllocator manages every PAGE_SIZE-aligned frame in
// [heapStart, heapEnd) via a LIFO free list plus a parallel share-count
// table. freelistLock and shareLock are independent; when both are
// required the order is shareLock then freelistLock (spec.md 4.1).
type PageAllocator struct {
	freelistLock ksync.SpinLock
	shareLock    ksync.SpinLock

	mem       []byte // the simulated physical heap, mmap'd by Init
	heapStart Pa_t
	frames    []frame
	freeHead  uint32

	m metrics.Set
}

// Init rounds size down to a whole number of PAGE_SIZE frames, mmaps an
// anonymous region of that length (heapStart is always 0), and pushes
// each frame onto the free list via the free path, with every share
// count at 0. Close must be called to release the backing mapping.
func Init(size int) (*PageAllocator, error) {
	if size <= 0 {
		return nil, fmt.Errorf("mem: invalid heap size %d", size)
	}
	aligned := util.Rounddown(size, int(PAGE_SIZE))
	nframes := aligned / int(PAGE_SIZE)
	if nframes == 0 {
		return nil, fmt.Errorf("mem: heap size %d smaller than one frame", size)
	}
	regionLen := nframes * int(PAGE_SIZE)
	region, err := unix.Mmap(-1, 0, regionLen, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mem: mmap heap: %w", err)
	}

	pa := &PageAllocator{
		mem:       region,
		heapStart: Pa_t(0),
		frames:    make([]frame, nframes),
		freeHead:  freeListEnd,
	}
	for i := range pa.frames {
		pa.frames[i].nexti = freeListEnd
	}
	// free every aligned frame in descending order so the free list ends
	// up head-first in ascending address order; not required by the
	// spec, just makes test traces easier to read.
	for i := nframes - 1; i >= 0; i-- {
		pa.freeLocked(pa.indexToAddr(uint32(i)))
	}
	return pa, nil
}

// Close releases the backing mapping. There is no kernel analogue to
// this: a real kernel owns physical memory for the life of the system.
func (pa *PageAllocator) Close() error {
	if pa.mem == nil {
		return nil
	}
	err := unix.Munmap(pa.mem)
	pa.mem = nil
	return err
}

func (pa *PageAllocator) indexToAddr(idx uint32) Pa_t {
	return pa.heapStart + Pa_t(idx)*PAGE_SIZE
}

func (pa *PageAllocator) addrToIndex(p Pa_t) (uint32, bool) {
	if p < pa.heapStart || (p-pa.heapStart)%PAGE_SIZE != 0 {
		return 0, false
	}
	idx := uint32((p - pa.heapStart) / PAGE_SIZE)
	if int(idx) >= len(pa.frames) {
		return 0, false
	}
	return idx, true
}

func (pa *PageAllocator) bytes(idx uint32) []byte {
	off := int(idx) * int(PAGE_SIZE)
	return pa.mem[off : off+int(PAGE_SIZE)]
}

// Alloc pops the head of the free list and returns its address with
// share_count set to 1. It never suspends and never touches I/O. A
// false second return means the pool is exhausted; the caller decides
// what to do (spec.md 7, "Soft" row).
func (pa *PageAllocator) Alloc() (Pa_t, bool) {
	pa.freelistLock.Lock()
	idx := pa.freeHead
	if idx == freeListEnd {
		pa.freelistLock.Unlock()
		pa.m.Misses.Inc()
		logger.Printf("heap exhausted: %d frames in use", len(pa.frames))
		return 0, false
	}
	pa.freeHead = pa.frames[idx].nexti
	pa.freelistLock.Unlock()

	buf := pa.bytes(idx)
	for i := range buf {
		buf[i] = freshPoison
	}

	pa.shareLock.Lock()
	pa.frames[idx].share = 1
	pa.shareLock.Unlock()

	pa.m.Allocs.Inc()
	return pa.indexToAddr(idx), true
}

// Free retires a reference to pa. If the frame's share count is above
// 1 it is merely decremented (freelistLock is never touched). Only the
// terminal free — the count reaching 0 — pushes the frame back onto
// the free list, after poisoning its contents.
func (pa *PageAllocator) Free(p Pa_t) {
	idx, ok := pa.addrToIndex(p)
	if !ok {
		panic(ErrInvalidFrame)
	}

	pa.shareLock.Lock()
	f := &pa.frames[idx]
	if f.share == 0 {
		pa.shareLock.Unlock()
		panic(fmt.Errorf("%w: double free of %#x", ErrInvalidFrame, p))
	}
	f.share--
	remaining := f.share
	if remaining > 0 {
		pa.shareLock.Unlock()
		return
	}
	f.owner = 0
	pa.shareLock.Unlock()

	pa.freeLocked(p)
	pa.m.Frees.Inc()
}

// freeLocked performs the terminal free of an already-share-count-zero
// frame: poison, then push onto the free list. Used directly by Init,
// where every frame starts this way.
func (pa *PageAllocator) freeLocked(p Pa_t) {
	idx, ok := pa.addrToIndex(p)
	if !ok {
		panic(ErrInvalidFrame)
	}
	buf := pa.bytes(idx)
	for i := range buf {
		buf[i] = freePoison
	}

	pa.freelistLock.Lock()
	pa.frames[idx].nexti = pa.freeHead
	pa.freeHead = idx
	pa.freelistLock.Unlock()
}

// ShareCount returns the current share count of the frame at pa.
func (pa *PageAllocator) ShareCount(p Pa_t) uint64 {
	idx, ok := pa.addrToIndex(p)
	if !ok {
		panic(ErrInvalidFrame)
	}
	pa.shareLock.Lock()
	defer pa.shareLock.Unlock()
	return pa.frames[idx].share
}

// IncrShare increments the share count of the frame at pa, for use by
// the pagetable / COW fault path when a second mapping is created.
func (pa *PageAllocator) IncrShare(p Pa_t) {
	idx, ok := pa.addrToIndex(p)
	if !ok {
		panic(ErrInvalidFrame)
	}
	pa.shareLock.Lock()
	pa.frames[idx].share++
	pa.shareLock.Unlock()
}

// SetShare forcibly sets the share count of the frame at pa.
func (pa *PageAllocator) SetShare(p Pa_t, v uint64) {
	idx, ok := pa.addrToIndex(p)
	if !ok {
		panic(ErrInvalidFrame)
	}
	pa.shareLock.Lock()
	pa.frames[idx].share = v
	pa.shareLock.Unlock()
}

// SetOwner stamps a diagnostics-only owner tag on the frame at pa. It
// carries no semantic weight; the terminal Free clears it, and no
// accessor reads it back.
func (pa *PageAllocator) SetOwner(p Pa_t, owner uint64) {
	idx, ok := pa.addrToIndex(p)
	if !ok {
		panic(ErrInvalidFrame)
	}
	pa.shareLock.Lock()
	pa.frames[idx].owner = owner
	pa.shareLock.Unlock()
}

// Bytes returns the byte slice backing the frame at pa, for callers
// that need to read or write the cached contents directly (e.g. a
// COW fault handler copying a page).
func (pa *PageAllocator) Bytes(p Pa_t) []byte {
	idx, ok := pa.addrToIndex(p)
	if !ok {
		panic(ErrInvalidFrame)
	}
	return pa.bytes(idx)
}

// FreeListLen reports the current length of the free list, mostly
// useful for invariant checks in tests.
func (pa *PageAllocator) FreeListLen() int {
	pa.freelistLock.Lock()
	defer pa.freelistLock.Unlock()
	n := 0
	for i := pa.freeHead; i != freeListEnd; i = pa.frames[i].nexti {
		n++
	}
	return n
}

// FrameCount returns the total number of frames managed by pa.
func (pa *PageAllocator) FrameCount() int {
	return len(pa.frames)
}

// Metrics returns a snapshot of the allocator's instrumentation
// counters.
func (pa *PageAllocator) Metrics() metrics.Snapshot {
	return pa.m.Snapshot()
}
