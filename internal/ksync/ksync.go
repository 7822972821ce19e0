// Package ksync provides the small synchronization primitives shared by
// the page allocator and the buffer cache: a spinlock-flavored mutex for
// short, bounded critical sections, a bucket lock that additionally
// supports a non-blocking TryLock for the steal path, and a sleep lock
// that may suspend the caller and records whether it is held, for the
// NotHeld fatal checks.
package ksync

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// SpinLock guards state touched only briefly: the free list head, the
// share-count table, the pin refcount. In a real kernel this busy-waits;
// under the Go scheduler a plain mutex gives the same short-critical-
// -section discipline without burning a hart.
type SpinLock struct {
	mu sync.Mutex
}

// Lock acquires the spinlock.
func (s *SpinLock) Lock() { s.mu.Lock() }

// Unlock releases the spinlock.
func (s *SpinLock) Unlock() { s.mu.Unlock() }

// BucketLock is bucket_lock[h]: a spinlock that also offers a
// non-blocking TryLock, so the steal path can abandon a victim bucket
// that is already held rather than deadlocking against a thread
// stealing in the opposite direction (spec.md's flagged steal-path
// hazard).
type BucketLock struct {
	sem *semaphore.Weighted
}

// NewBucketLock returns an unlocked BucketLock.
func NewBucketLock() *BucketLock {
	return &BucketLock{sem: semaphore.NewWeighted(1)}
}

// Lock blocks until the bucket is acquired.
func (b *BucketLock) Lock() {
	// Bucket critical sections never themselves block, so an unbounded
	// context is safe here.
	_ = b.sem.Acquire(context.Background(), 1)
}

// TryLock attempts to acquire the bucket without blocking.
func (b *BucketLock) TryLock() bool {
	return b.sem.TryAcquire(1)
}

// Unlock releases the bucket lock.
func (b *BucketLock) Unlock() {
	b.sem.Release(1)
}

// SleepLock is a blocking lock that may suspend the caller (e.g. while
// another holder is performing disk I/O). Unlike SpinLock it tracks
// whether it is currently held so Release/Write can panic with
// ErrNotHeld per the contract in spec.md 4.2/7.
type SleepLock struct {
	mu     sync.Mutex
	held   sync.Mutex // protects heldBy
	heldBy bool
}

// Lock acquires the sleep lock, suspending the caller if necessary.
func (s *SleepLock) Lock() {
	s.mu.Lock()
	s.held.Lock()
	s.heldBy = true
	s.held.Unlock()
}

// Unlock releases the sleep lock.
func (s *SleepLock) Unlock() {
	s.held.Lock()
	s.heldBy = false
	s.held.Unlock()
	s.mu.Unlock()
}

// Holding reports whether the sleep lock is currently held by anyone.
// It exists solely to back the NotHeld fatal checks, mirroring
// xv6's holdingsleep().
func (s *SleepLock) Holding() bool {
	s.held.Lock()
	defer s.held.Unlock()
	return s.heldBy
}
