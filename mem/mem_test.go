package mem_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oichkatzele/kcore/mem"
)

func newAllocator(t *testing.T, frames int) *mem.PageAllocator {
	t.Helper()
	pa, err := mem.Init(frames * int(mem.PAGE_SIZE))
	require.NoError(t, err)
	t.Cleanup(func() { _ = pa.Close() })
	return pa
}

// invariant1 checks the frame-count form of spec.md 8's invariant 1:
// distinct owned frames + free-list length == frame count. outstanding
// is a multiset of ownership units (one entry per Alloc or IncrShare, so
// a shared frame appears more than once); the check counts distinct
// owned frames, not ownership units, so dedup before comparing.
func invariant1(t *testing.T, pa *mem.PageAllocator, outstanding []mem.Pa_t) {
	t.Helper()
	owned := make(map[mem.Pa_t]struct{}, len(outstanding))
	for _, p := range outstanding {
		owned[p] = struct{}{}
	}
	require.Equal(t, pa.FrameCount(), len(owned)+pa.FreeListLen())
}

func TestAllocFreeRestoresFreeList(t *testing.T) {
	pa := newAllocator(t, 16)
	before := pa.FreeListLen()

	p, ok := pa.Alloc()
	require.True(t, ok)
	require.Equal(t, before-1, pa.FreeListLen())

	pa.Free(p)
	require.Equal(t, before, pa.FreeListLen())
}

// Scenario 5: COW share, spec.md 8.
func TestCOWShare(t *testing.T) {
	pa := newAllocator(t, 4)
	before := pa.FreeListLen()

	p, ok := pa.Alloc()
	require.True(t, ok)
	pa.IncrShare(p)
	require.EqualValues(t, 2, pa.ShareCount(p))

	pa.Free(p)
	require.EqualValues(t, 1, pa.ShareCount(p))
	require.Equal(t, before-1, pa.FreeListLen())

	pa.Free(p)
	require.EqualValues(t, 0, pa.ShareCount(p))
	require.Equal(t, before, pa.FreeListLen())
}

// Scenario 6: allocator poisoning, spec.md 8.
func TestPoisonPatterns(t *testing.T) {
	pa := newAllocator(t, 4)

	p, ok := pa.Alloc()
	require.True(t, ok)
	for _, b := range pa.Bytes(p) {
		require.EqualValues(t, 0x05, b, "freshly allocated frame must carry the fresh-poison pattern")
	}

	pa.Free(p)
	p2, ok := pa.Alloc()
	require.True(t, ok)
	// The free list is LIFO, so the frame just freed is the next one
	// handed out regardless of pool size.
	require.Equal(t, p, p2)
}

func TestFreePoisonVisibleBeforeReuse(t *testing.T) {
	pa := newAllocator(t, 2)

	p1, ok := pa.Alloc()
	require.True(t, ok)
	p2, ok := pa.Alloc()
	require.True(t, ok)

	pa.Free(p1)
	for _, b := range pa.Bytes(p1) {
		require.EqualValues(t, 0x01, b)
	}

	pa.Free(p2)
	_ = p2
}

func TestAllocEmptyFreeListReturnsFalse(t *testing.T) {
	pa := newAllocator(t, 1)
	_, ok := pa.Alloc()
	require.True(t, ok)

	_, ok = pa.Alloc()
	require.False(t, ok, "Alloc on an exhausted pool must return false, not panic or error")
}

func TestFreeInvalidFrame(t *testing.T) {
	pa := newAllocator(t, 1)
	require.PanicsWithError(t, mem.ErrInvalidFrame.Error(), func() {
		pa.Free(mem.Pa_t(1)) // misaligned
	})
}

func TestFreeDoubleFreePanics(t *testing.T) {
	pa := newAllocator(t, 1)
	p, ok := pa.Alloc()
	require.True(t, ok)
	pa.Free(p)
	require.Panics(t, func() {
		pa.Free(p)
	})
}

func TestRandomAllocFreeInvariant(t *testing.T) {
	pa := newAllocator(t, 32)
	var outstanding []mem.Pa_t

	// Deterministic pseudo-random walk: no math/rand.Int with a fixed
	// source needed, a simple LCG keeps the test hermetic.
	state := uint32(12345)
	next := func(n int) int {
		state = state*1664525 + 1013904223
		return int(state % uint32(n))
	}

	for i := 0; i < 500; i++ {
		if len(outstanding) == 0 || next(2) == 0 {
			p, ok := pa.Alloc()
			if ok {
				outstanding = append(outstanding, p)
			}
		} else {
			idx := next(len(outstanding))
			p := outstanding[idx]
			if next(3) == 0 {
				pa.IncrShare(p)
				outstanding = append(outstanding, p)
			} else {
				pa.Free(p)
				outstanding = append(outstanding[:idx], outstanding[idx+1:]...)
			}
		}
		invariant1(t, pa, outstanding)
	}
}
