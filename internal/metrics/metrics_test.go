package metrics_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/oichkatzele/kcore/internal/metrics"
)

func TestSnapshotReflectsCounters(t *testing.T) {
	var s metrics.Set
	s.Allocs.Add(3)
	s.Frees.Inc()
	s.Hits.Add(5)
	s.Steals.Inc()

	want := metrics.Snapshot{Allocs: 3, Frees: 1, Hits: 5, Steals: 1}
	got := s.Snapshot()

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestSnapshotIsAPointInTimeCopy(t *testing.T) {
	var s metrics.Set
	s.Writes.Inc()
	first := s.Snapshot()

	s.Writes.Add(41)
	second := s.Snapshot()

	if diff := cmp.Diff(metrics.Snapshot{Writes: 1}, first); diff != "" {
		t.Errorf("first snapshot mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(metrics.Snapshot{Writes: 42}, second); diff != "" {
		t.Errorf("second snapshot mismatch (-want +got):\n%s", diff)
	}
}
