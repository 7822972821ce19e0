package diag_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oichkatzele/kcore/internal/diag"
	"github.com/oichkatzele/kcore/internal/metrics"
)

func TestEventRingOverwritesOldestWhenFull(t *testing.T) {
	r := diag.NewEventRing(3)
	for i := 0; i < 5; i++ {
		r.Record(diag.Event{Kind: "touch", Blockno: i})
	}

	got := r.Snapshot()
	require.Len(t, got, 3)
	require.Equal(t, []int{2, 3, 4}, []int{got[0].Blockno, got[1].Blockno, got[2].Blockno})
}

func TestEventRingSnapshotBeforeCapacityReached(t *testing.T) {
	r := diag.NewEventRing(10)
	r.Record(diag.Event{Kind: "a"})
	r.Record(diag.Event{Kind: "b"})

	got := r.Snapshot()
	require.Len(t, got, 2)
	require.Equal(t, "a", got[0].Kind)
	require.Equal(t, "b", got[1].Kind)
}

func TestReportWriteJSONSucceeds(t *testing.T) {
	var mem, bc metrics.Set
	mem.Allocs.Inc()
	bc.Hits.Add(3)

	report := diag.NewReport(time.Now(), mem.Snapshot(), bc.Snapshot(), nil)
	require.NotEmpty(t, report.RunID)

	path := filepath.Join(t.TempDir(), "report.json")
	require.NoError(t, report.WriteJSON(path))
}
