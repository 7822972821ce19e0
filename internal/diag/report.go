package diag

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/pprof/profile"
	"github.com/google/uuid"
	natomic "github.com/natefinch/atomic"

	"github.com/oichkatzele/kcore/internal/metrics"
)

// Report summarizes one kcoresim session: its final counters, a sample
// of recorded events, and (if a CPU profile was captured) a short
// contention breakdown by function.
type Report struct {
	RunID     string             `json:"run_id"`
	StartedAt time.Time          `json:"started_at"`
	Duration  time.Duration      `json:"duration"`
	Mem       metrics.Snapshot   `json:"mem"`
	Bufcache  metrics.Snapshot   `json:"bufcache"`
	Events    []Event            `json:"events"`
	Hotspots  []ContentionSample `json:"hotspots,omitempty"`
}

// ContentionSample is one line of the CPU-profile breakdown: a
// function name and the flat sample count attributed to it (samples
// whose leaf frame is in that function; callees are not included).
type ContentionSample struct {
	Function string `json:"function"`
	Samples  int64  `json:"samples"`
}

// NewReport stamps a fresh run report with a unique run ID.
func NewReport(started time.Time, mem, bc metrics.Snapshot, events []Event) Report {
	return Report{
		RunID:     uuid.NewString(),
		StartedAt: started,
		Duration:  time.Since(started),
		Mem:       mem,
		Bufcache:  bc,
		Events:    events,
	}
}

// AddProfile parses a pprof CPU profile captured via runtime/pprof and
// attaches every function seen in a sample's leaf frame to r, sorted by
// sample count descending.
func (r *Report) AddProfile(cpuProfile []byte) error {
	prof, err := profile.Parse(bytes.NewReader(cpuProfile))
	if err != nil {
		return fmt.Errorf("diag: parse profile: %w", err)
	}
	totals := make(map[string]int64)
	for _, sample := range prof.Sample {
		if len(sample.Value) == 0 || len(sample.Location) == 0 {
			continue
		}
		loc := sample.Location[0]
		for _, line := range loc.Line {
			if line.Function == nil {
				continue
			}
			totals[line.Function.Name] += sample.Value[0]
		}
	}
	hotspots := make([]ContentionSample, 0, len(totals))
	for fn, n := range totals {
		hotspots = append(hotspots, ContentionSample{Function: fn, Samples: n})
	}
	sort.Slice(hotspots, func(i, j int) bool {
		return hotspots[i].Samples > hotspots[j].Samples
	})
	r.Hotspots = hotspots
	return nil
}

// WriteJSON atomically writes r as indented JSON to path, via a
// write-to-temp-then-rename so a crash mid-write never leaves a
// corrupt report on disk.
func (r *Report) WriteJSON(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("diag: marshal report: %w", err)
	}
	if err := natomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("diag: write %s: %w", path, err)
	}
	return nil
}
