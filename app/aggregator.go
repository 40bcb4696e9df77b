package app

import (
	"time"

	"github.com/voyagelab/apimeter/domain/usage"
	"github.com/voyagelab/apimeter/ports"
)

// DefaultStatsWindowMinutes is the trailing window used when a stats
// query does not name one.
const DefaultStatsWindowMinutes = 60

// Aggregator answers read-side queries by running the pure aggregation
// functions over a snapshot of the recorder's log. Every query sees a
// consistent view; none of them stall ingestion.
type Aggregator struct {
	rec   *Recorder
	clock ports.Clock
}

// NewAggregator creates an aggregator over the recorder's log.
func NewAggregator(rec *Recorder, clk ports.Clock) *Aggregator {
	return &Aggregator{rec: rec, clock: clk}
}

// WindowStats computes per-kind latency statistics over the trailing
// window. Kinds with no timed events in the window report Count 0 and
// nil statistics.
func (a *Aggregator) WindowStats(windowMinutes int) map[usage.Kind]usage.WindowStats {
	if windowMinutes <= 0 {
		windowMinutes = DefaultStatsWindowMinutes
	}
	events := a.rec.Snapshot()
	windowStart := a.clock.Now().Add(-time.Duration(windowMinutes) * time.Minute)

	out := make(map[usage.Kind]usage.WindowStats, len(usage.Kinds))
	for _, k := range usage.Kinds {
		out[k] = usage.ComputeWindowStats(events, windowStart, k)
	}
	return out
}

// Timeseries buckets the retained log over [start, end). A zero end
// means now. kinds nil means all kinds; status "" means all statuses.
func (a *Aggregator) Timeseries(start, end time.Time, bucket usage.Bucket, kinds []usage.Kind, status usage.Status) []usage.TimeBucketPoint {
	if end.IsZero() {
		end = a.clock.Now()
	}
	return usage.Timeseries(a.rec.Snapshot(), start, end, bucket, kinds, status)
}

// Daily returns per-day rollups for the trailing days ending today,
// oldest first.
func (a *Aggregator) Daily(days int) []usage.RollupPoint {
	return usage.RollupDaily(a.rec.Snapshot(), days, a.clock.Now())
}

// Monthly returns per-month rollups for the trailing calendar months
// ending this month, oldest first.
func (a *Aggregator) Monthly(months int) []usage.RollupPoint {
	return usage.RollupMonthly(a.rec.Snapshot(), months, a.clock.Now())
}
