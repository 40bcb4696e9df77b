package cost_test

import (
	"math"
	"testing"
	"time"

	"github.com/voyagelab/apimeter/domain/cost"
	"github.com/voyagelab/apimeter/domain/usage"
)

func boolPtr(b bool) *bool { return &b }

func approx(got, want float64) bool { return math.Abs(got-want) < 1e-9 }

func TestMerge_Partial(t *testing.T) {
	cfg := cost.DefaultConfig()

	updated := cost.Merge(cfg, cost.Update{
		RatePerCallUSD: map[usage.Kind]float64{usage.KindGeneration: 0.01},
	})

	if updated.RatePerCallUSD[usage.KindGeneration] != 0.01 {
		t.Errorf("generation rate = %f, want 0.01", updated.RatePerCallUSD[usage.KindGeneration])
	}
	if updated.RatePerCallUSD[usage.KindMaps] != cfg.RatePerCallUSD[usage.KindMaps] {
		t.Error("omitted rates must retain prior values")
	}
	if updated.IncludeErrors != cfg.IncludeErrors {
		t.Error("omitted includeErrors must retain prior value")
	}
	// Merge must not mutate the input.
	if cfg.RatePerCallUSD[usage.KindGeneration] != 0.002 {
		t.Error("Merge mutated its input config")
	}

	flipped := cost.Merge(updated, cost.Update{IncludeErrors: boolPtr(true)})
	if !flipped.IncludeErrors {
		t.Error("IncludeErrors update not applied")
	}
	if flipped.RatePerCallUSD[usage.KindGeneration] != 0.01 {
		t.Error("rate table must survive a flag-only update")
	}
}

func TestBillable(t *testing.T) {
	counts := usage.Counts{Count: 5, Success: 3, Error: 2}

	if got := cost.Billable(counts, cost.Config{IncludeErrors: false}); got != 3 {
		t.Errorf("Billable(excl errors) = %d, want 3", got)
	}
	if got := cost.Billable(counts, cost.Config{IncludeErrors: true}); got != 5 {
		t.Errorf("Billable(incl errors) = %d, want 5", got)
	}
}

func TestCompute_EndToEnd(t *testing.T) {
	// Matches the dashboard scenario: gemini-style generation calls plus
	// one maps call, errors unbilled.
	totals := usage.Totals{
		usage.KindGeneration: {Count: 2, Success: 1, Error: 1},
		usage.KindMaps:       {Count: 1, Success: 1},
	}
	cfg := cost.Config{
		RatePerCallUSD: map[usage.Kind]float64{
			usage.KindGeneration: 0.002,
			usage.KindMaps:       0.005,
		},
		IncludeErrors: false,
	}

	snap := cost.Compute(totals, nil, 60, nil, cfg)

	gen := snap.PerKind[usage.KindGeneration]
	if gen.Calls != 1 {
		t.Errorf("generation billable calls = %d, want 1 (error excluded)", gen.Calls)
	}
	if !approx(gen.CostUSD, 0.002) {
		t.Errorf("generation cost = %f, want 0.002", gen.CostUSD)
	}
	if !approx(snap.TotalCostUSD, 0.007) {
		t.Errorf("total cost = %f, want 0.007", snap.TotalCostUSD)
	}
	if snap.Config.RatePerCallUSD[usage.KindGeneration] != 0.002 {
		t.Error("snapshot must embed the config used to compute it")
	}
}

func TestCompute_WindowProjection(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	var events []usage.Event
	for i := 0; i < 30; i++ {
		events = append(events, usage.Event{
			Kind:      usage.KindGeneration,
			Status:    usage.StatusSuccess,
			Timestamp: now.Add(-time.Duration(i) * time.Minute),
		})
	}
	cfg := cost.Config{
		RatePerCallUSD: map[usage.Kind]float64{usage.KindGeneration: 0.002},
	}

	snap := cost.Compute(usage.Tally(events), events, 60, nil, cfg)

	w := snap.Window[usage.KindGeneration]
	if w.Calls != 30 {
		t.Fatalf("window calls = %d, want 30", w.Calls)
	}
	if w.RatePerMin != 0.5 {
		t.Errorf("ratePerMin = %f, want 0.5", w.RatePerMin)
	}
	// projectedDaily = 0.5/min * 1440 min * 0.002 USD = 1.44
	if !approx(snap.ProjectedDailyUSD, 1.44) {
		t.Errorf("projectedDailyUSD = %f, want 1.44", snap.ProjectedDailyUSD)
	}
	if !approx(snap.ProjectedMonthlyUSD, 43.2) {
		t.Errorf("projectedMonthlyUSD = %f, want 43.2", snap.ProjectedMonthlyUSD)
	}
}

func TestCompute_RateScalesLinearly(t *testing.T) {
	totals := usage.Totals{usage.KindMaps: {Count: 10, Success: 10}}
	base := cost.Config{RatePerCallUSD: map[usage.Kind]float64{usage.KindMaps: 0.001}}

	first := cost.Compute(totals, nil, 60, nil, base)
	doubled := cost.Compute(totals, nil, 60, nil, cost.Merge(base, cost.Update{
		RatePerCallUSD: map[usage.Kind]float64{usage.KindMaps: 0.002},
	}))

	if !approx(doubled.PerKind[usage.KindMaps].CostUSD, 2*first.PerKind[usage.KindMaps].CostUSD) {
		t.Errorf("cost must scale linearly with rate: %f vs %f",
			doubled.PerKind[usage.KindMaps].CostUSD, first.PerKind[usage.KindMaps].CostUSD)
	}
	// Earlier snapshots are values; recomputing must not touch them.
	if !approx(first.PerKind[usage.KindMaps].CostUSD, 0.01) {
		t.Errorf("prior snapshot mutated: %f", first.PerKind[usage.KindMaps].CostUSD)
	}
}
