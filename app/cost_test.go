package app

import (
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/voyagelab/apimeter/domain/cost"
	"github.com/voyagelab/apimeter/domain/usage"
	"github.com/voyagelab/apimeter/ports"
)

type captureBroadcaster struct {
	usages []ports.UsageUpdate
	costs  []any
}

func (b *captureBroadcaster) PublishUsage(u ports.UsageUpdate) { b.usages = append(b.usages, u) }
func (b *captureBroadcaster) PublishCost(s any)                { b.costs = append(b.costs, s) }

func approxUSD(t *testing.T, name string, got, want float64) {
	t.Helper()
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("%s = %v, want %v", name, got, want)
	}
}

func newTestCalculator() (*CostCalculator, *Recorder) {
	rec, clk := newTestRecorder(RecorderConfig{})
	now := clk.Now()
	rec.Seed([]usage.Event{
		timedEvt(usage.KindGeneration, usage.StatusSuccess, now.Add(-2*time.Hour), 10),
		timedEvt(usage.KindGeneration, usage.StatusError, now.Add(-30*time.Minute), 10),
		timedEvt(usage.KindGeneration, usage.StatusSuccess, now.Add(-20*time.Minute), 10),
		timedEvt(usage.KindGeneration, usage.StatusSuccess, now.Add(-10*time.Minute), 10),
		timedEvt(usage.KindMaps, usage.StatusSuccess, now.Add(-5*time.Minute), 10),
	})
	calc := NewCostCalculator(rec, clk, cost.DefaultConfig(), zerolog.Nop())
	return calc, rec
}

func TestCalculatorSnapshot(t *testing.T) {
	calc, _ := newTestCalculator()

	snap := calc.Snapshot(60)

	// Cumulative: 3 billable generation calls, 1 maps call, errors excluded.
	gen := snap.PerKind[usage.KindGeneration]
	if gen.Calls != 3 {
		t.Errorf("generation calls = %d, want 3", gen.Calls)
	}
	approxUSD(t, "generation cost", gen.CostUSD, 0.006)
	approxUSD(t, "total cost", snap.TotalCostUSD, 0.011)

	// Window: 2 generation + 1 maps calls in the last hour.
	if snap.Window[usage.KindGeneration].Calls != 2 {
		t.Errorf("window generation calls = %d, want 2", snap.Window[usage.KindGeneration].Calls)
	}
	approxUSD(t, "generation rate/min", snap.Window[usage.KindGeneration].RatePerMin, 2.0/60)
	approxUSD(t, "projected daily", snap.ProjectedDailyUSD, 48*0.002+24*0.005)
	approxUSD(t, "projected monthly", snap.ProjectedMonthlyUSD, (48*0.002+24*0.005)*30)

	if snap.SinceTs == nil {
		t.Error("SinceTs not set for a non-empty log")
	}
}

func TestCalculatorUpdateConfigPartial(t *testing.T) {
	calc, _ := newTestCalculator()

	got := calc.UpdateConfig(cost.Update{
		RatePerCallUSD: map[usage.Kind]float64{usage.KindGeneration: 0.004},
	})
	approxUSD(t, "updated generation rate", got.RatePerCallUSD[usage.KindGeneration], 0.004)
	approxUSD(t, "untouched maps rate", got.RatePerCallUSD[usage.KindMaps], 0.005)
	if got.IncludeErrors {
		t.Error("IncludeErrors flipped by rate-only update")
	}

	// The new table applies to cumulative history too.
	snap := calc.Snapshot(60)
	approxUSD(t, "recomputed generation cost", snap.PerKind[usage.KindGeneration].CostUSD, 3*0.004)
}

func TestCalculatorIncludeErrors(t *testing.T) {
	calc, _ := newTestCalculator()

	include := true
	calc.UpdateConfig(cost.Update{IncludeErrors: &include})

	snap := calc.Snapshot(60)
	if snap.PerKind[usage.KindGeneration].Calls != 4 {
		t.Errorf("billable generation calls = %d, want 4 with errors included",
			snap.PerKind[usage.KindGeneration].Calls)
	}
	approxUSD(t, "generation cost", snap.PerKind[usage.KindGeneration].CostUSD, 0.008)
}

func TestCalculatorPublishes(t *testing.T) {
	calc, rec := newTestCalculator()
	hub := &captureBroadcaster{}
	calc.SetBroadcaster(hub)
	rec.AddListener(calc.OnUsage)

	calc.UpdateConfig(cost.Update{RatePerCallUSD: map[usage.Kind]float64{usage.KindMaps: 0.01}})
	if len(hub.costs) != 1 {
		t.Fatalf("config update published %d cost snapshots, want 1", len(hub.costs))
	}

	if _, err := rec.Record(usage.Event{Kind: usage.KindMaps, Action: "op", Status: usage.StatusSuccess}); err != nil {
		t.Fatal(err)
	}
	if len(hub.costs) != 2 {
		t.Fatalf("recorded event published %d cost snapshots, want 2", len(hub.costs))
	}

	snap, ok := hub.costs[1].(cost.Snapshot)
	if !ok {
		t.Fatalf("published payload is %T, want cost.Snapshot", hub.costs[1])
	}
	approxUSD(t, "published maps rate", snap.Config.RatePerCallUSD[usage.KindMaps], 0.01)
}

func TestCalculatorMissingRates(t *testing.T) {
	rec, clk := newTestRecorder(RecorderConfig{})
	calc := NewCostCalculator(rec, clk, cost.Config{
		RatePerCallUSD: map[usage.Kind]float64{usage.KindGeneration: 0.002},
	}, zerolog.Nop())

	missing := calc.MissingRates()
	if len(missing) != 2 {
		t.Fatalf("missing = %v, want maps and places", missing)
	}
}
