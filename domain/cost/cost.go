// Package cost provides the cost model for metered API usage: per-call
// rate tables, windowed cost views and linear projections.
// All functions are pure - no side effects.
package cost

import (
	"time"

	"github.com/voyagelab/apimeter/domain/usage"
)

// Config is the rate table applied to call counts (immutable value
// type; the calculator swaps whole values, never mutates fields).
type Config struct {
	RatePerCallUSD map[usage.Kind]float64 `json:"ratePerCallUSD"`
	IncludeErrors  bool                   `json:"includeErrors"`
}

// DefaultConfig returns the startup rate table.
func DefaultConfig() Config {
	return Config{
		RatePerCallUSD: map[usage.Kind]float64{
			usage.KindGeneration: 0.002,
			usage.KindMaps:       0.005,
			usage.KindPlaces:     0.017,
		},
		IncludeErrors: false,
	}
}

// Clone returns a deep copy of c.
func (c Config) Clone() Config {
	rates := make(map[usage.Kind]float64, len(c.RatePerCallUSD))
	for k, v := range c.RatePerCallUSD {
		rates[k] = v
	}
	return Config{RatePerCallUSD: rates, IncludeErrors: c.IncludeErrors}
}

// Update is a partial config change: only provided fields take effect.
type Update struct {
	RatePerCallUSD map[usage.Kind]float64 `json:"ratePerCallUSD,omitempty"`
	IncludeErrors  *bool                  `json:"includeErrors,omitempty"`
}

// Merge applies a partial update to a config, returning a new value.
// Omitted per-kind rates and flags retain their prior values.
// This is a PURE function.
func Merge(cfg Config, upd Update) Config {
	next := cfg.Clone()
	for k, rate := range upd.RatePerCallUSD {
		next.RatePerCallUSD[k] = rate
	}
	if upd.IncludeErrors != nil {
		next.IncludeErrors = *upd.IncludeErrors
	}
	return next
}

// Billable returns the billable call count under the config's error
// policy. This is a PURE function.
func Billable(c usage.Counts, cfg Config) int64 {
	if cfg.IncludeErrors {
		return c.Success + c.Error
	}
	return c.Success
}

// KindCost is the cumulative cost for one API kind.
type KindCost struct {
	Calls          int64   `json:"calls"`
	RatePerCallUSD float64 `json:"ratePerCallUSD"`
	CostUSD        float64 `json:"costUSD"`
}

// WindowCost is the trailing-window view for one API kind.
type WindowCost struct {
	Calls      int64   `json:"calls"`
	RatePerMin float64 `json:"ratePerMin"`
	CostUSD    float64 `json:"costUSD"`
}

// Snapshot is a computed cost view. It is never stored; each snapshot
// embeds the config used to compute it for auditability.
type Snapshot struct {
	PerKind             map[usage.Kind]KindCost   `json:"perKind"`
	TotalCostUSD        float64                   `json:"totalCostUSD"`
	WindowMinutes       int                       `json:"windowMinutes"`
	Window              map[usage.Kind]WindowCost `json:"window"`
	ProjectedDailyUSD   float64                   `json:"projectedDailyUSD"`
	ProjectedMonthlyUSD float64                   `json:"projectedMonthlyUSD"`
	SinceTs             *time.Time                `json:"sinceTs,omitempty"`
	Config              Config                    `json:"config"`
}

// Compute derives a cost snapshot from cumulative totals and the events
// inside the trailing window. sinceTs is the timestamp of the oldest
// retained event, nil when the log is empty. This is a PURE function.
func Compute(totals usage.Totals, windowEvents []usage.Event, windowMinutes int, sinceTs *time.Time, cfg Config) Snapshot {
	snap := Snapshot{
		PerKind:       make(map[usage.Kind]KindCost, len(usage.Kinds)),
		WindowMinutes: windowMinutes,
		Window:        make(map[usage.Kind]WindowCost, len(usage.Kinds)),
		SinceTs:       sinceTs,
		Config:        cfg.Clone(),
	}

	for _, k := range usage.Kinds {
		rate := cfg.RatePerCallUSD[k]
		calls := Billable(totals[k], cfg)
		costUSD := float64(calls) * rate
		snap.PerKind[k] = KindCost{Calls: calls, RatePerCallUSD: rate, CostUSD: costUSD}
		snap.TotalCostUSD += costUSD
	}

	windowTotals := usage.Tally(windowEvents)
	for _, k := range usage.Kinds {
		rate := cfg.RatePerCallUSD[k]
		calls := Billable(windowTotals[k], cfg)
		perMin := 0.0
		if windowMinutes > 0 {
			perMin = float64(calls) / float64(windowMinutes)
		}
		snap.Window[k] = WindowCost{
			Calls:      calls,
			RatePerMin: perMin,
			CostUSD:    float64(calls) * rate,
		}
		snap.ProjectedDailyUSD += perMin * 1440 * rate
	}
	snap.ProjectedMonthlyUSD = snap.ProjectedDailyUSD * 30

	return snap
}
