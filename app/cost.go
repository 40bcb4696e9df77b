package app

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/voyagelab/apimeter/domain/cost"
	"github.com/voyagelab/apimeter/domain/usage"
	"github.com/voyagelab/apimeter/ports"
)

// DefaultCostWindowMinutes is the trailing window for cost snapshots
// when a query does not name one.
const DefaultCostWindowMinutes = 60

// CostCalculator derives cost views from the recorder's log under a
// swappable rate table. Snapshots are computed on demand, never stored.
type CostCalculator struct {
	rec     *Recorder
	clock   ports.Clock
	logger  zerolog.Logger
	hub     ports.Broadcaster // optional
	current atomic.Pointer[cost.Config]
}

// NewCostCalculator creates a cost calculator with the given rate table.
func NewCostCalculator(rec *Recorder, clk ports.Clock, cfg cost.Config, logger zerolog.Logger) *CostCalculator {
	c := &CostCalculator{rec: rec, clock: clk, logger: logger}
	c.current.Store(&cfg)
	return c
}

// SetBroadcaster wires the realtime hub. Config changes and usage
// updates publish fresh cost snapshots through it.
func (c *CostCalculator) SetBroadcaster(hub ports.Broadcaster) {
	c.hub = hub
}

// Config returns a copy of the active rate table.
func (c *CostCalculator) Config() cost.Config {
	return c.current.Load().Clone()
}

// Snapshot computes the cost view for the trailing window under the
// active rate table.
func (c *CostCalculator) Snapshot(windowMinutes int) cost.Snapshot {
	if windowMinutes <= 0 {
		windowMinutes = DefaultCostWindowMinutes
	}
	cfg := c.current.Load()

	events := c.rec.Snapshot()
	windowStart := c.clock.Now().Add(-time.Duration(windowMinutes) * time.Minute)
	window := events[:0:0]
	for _, e := range events {
		if !e.Timestamp.Before(windowStart) {
			window = append(window, e)
		}
	}

	return cost.Compute(c.rec.Totals(), window, windowMinutes, c.rec.OldestTimestamp(), *cfg)
}

// UpdateConfig applies a partial rate-table change. Omitted fields keep
// their prior values. The new table applies to every later snapshot,
// including historical windows, and a fresh snapshot is broadcast.
func (c *CostCalculator) UpdateConfig(upd cost.Update) cost.Config {
	for {
		prev := c.current.Load()
		next := cost.Merge(*prev, upd)
		if c.current.CompareAndSwap(prev, &next) {
			c.logger.Info().
				Interface("rates", next.RatePerCallUSD).
				Bool("includeErrors", next.IncludeErrors).
				Msg("cost config updated")
			c.publish()
			return next.Clone()
		}
	}
}

// OnUsage is a recorder listener: every recorded event refreshes the
// broadcast cost view.
func (c *CostCalculator) OnUsage(ports.UsageUpdate) {
	c.publish()
}

func (c *CostCalculator) publish() {
	if c.hub == nil {
		return
	}
	c.hub.PublishCost(c.Snapshot(DefaultCostWindowMinutes))
}

// MissingRates returns the kinds the active rate table has no rate
// for. Used at startup to warn about a partial table.
func (c *CostCalculator) MissingRates() []usage.Kind {
	cfg := c.current.Load()
	var missing []usage.Kind
	for _, k := range usage.Kinds {
		if _, ok := cfg.RatePerCallUSD[k]; !ok {
			missing = append(missing, k)
		}
	}
	return missing
}
