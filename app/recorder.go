// Package app provides application services that orchestrate domain
// logic: the request governor, the usage recorder, the aggregator, the
// cost calculator and the realtime hub.
package app

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/voyagelab/apimeter/adapters/metrics"
	"github.com/voyagelab/apimeter/domain/usage"
	"github.com/voyagelab/apimeter/ports"
)

// RecorderConfig bounds the event log.
type RecorderConfig struct {
	MaxEvents   int           // Count cap, oldest evicted first
	MaxAge      time.Duration // Age bound, e.g. 30 days
	RecentLimit int           // Events included in each broadcast payload
}

// Listener observes every recorded event synchronously, after the
// append is visible. Payload slices are copies and safe to retain.
type Listener func(ports.UsageUpdate)

// Recorder is the append-only usage event log with incrementally
// maintained per-kind totals. One writer section; readers get
// consistent copies.
type Recorder struct {
	mu        sync.RWMutex
	events    []usage.Event // ascending by Seq
	totals    usage.Totals
	seq       uint64
	listeners []Listener

	cfg     RecorderConfig
	clock   ports.Clock
	idGen   ports.IDGenerator
	logger  zerolog.Logger
	metrics *metrics.Collector // optional
}

// NewRecorder creates a usage recorder.
func NewRecorder(cfg RecorderConfig, clock ports.Clock, idGen ports.IDGenerator, logger zerolog.Logger, m *metrics.Collector) *Recorder {
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = 10000
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 30 * 24 * time.Hour
	}
	if cfg.RecentLimit <= 0 {
		cfg.RecentLimit = 25
	}
	return &Recorder{
		totals:  make(usage.Totals),
		cfg:     cfg,
		clock:   clock,
		idGen:   idGen,
		logger:  logger,
		metrics: m,
	}
}

// AddListener registers a synchronous observer of recorded events.
// Listeners must be registered before recording starts.
func (r *Recorder) AddListener(fn Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Record validates and appends one event. ID, timestamp and sequence
// are assigned here when absent, so creation order is recoverable from
// Seq alone. The append and the totals update happen in one writer
// section; listeners fire after the append is visible.
func (r *Recorder) Record(e usage.Event) (usage.Event, error) {
	if err := usage.Validate(e); err != nil {
		r.logger.Warn().Err(err).Str("api", string(e.Kind)).Msg("rejected usage event")
		return usage.Event{}, err
	}

	r.mu.Lock()
	if e.ID == "" {
		e.ID = r.idGen.New()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = r.clock.Now()
	}
	r.seq++
	e.Seq = r.seq

	r.events = append(r.events, e)
	r.totals[e.Kind] = r.totals[e.Kind].Add(e.Status)
	r.evictLocked()

	update := ports.UsageUpdate{
		Totals:    r.totals.Clone(),
		Events:    r.recentLocked(r.cfg.RecentLimit),
		LastEvent: e,
	}
	listeners := r.listeners
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.EventsRecorded.Inc()
	}
	r.logger.Debug().
		Str("api", string(e.Kind)).
		Str("action", e.Action).
		Str("status", string(e.Status)).
		Uint64("seq", e.Seq).
		Msg("usage event recorded")

	for _, fn := range listeners {
		fn(update)
	}
	return e, nil
}

// Totals returns the per-kind cumulative counters. Always consistent
// with a full scan of the retained log.
func (r *Recorder) Totals() usage.Totals {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.totals.Clone()
}

// Recent returns up to n events, most recent first.
func (r *Recorder) Recent(n int) []usage.Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.recentLocked(n)
}

// Snapshot returns a copy of the retained log in append order, for
// long-running aggregation without stalling ingestion.
func (r *Recorder) Snapshot() []usage.Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]usage.Event, len(r.events))
	copy(out, r.events)
	return out
}

// OldestTimestamp returns the timestamp of the oldest retained event,
// nil when the log is empty.
func (r *Recorder) OldestTimestamp() *time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.events) == 0 {
		return nil
	}
	ts := r.events[0].Timestamp
	return &ts
}

// EventsAfter returns events with Seq > after, oldest first. Used by
// the persistence flusher to save increments.
func (r *Recorder) EventsAfter(after uint64) []usage.Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i := len(r.events)
	for i > 0 && r.events[i-1].Seq > after {
		i--
	}
	out := make([]usage.Event, len(r.events)-i)
	copy(out, r.events[i:])
	return out
}

// Seed restores the log from persisted events at startup, re-deriving
// totals from a full scan. Events must be oldest first. Seeding an
// active recorder is not supported.
func (r *Recorder) Seed(events []usage.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append([]usage.Event(nil), events...)
	for i := range r.events {
		r.events[i].Seq = uint64(i + 1)
	}
	r.seq = uint64(len(r.events))
	r.totals = usage.Tally(r.events)
	r.evictLocked()
}

// recentLocked returns up to n events most recent first. Callers hold r.mu.
func (r *Recorder) recentLocked(n int) []usage.Event {
	if n <= 0 || n > len(r.events) {
		n = len(r.events)
	}
	out := make([]usage.Event, 0, n)
	for i := len(r.events) - 1; i >= len(r.events)-n; i-- {
		out = append(out, r.events[i])
	}
	return out
}

// evictLocked drops events past the retention bounds, oldest first.
// Runs only on record, never on reads, and never reorders survivors.
func (r *Recorder) evictLocked() {
	cut := 0
	if over := len(r.events) - r.cfg.MaxEvents; over > 0 {
		cut = over
	}
	horizon := r.clock.Now().Add(-r.cfg.MaxAge)
	for cut < len(r.events) && r.events[cut].Timestamp.Before(horizon) {
		cut++
	}
	if cut == 0 {
		return
	}
	for _, e := range r.events[:cut] {
		r.totals[e.Kind] = usage.Counts{
			Count:   r.totals[e.Kind].Count - 1,
			Success: r.totals[e.Kind].Success - boolToInt(e.Status == usage.StatusSuccess),
			Error:   r.totals[e.Kind].Error - boolToInt(e.Status == usage.StatusError),
		}
	}
	r.events = append([]usage.Event(nil), r.events[cut:]...)
	if r.metrics != nil {
		r.metrics.EventsEvicted.Add(float64(cut))
	}
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// Ensure interface compliance.
var _ ports.EventSink = (*Recorder)(nil)
