// Package usage provides usage event types and aggregation functions
// for metered outbound API calls. All functions are pure - no side effects.
package usage

import (
	"errors"
	"time"
)

// Kind identifies which metered external API a call targets.
type Kind string

const (
	KindGeneration Kind = "generation" // generative-content API
	KindMaps       Kind = "maps"       // geo/routing API
	KindPlaces     Kind = "places"     // place-details API
)

// Kinds lists every known API kind in stable order.
var Kinds = []Kind{KindGeneration, KindMaps, KindPlaces}

// Valid reports whether k is a known API kind.
func (k Kind) Valid() bool {
	switch k {
	case KindGeneration, KindMaps, KindPlaces:
		return true
	}
	return false
}

// Status is the terminal outcome of a call attempt.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Event represents one completed call attempt (immutable value type).
// Seq is assigned by the recorder under its write lock, so creation order
// is recoverable without a wall-clock tie-break.
type Event struct {
	ID         string            `json:"id"`
	Seq        uint64            `json:"seq"`
	Timestamp  time.Time         `json:"timestamp"`
	Kind       Kind              `json:"api"`
	Action     string            `json:"action,omitempty"`
	Status     Status            `json:"status"`
	DurationMs *int64            `json:"durationMs,omitempty"` // nil for calls that never started
	Meta       map[string]string `json:"meta,omitempty"`       // opaque diagnostics, never interpreted
}

// Validation errors for events from trusted internal callers.
// Malformed events are rejected, never silently dropped.
var (
	ErrMissingKind   = errors.New("usage: event missing api kind")
	ErrUnknownKind   = errors.New("usage: unknown api kind")
	ErrMissingStatus = errors.New("usage: event missing status")
	ErrBadStatus     = errors.New("usage: status must be success or error")
)

// Validate checks the required fields of an event.
func Validate(e Event) error {
	if e.Kind == "" {
		return ErrMissingKind
	}
	if !e.Kind.Valid() {
		return ErrUnknownKind
	}
	if e.Status == "" {
		return ErrMissingStatus
	}
	if e.Status != StatusSuccess && e.Status != StatusError {
		return ErrBadStatus
	}
	return nil
}

// Counts holds per-kind cumulative counters.
type Counts struct {
	Count   int64 `json:"count"`
	Success int64 `json:"success"`
	Error   int64 `json:"error"`
}

// Add returns c with one event of the given status counted.
func (c Counts) Add(status Status) Counts {
	c.Count++
	if status == StatusSuccess {
		c.Success++
	} else {
		c.Error++
	}
	return c
}

// Merge returns the element-wise sum of c and other.
func (c Counts) Merge(other Counts) Counts {
	c.Count += other.Count
	c.Success += other.Success
	c.Error += other.Error
	return c
}

// Totals is per-kind cumulative usage derived from the event stream.
type Totals map[Kind]Counts

// Tally computes totals from a full scan of events.
// This is a PURE function; the recorder maintains the same value
// incrementally and the two must always agree.
func Tally(events []Event) Totals {
	totals := make(Totals)
	for _, e := range events {
		totals[e.Kind] = totals[e.Kind].Add(e.Status)
	}
	return totals
}

// Clone returns a copy of t safe to hand to concurrent readers.
func (t Totals) Clone() Totals {
	out := make(Totals, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}
