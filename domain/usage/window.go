package usage

import (
	"math"
	"sort"
	"time"
)

// WindowStats holds latency statistics for a trailing window.
// Pointer fields are nil when no timed events fall in the window -
// an empty window is "no data", not zero.
type WindowStats struct {
	Count       int      `json:"count"`
	SuccessRate *float64 `json:"successRate,omitempty"`
	P50Ms       *int64   `json:"p50Ms,omitempty"`
	P95Ms       *int64   `json:"p95Ms,omitempty"`
	AvgMs       *float64 `json:"avgMs,omitempty"`
}

// ComputeWindowStats derives latency statistics from events with
// timestamp >= windowStart and a duration present. kind filters to a
// single API when non-empty. This is a PURE function.
func ComputeWindowStats(events []Event, windowStart time.Time, kind Kind) WindowStats {
	var (
		durations []int64
		success   int
	)
	for _, e := range events {
		if e.Timestamp.Before(windowStart) {
			continue
		}
		if kind != "" && e.Kind != kind {
			continue
		}
		if e.DurationMs == nil {
			continue
		}
		durations = append(durations, *e.DurationMs)
		if e.Status == StatusSuccess {
			success++
		}
	}

	stats := WindowStats{Count: len(durations)}
	if len(durations) == 0 {
		return stats
	}

	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	rate := float64(success) / float64(len(durations))
	stats.SuccessRate = &rate

	p50 := Percentile(durations, 0.50)
	p95 := Percentile(durations, 0.95)
	stats.P50Ms = &p50
	stats.P95Ms = &p95

	var sum int64
	for _, d := range durations {
		sum += d
	}
	avg := float64(sum) / float64(len(durations))
	stats.AvgMs = &avg

	return stats
}

// Percentile returns the value at rank ceil(p*n)-1 (0-indexed) of the
// sorted slice. The slice must be sorted ascending and non-empty.
// This is a PURE function.
func Percentile(sorted []int64, p float64) int64 {
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
