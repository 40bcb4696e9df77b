package govern

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Class buckets a work failure into exactly one retry policy.
type Class string

const (
	// ClassTransient failures (5xx-class, network) are retried in-process.
	ClassTransient Class = "transient"
	// ClassRateLimited failures (429-class, quota exhaustion) requeue the
	// call behind the kind's limiter with a cooldown.
	ClassRateLimited Class = "rate_limited"
	// ClassFatal failures (other 4xx-class) surface immediately.
	ClassFatal Class = "fatal"
)

// Classifier maps a work error to a Class. The provider-side signal for
// quota exhaustion is not formally specified, so the predicate is
// pluggable per API kind.
type Classifier func(error) Class

// ProviderError is a failure reported by an external provider with an
// HTTP-like status code. Work functions return it (or wrap it) so the
// governor can classify the outcome.
type ProviderError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration // Provider-signaled cooldown, 0 if none
}

func (e *ProviderError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("provider status %d", e.StatusCode)
	}
	return fmt.Sprintf("provider status %d: %s", e.StatusCode, e.Message)
}

// quotaSignals are message fragments providers use to flag quota
// exhaustion without a 429 status.
var quotaSignals = []string{"quota", "rate limit", "resource exhausted", "too many requests"}

// ClassifyHTTP is the default classifier.
// This is a PURE function.
func ClassifyHTTP(err error) Class {
	var pe *ProviderError
	if errors.As(err, &pe) {
		switch {
		case pe.StatusCode == 429:
			return ClassRateLimited
		case pe.StatusCode >= 500:
			return ClassTransient
		case pe.StatusCode >= 400:
			if hasQuotaSignal(pe.Message) {
				return ClassRateLimited
			}
			return ClassFatal
		}
		return ClassTransient
	}
	if hasQuotaSignal(err.Error()) {
		return ClassRateLimited
	}
	// Network-level failures carry no status code.
	return ClassTransient
}

func hasQuotaSignal(msg string) bool {
	lower := strings.ToLower(msg)
	for _, s := range quotaSignals {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// Cooldown returns the provider-signaled cooldown for a rate-limited
// error, or fallback when the provider gave none.
// This is a PURE function.
func Cooldown(err error, fallback time.Duration) time.Duration {
	var pe *ProviderError
	if errors.As(err, &pe) && pe.RetryAfter > 0 {
		return pe.RetryAfter
	}
	return fallback
}
