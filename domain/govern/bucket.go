// Package govern provides pure admission-control and retry algorithms
// for outbound calls to metered APIs. All functions are deterministic -
// same input always produces same output.
package govern

import "time"

// BucketState is the current state of a token bucket (value type).
type BucketState struct {
	Tokens     float64   // Credits currently available
	LastRefill time.Time // When tokens were last recomputed
}

// BucketConfig holds token bucket parameters (value type).
type BucketConfig struct {
	RatePerSec float64 // Steady refill rate
	Burst      float64 // Bucket capacity
}

// TakeResult is the outcome of a token request (value type).
type TakeResult struct {
	Allowed bool
	Wait    time.Duration // If not allowed, time until the next token
}

// Take attempts to consume one token.
// This is a PURE function - no side effects, deterministic.
//
// Returns the result and the updated state; the caller must persist
// the new state for the decision to take effect.
func Take(state BucketState, cfg BucketConfig, now time.Time) (TakeResult, BucketState) {
	state = refill(state, cfg, now)

	if state.Tokens >= 1 {
		state.Tokens--
		return TakeResult{Allowed: true}, state
	}

	wait := time.Duration(0)
	if cfg.RatePerSec > 0 {
		deficit := 1 - state.Tokens
		wait = time.Duration(deficit / cfg.RatePerSec * float64(time.Second))
	}
	return TakeResult{Allowed: false, Wait: wait}, state
}

// Penalize removes tokens to impose a cooldown after a provider-side
// rate limit signal, flooring at -burst so the debt stays bounded.
// This is a PURE function.
func Penalize(state BucketState, cfg BucketConfig, cooldown time.Duration, now time.Time) BucketState {
	state = refill(state, cfg, now)
	state.Tokens -= cfg.RatePerSec * cooldown.Seconds()
	if state.Tokens < -cfg.Burst {
		state.Tokens = -cfg.Burst
	}
	return state
}

func refill(state BucketState, cfg BucketConfig, now time.Time) BucketState {
	if state.LastRefill.IsZero() {
		// Fresh bucket starts full.
		return BucketState{Tokens: cfg.Burst, LastRefill: now}
	}
	elapsed := now.Sub(state.LastRefill).Seconds()
	if elapsed > 0 {
		state.Tokens += elapsed * cfg.RatePerSec
		if state.Tokens > cfg.Burst {
			state.Tokens = cfg.Burst
		}
		state.LastRefill = now
	}
	return state
}
