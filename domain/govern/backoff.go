package govern

import "time"

// RetryPolicy configures the transient-failure backoff loop.
type RetryPolicy struct {
	MaxAttempts int           // Attempts total, including the first
	Base        time.Duration // Delay before the second attempt
	MaxDelay    time.Duration // Exponential term cap
	JitterFrac  float64       // Jitter ceiling as a fraction of the exponential term
}

// DefaultRetryPolicy matches the configured provider retry budget:
// 5 attempts, 10s base, 60s cap, up to 30% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		Base:        10 * time.Second,
		MaxDelay:    60 * time.Second,
		JitterFrac:  0.3,
	}
}

// BackoffDelay returns the delay before attempt n (n >= 2):
// min(MaxDelay, Base*2^(n-2) + jitter), where jitter is rnd (a uniform
// value in [0,1)) scaled to JitterFrac of the exponential term.
// Attempt 1 and out-of-range inputs yield zero.
// This is a PURE function; the caller supplies the random value so
// tests stay deterministic.
func BackoffDelay(p RetryPolicy, attempt int, rnd float64) time.Duration {
	if attempt < 2 {
		return 0
	}
	exp := p.Base << (attempt - 2)
	if exp <= 0 || exp > p.MaxDelay {
		// Past the cap the jitter cannot lower the delay again.
		return p.MaxDelay
	}
	delay := exp + time.Duration(rnd*p.JitterFrac*float64(exp))
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}
