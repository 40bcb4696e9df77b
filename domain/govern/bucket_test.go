package govern_test

import (
	"testing"
	"time"

	"github.com/voyagelab/apimeter/domain/govern"
)

var bucketBase = time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

func TestTake_FreshBucketStartsFull(t *testing.T) {
	cfg := govern.BucketConfig{RatePerSec: 1, Burst: 3}
	state := govern.BucketState{}

	for i := 0; i < 3; i++ {
		var result govern.TakeResult
		result, state = govern.Take(state, cfg, bucketBase)
		if !result.Allowed {
			t.Fatalf("take %d: not allowed, want burst of 3", i+1)
		}
	}

	result, _ := govern.Take(state, cfg, bucketBase)
	if result.Allowed {
		t.Fatal("4th immediate take allowed, want denial after burst")
	}
	if result.Wait != time.Second {
		t.Errorf("Wait = %v, want 1s at 1 token/sec", result.Wait)
	}
}

func TestTake_Refill(t *testing.T) {
	cfg := govern.BucketConfig{RatePerSec: 2, Burst: 2}
	state := govern.BucketState{}

	// Drain the burst.
	_, state = govern.Take(state, cfg, bucketBase)
	_, state = govern.Take(state, cfg, bucketBase)
	result, state := govern.Take(state, cfg, bucketBase)
	if result.Allowed {
		t.Fatal("bucket should be empty")
	}

	// Half a second at 2/sec refills one token.
	result, state = govern.Take(state, cfg, bucketBase.Add(500*time.Millisecond))
	if !result.Allowed {
		t.Fatal("take after refill not allowed")
	}

	// Refill never exceeds burst.
	result, state = govern.Take(state, cfg, bucketBase.Add(time.Hour))
	if !result.Allowed {
		t.Fatal("take after long idle not allowed")
	}
	if state.Tokens != 1 {
		t.Errorf("Tokens = %f, want 1 (burst 2 minus one taken)", state.Tokens)
	}
}

func TestPenalize_ImposesCooldown(t *testing.T) {
	cfg := govern.BucketConfig{RatePerSec: 1, Burst: 2}
	state := govern.BucketState{}
	_, state = govern.Take(state, cfg, bucketBase) // tokens: 1

	state = govern.Penalize(state, cfg, 5*time.Second, bucketBase)

	// 1 - 5 = -4, floored at -burst = -2.
	if state.Tokens != -2 {
		t.Errorf("Tokens = %f, want -2 (floored at -burst)", state.Tokens)
	}

	result, _ := govern.Take(state, cfg, bucketBase.Add(2*time.Second))
	if result.Allowed {
		t.Error("take during cooldown allowed")
	}
	result, _ = govern.Take(state, cfg, bucketBase.Add(4*time.Second))
	if !result.Allowed {
		t.Error("take after cooldown elapsed not allowed")
	}
}

func TestTake_Deterministic(t *testing.T) {
	cfg := govern.BucketConfig{RatePerSec: 1, Burst: 1}
	state := govern.BucketState{Tokens: 0.5, LastRefill: bucketBase}

	r1, s1 := govern.Take(state, cfg, bucketBase.Add(time.Second))
	r2, s2 := govern.Take(state, cfg, bucketBase.Add(time.Second))
	if r1 != r2 || s1 != s2 {
		t.Error("Take must be deterministic for identical inputs")
	}
}
