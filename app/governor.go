package app

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/voyagelab/apimeter/adapters/metrics"
	"github.com/voyagelab/apimeter/domain/govern"
	"github.com/voyagelab/apimeter/domain/usage"
	"github.com/voyagelab/apimeter/ports"
)

// KindLimits configures admission control for one API kind.
type KindLimits struct {
	RatePerSec    float64
	Burst         float64
	MaxConcurrent int
	MaxWait       time.Duration // Admission queue budget
	Cooldown      time.Duration // Default requeue cooldown after a provider rate limit
	Classifier    govern.Classifier
}

// GovernorConfig holds per-kind limits and the shared retry policy.
// Swapped whole on hot reload.
type GovernorConfig struct {
	Limits map[usage.Kind]KindLimits
	Retry  govern.RetryPolicy
}

// Work is one opaque outbound call. The governor never inspects its
// request or response, only its error.
type Work func(ctx context.Context) error

// Governor gates and retries every outbound call to a metered API
// kind, and hands exactly one terminal event per call to the sink.
type Governor struct {
	kinds map[usage.Kind]*kindGovernor
	cfg   atomic.Pointer[GovernorConfig]

	sink    ports.EventSink
	clock   ports.Clock
	logger  zerolog.Logger
	metrics *metrics.Collector // optional

	// Injection points for deterministic tests.
	rand  func() float64
	sleep func(ctx context.Context, d time.Duration) error
}

// Per-kind shared state: the token bucket behind its own lock and the
// concurrency slots. Congestion on one kind never blocks another.
type kindGovernor struct {
	mu     sync.Mutex
	bucket govern.BucketState
	slots  chan struct{}
}

// GovernorDeps contains dependencies for the governor.
type GovernorDeps struct {
	Sink    ports.EventSink
	Clock   ports.Clock
	Logger  zerolog.Logger
	Metrics *metrics.Collector
}

// NewGovernor creates a request governor.
func NewGovernor(deps GovernorDeps, cfg GovernorConfig) *Governor {
	g := &Governor{
		kinds:   make(map[usage.Kind]*kindGovernor, len(cfg.Limits)),
		sink:    deps.Sink,
		clock:   deps.Clock,
		logger:  deps.Logger,
		metrics: deps.Metrics,
		rand:    rand.Float64,
		sleep:   sleepCtx,
	}
	for kind, limits := range cfg.Limits {
		slots := limits.MaxConcurrent
		if slots <= 0 {
			slots = 1
		}
		g.kinds[kind] = &kindGovernor{slots: make(chan struct{}, slots)}
	}
	g.cfg.Store(&cfg)
	return g
}

// UpdateConfig swaps the per-kind limits and retry policy. Concurrency
// slot counts are fixed at construction; rate, burst, waits and the
// retry policy take effect for subsequent calls.
func (g *Governor) UpdateConfig(cfg GovernorConfig) {
	g.cfg.Store(&cfg)
}

// Execute runs work under governance and returns its value, for call
// sites that produce a result.
func Execute[T any](ctx context.Context, g *Governor, kind usage.Kind, action string, work func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := g.Do(ctx, kind, action, func(ctx context.Context) error {
		v, err := work(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// Do runs one opaque unit of work under admission control with retry
// and classification. Every call emits exactly one terminal usage
// event: success only when work returned nil.
func (g *Governor) Do(ctx context.Context, kind usage.Kind, action string, work Work) error {
	kg, ok := g.kinds[kind]
	if !ok {
		return &govern.Error{Fail: govern.FailFatal, Kind: string(kind), Action: action,
			Err: usage.ErrUnknownKind}
	}
	cfg := g.cfg.Load()
	limits := cfg.Limits[kind]
	classify := limits.Classifier
	if classify == nil {
		classify = govern.ClassifyHTTP
	}

	// Admission: token first, then a concurrency slot, within MaxWait.
	deadline := g.clock.Now().Add(limits.MaxWait)
	if err := g.admit(ctx, kg, limits, deadline); err != nil {
		g.rejectEvent(kind, action, "admission wait exceeded")
		return &govern.Error{Fail: govern.FailBackpressure, Kind: string(kind), Action: action, Err: err}
	}

	release, err := g.acquireSlot(ctx, kg, deadline)
	if err != nil {
		g.rejectEvent(kind, action, "no concurrency slot")
		return &govern.Error{Fail: govern.FailBackpressure, Kind: string(kind), Action: action, Err: err}
	}
	defer release()

	if g.metrics != nil {
		g.metrics.CallsInFlight.WithLabelValues(string(kind)).Inc()
		defer g.metrics.CallsInFlight.WithLabelValues(string(kind)).Dec()
	}

	attempt := 1
	requeues := 0
	for {
		started := g.clock.Now()
		workErr := work(ctx)
		durationMs := g.clock.Now().Sub(started).Milliseconds()

		if workErr == nil {
			g.terminalEvent(kind, action, usage.StatusSuccess, durationMs, nil)
			return nil
		}

		switch classify(workErr) {
		case govern.ClassFatal:
			g.terminalEvent(kind, action, usage.StatusError, durationMs, workErr)
			return &govern.Error{Fail: govern.FailFatal, Kind: string(kind), Action: action, Err: workErr}

		case govern.ClassTransient:
			if attempt >= cfg.Retry.MaxAttempts {
				g.terminalEvent(kind, action, usage.StatusError, durationMs, workErr)
				return &govern.Error{Fail: govern.FailRetriesExhausted, Kind: string(kind), Action: action, Err: workErr}
			}
			attempt++
			delay := govern.BackoffDelay(cfg.Retry, attempt, g.rand())
			g.logger.Debug().
				Str("api", string(kind)).
				Str("action", action).
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("retrying transient failure")
			if g.metrics != nil {
				g.metrics.Retries.WithLabelValues(string(kind)).Inc()
			}
			if err := g.sleep(ctx, delay); err != nil {
				g.terminalEvent(kind, action, usage.StatusError, durationMs, workErr)
				return &govern.Error{Fail: govern.FailBackpressure, Kind: string(kind), Action: action, Err: err}
			}

		case govern.ClassRateLimited:
			// The provider, not us, is out of quota: requeue behind the
			// kind's limiter with a cooldown instead of burning retries.
			requeues++
			if requeues > cfg.Retry.MaxAttempts {
				g.terminalEvent(kind, action, usage.StatusError, durationMs, workErr)
				return &govern.Error{Fail: govern.FailBackpressure, Kind: string(kind), Action: action, Err: workErr}
			}
			cooldown := govern.Cooldown(workErr, limits.Cooldown)
			kg.mu.Lock()
			kg.bucket = govern.Penalize(kg.bucket, g.bucketConfig(limits), cooldown, g.clock.Now())
			kg.mu.Unlock()
			if g.metrics != nil {
				g.metrics.RateLimitRequeues.WithLabelValues(string(kind)).Inc()
			}
			g.logger.Info().
				Str("api", string(kind)).
				Str("action", action).
				Dur("cooldown", cooldown).
				Msg("provider rate limited, requeueing")

			requeueDeadline := g.clock.Now().Add(limits.MaxWait)
			if err := g.admit(ctx, kg, limits, requeueDeadline); err != nil {
				g.terminalEvent(kind, action, usage.StatusError, durationMs, workErr)
				return &govern.Error{Fail: govern.FailBackpressure, Kind: string(kind), Action: action, Err: workErr}
			}
		}
	}
}

// admit blocks cooperatively until a token is available or the
// admission budget runs out.
func (g *Governor) admit(ctx context.Context, kg *kindGovernor, limits KindLimits, deadline time.Time) error {
	cfg := g.bucketConfig(limits)
	for {
		kg.mu.Lock()
		result, next := govern.Take(kg.bucket, cfg, g.clock.Now())
		kg.bucket = next
		kg.mu.Unlock()

		if result.Allowed {
			return nil
		}
		if result.Wait <= 0 {
			// Zero refill rate: the bucket will never recover.
			return context.DeadlineExceeded
		}
		if g.clock.Now().Add(result.Wait).After(deadline) {
			return context.DeadlineExceeded
		}
		if err := g.sleep(ctx, result.Wait); err != nil {
			return err
		}
	}
}

// acquireSlot takes a concurrency slot, waiting at most until deadline.
func (g *Governor) acquireSlot(ctx context.Context, kg *kindGovernor, deadline time.Time) (func(), error) {
	select {
	case kg.slots <- struct{}{}:
		return func() { <-kg.slots }, nil
	default:
	}

	remaining := deadline.Sub(g.clock.Now())
	if remaining <= 0 {
		return nil, context.DeadlineExceeded
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case kg.slots <- struct{}{}:
		return func() { <-kg.slots }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, context.DeadlineExceeded
	}
}

func (g *Governor) bucketConfig(limits KindLimits) govern.BucketConfig {
	return govern.BucketConfig{RatePerSec: limits.RatePerSec, Burst: limits.Burst}
}

// terminalEvent records the single event for a call that executed.
func (g *Governor) terminalEvent(kind usage.Kind, action string, status usage.Status, durationMs int64, cause error) {
	e := usage.Event{
		Kind:       kind,
		Action:     action,
		Status:     status,
		DurationMs: &durationMs,
	}
	if cause != nil {
		e.Meta = map[string]string{"error": cause.Error()}
	}
	if g.metrics != nil {
		g.metrics.CallsTotal.WithLabelValues(string(kind), string(status)).Inc()
		g.metrics.CallDuration.WithLabelValues(string(kind)).Observe(float64(durationMs) / 1000)
	}
	if _, err := g.sink.Record(e); err != nil {
		g.logger.Error().Err(err).Str("api", string(kind)).Msg("failed to record usage event")
	}
}

// rejectEvent records the single event for a call that never started:
// status error, no duration, so dashboards can tell local throttling
// from provider errors.
func (g *Governor) rejectEvent(kind usage.Kind, action, reason string) {
	if g.metrics != nil {
		g.metrics.AdmissionRejects.WithLabelValues(string(kind)).Inc()
		g.metrics.CallsTotal.WithLabelValues(string(kind), string(usage.StatusError)).Inc()
	}
	e := usage.Event{
		Kind:   kind,
		Action: action,
		Status: usage.StatusError,
		Meta:   map[string]string{"error": reason, "reason": "backpressure"},
	}
	if _, err := g.sink.Record(e); err != nil {
		g.logger.Error().Err(err).Str("api", string(kind)).Msg("failed to record usage event")
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
