// Package retry runs a unit of work under a bounded, capped exponential backoff policy.
package retry

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog"
)

// Policy parameterises retries. Wait after the k-th failed attempt (0-based)
// is Multiplier*2^k clamped to [MinWait, MaxWait].
type Policy struct {
	MaxAttempts int
	Multiplier  time.Duration
	MinWait     time.Duration
	MaxWait     time.Duration
	// Retryable reports whether a failure may be retried. A nil predicate retries every error.
	Retryable func(error) bool
}

// DefaultPolicy mirrors the upstream free-tier guidance: three attempts, waits between 4s and 10s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		Multiplier:  time.Second,
		MinWait:     4 * time.Second,
		MaxWait:     10 * time.Second,
	}
}

// Executor applies a Policy.
type Executor struct {
	policy Policy
	logger zerolog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// New constructs an executor. MaxAttempts below one is treated as one.
func New(policy Policy, logger zerolog.Logger) *Executor {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	return &Executor{
		policy: policy,
		logger: logger.With().Str("component", "retry").Logger(),
		sleep:  sleepContext,
	}
}

// Backoff returns the wait applied after the failed attempt with the given 0-based index.
func (e *Executor) Backoff(attempt int) time.Duration {
	wait := time.Duration(math.MaxInt64)
	if attempt < 62 {
		scaled := float64(e.policy.Multiplier) * math.Pow(2, float64(attempt))
		if scaled < float64(math.MaxInt64) {
			wait = time.Duration(scaled)
		}
	}
	if e.policy.MaxWait > 0 && wait > e.policy.MaxWait {
		wait = e.policy.MaxWait
	}
	if wait < e.policy.MinWait {
		wait = e.policy.MinWait
	}
	return wait
}

// Do invokes op until it succeeds, fails with a non-retryable error, or the
// attempt ceiling is reached. The last error is returned as-is.
func (e *Executor) Do(ctx context.Context, op func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt < e.policy.MaxAttempts; attempt++ {
		err = op(ctx)
		if err == nil {
			return nil
		}
		if !e.retryable(err) {
			return err
		}
		if attempt == e.policy.MaxAttempts-1 {
			break
		}

		wait := e.Backoff(attempt)
		e.logger.Warn().Err(err).
			Int("attempt", attempt+1).
			Int("max_attempts", e.policy.MaxAttempts).
			Dur("wait", wait).
			Msg("retryable failure; backing off")

		if sleepErr := e.sleep(ctx, wait); sleepErr != nil {
			return sleepErr
		}
	}

	e.logger.Error().Err(err).Int("attempts", e.policy.MaxAttempts).Msg("retry attempts exhausted")
	return err
}

// Value is Do for operations that produce a result.
func Value[T any](ctx context.Context, e *Executor, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := e.Do(ctx, func(ctx context.Context) error {
		v, opErr := op(ctx)
		if opErr != nil {
			return opErr
		}
		result = v
		return nil
	})
	return result, err
}

func (e *Executor) retryable(err error) bool {
	if e.policy.Retryable == nil {
		return true
	}
	return e.policy.Retryable(err)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
