package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errTransient = errors.New("connection reset")
	errSemantic  = errors.New("unknown symbol")
)

func newTestExecutor(t *testing.T) (*Executor, *[]time.Duration) {
	t.Helper()
	policy := DefaultPolicy()
	policy.Retryable = func(err error) bool { return errors.Is(err, errTransient) }

	e := New(policy, zerolog.Nop())
	waits := make([]time.Duration, 0)
	e.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}
	return e, &waits
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	for k := 0; k < 3; k++ {
		e, waits := newTestExecutor(t)
		calls := 0

		err := e.Do(context.Background(), func(context.Context) error {
			calls++
			if calls <= k {
				return errTransient
			}
			return nil
		})

		require.NoError(t, err, "k=%d", k)
		assert.Equal(t, k+1, calls, "k=%d", k)
		assert.Len(t, *waits, k)
	}
}

func TestDoStopsAfterThreeAttempts(t *testing.T) {
	e, waits := newTestExecutor(t)
	calls := 0

	err := e.Do(context.Background(), func(context.Context) error {
		calls++
		return errTransient
	})

	assert.Same(t, errTransient, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{4 * time.Second, 4 * time.Second}, *waits)
}

func TestDoFailsFastOnNonRetryable(t *testing.T) {
	e, waits := newTestExecutor(t)
	calls := 0

	err := e.Do(context.Background(), func(context.Context) error {
		calls++
		return errSemantic
	})

	assert.Same(t, errSemantic, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *waits)
}

func TestDoReturnsLastErrorUnwrapped(t *testing.T) {
	e, _ := newTestExecutor(t)
	last := &wrappedTransient{n: 0}

	err := e.Do(context.Background(), func(context.Context) error {
		last = &wrappedTransient{n: last.n + 1}
		return last
	})

	assert.Same(t, last, err)
	assert.Equal(t, 3, last.n)
}

func TestBackoffIsCappedExponential(t *testing.T) {
	e := New(Policy{MaxAttempts: 6, Multiplier: time.Second, MinWait: 2 * time.Second, MaxWait: 10 * time.Second}, zerolog.Nop())

	assert.Equal(t, 2*time.Second, e.Backoff(0))
	assert.Equal(t, 2*time.Second, e.Backoff(1))
	assert.Equal(t, 4*time.Second, e.Backoff(2))
	assert.Equal(t, 8*time.Second, e.Backoff(3))
	assert.Equal(t, 10*time.Second, e.Backoff(4))
	assert.Equal(t, 10*time.Second, e.Backoff(80))
}

func TestDoAbortsWhenContextCancelledDuringBackoff(t *testing.T) {
	policy := Policy{MaxAttempts: 3, Multiplier: time.Hour, MaxWait: time.Hour}
	e := New(policy, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	calls := 0
	err := e.Do(ctx, func(context.Context) error {
		calls++
		return errTransient
	})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, calls)
}

func TestValueReturnsResult(t *testing.T) {
	e, _ := newTestExecutor(t)
	calls := 0

	got, err := Value(context.Background(), e, func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", errTransient
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 2, calls)
}

type wrappedTransient struct{ n int }

func (w *wrappedTransient) Error() string { return "transient" }
func (w *wrappedTransient) Unwrap() error { return errTransient }
