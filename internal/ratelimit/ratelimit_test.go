package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// timer slack tolerated when comparing wall clock gaps
const slack = 5 * time.Millisecond

func TestAcquireSpacesConsecutiveGrants(t *testing.T) {
	l := New(1200, zerolog.Nop())
	require.Equal(t, 50*time.Millisecond, l.Interval())

	var grants []time.Time
	for i := 0; i < 4; i++ {
		require.NoError(t, l.Acquire(context.Background()))
		grants = append(grants, time.Now())
	}

	for i := 1; i < len(grants); i++ {
		gap := grants[i].Sub(grants[i-1])
		assert.GreaterOrEqual(t, gap, l.Interval()-slack, "grant %d came too early", i)
	}
}

func TestAcquireNoBurstAfterIdle(t *testing.T) {
	l := New(1200, zerolog.Nop())

	require.NoError(t, l.Acquire(context.Background()))
	time.Sleep(4 * l.Interval())

	require.NoError(t, l.Acquire(context.Background()))
	first := time.Now()
	require.NoError(t, l.Acquire(context.Background()))

	assert.GreaterOrEqual(t, time.Since(first), l.Interval()-slack)
}

func TestAcquireRecordsEveryGrant(t *testing.T) {
	l := New(6000, zerolog.Nop())
	assert.True(t, l.LastGrant().IsZero())

	require.NoError(t, l.Acquire(context.Background()))
	firstGrant := l.LastGrant()
	assert.False(t, firstGrant.IsZero())

	require.NoError(t, l.Acquire(context.Background()))
	assert.True(t, l.LastGrant().After(firstGrant))
}

func TestAcquireHonoursCancellation(t *testing.T) {
	l := New(1, zerolog.Nop())
	require.NoError(t, l.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := l.Acquire(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestUnlimitedNeverWaits(t *testing.T) {
	l := New(0, zerolog.Nop())
	start := time.Now()
	for i := 0; i < 10; i++ {
		require.NoError(t, l.Acquire(context.Background()))
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}
