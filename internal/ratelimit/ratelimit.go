// Package ratelimit spaces outbound upstream requests.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Limiter enforces a minimum interval of 60/requestsPerMinute seconds between
// consecutive grants. The bucket holds a single slot, so idle periods never
// earn a burst.
type Limiter struct {
	limiter  *rate.Limiter
	interval time.Duration
	logger   zerolog.Logger

	mu   sync.Mutex
	last time.Time
}

// New builds a limiter for the given per-minute quota. Non-positive values
// disable spacing entirely.
func New(requestsPerMinute int, logger zerolog.Logger) *Limiter {
	var (
		limit    = rate.Inf
		interval time.Duration
	)
	if requestsPerMinute > 0 {
		interval = time.Minute / time.Duration(requestsPerMinute)
		limit = rate.Every(interval)
	}

	return &Limiter{
		limiter:  rate.NewLimiter(limit, 1),
		interval: interval,
		logger:   logger.With().Str("component", "rate_limiter").Logger(),
	}
}

// Interval reports the enforced spacing between grants.
func (l *Limiter) Interval() time.Duration {
	return l.interval
}

// Acquire blocks until the next request may start. It only fails when ctx is
// cancelled while waiting.
func (l *Limiter) Acquire(ctx context.Context) error {
	reservation := l.limiter.Reserve()
	if delay := reservation.Delay(); delay > 0 {
		l.logger.Debug().Dur("sleep", delay).Msg("rate limiting upstream request")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			reservation.Cancel()
			return ctx.Err()
		case <-timer.C:
		}
	}

	l.mu.Lock()
	l.last = time.Now()
	l.mu.Unlock()
	return nil
}

// LastGrant returns the time the most recent request was released.
func (l *Limiter) LastGrant() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}
