package tasks

import (
	"time"

	"golang.org/x/time/rate"
)

const DefaultReconnectInterval = 3 * time.Second

// ReconnectOptions paces push reconnect attempts.
//
// MaxAttempts of 0 disables reconnecting.
type ReconnectOptions struct {
	Interval    time.Duration
	MaxAttempts int
}

// Reconnector decides when a closed push channel may be replaced.
//
// Attempts are spaced by a token bucket with burst 1, so the first attempt is
// immediate and later ones wait Interval. The attempt count is never reset.
type Reconnector struct {
	limiter  *rate.Limiter
	max      int
	attempts int
}

// NewReconnector creates a reconnect policy.
func NewReconnector(opts ReconnectOptions) *Reconnector {
	if opts.Interval <= 0 {
		opts.Interval = DefaultReconnectInterval
	}
	return &Reconnector{
		limiter: rate.NewLimiter(rate.Every(opts.Interval), 1),
		max:     opts.MaxAttempts,
	}
}

// Attempts returns how many reconnects were granted.
func (r *Reconnector) Attempts() int { return r.attempts }

// Next reserves the next attempt and returns the delay before it may start.
//
// It fails with [ErrReconnectsExhausted] once MaxAttempts were granted.
func (r *Reconnector) Next() (time.Duration, error) {
	if r.attempts >= r.max {
		return 0, ErrReconnectsExhausted
	}
	r.attempts++
	return r.limiter.Reserve().Delay(), nil
}
