// Package ratelimit throttles per-connection method calls using a token
// bucket, one bucket per ClientNode.
package ratelimit

import (
	"time"

	"golang.org/x/time/rate"
)

// Limiter wraps golang.org/x/time/rate.Limiter as a token bucket holding
// up to max tokens and refilling continuously at max tokens per interval,
// not a fixed window. A full bucket can be spent at once and refills
// during the same interval, so any window of length interval can admit up
// to about twice max calls.
type Limiter struct {
	rl *rate.Limiter
}

// Disabled reports a Limiter with no configured max, used when rate
// limiting is turned off for a server.
func Disabled() *Limiter {
	return nil
}

// New computes an equivalent rate.Limit (max calls per interval) with burst
// equal to max, so a caller can spend its whole budget in a single instant
// and then refill gradually over interval.
func New(max int, interval time.Duration) *Limiter {
	if max <= 0 || interval <= 0 {
		return Disabled()
	}
	limit := rate.Limit(float64(max) / interval.Seconds())
	return &Limiter{rl: rate.NewLimiter(limit, max)}
}

// TryConsume reports whether a single token was available and consumes it
// if so. A nil Limiter (rate limiting disabled) always allows.
func (l *Limiter) TryConsume() bool {
	if l == nil {
		return true
	}
	return l.rl.Allow()
}
