// Package lease holds the time arithmetic behind job leases and retry scheduling.
package lease

import (
	"math"
	"math/rand/v2"
	"time"
)

// Defaults used when a worker does not configure its own values.
const (
	DefaultDuration = 30 * time.Minute
	DefaultBase     = 1 * time.Second
	DefaultMax      = 60 * time.Second
	DefaultJitter   = 0.25
)

// Expiry returns the instant a lease taken at now for d ends.
func Expiry(now time.Time, d time.Duration) time.Time {
	return now.Add(d)
}

// IsExpired reports whether a lease ending at expiresAt is over at now.
// A nil expiry means no lease is held.
func IsExpired(expiresAt *time.Time, now time.Time) bool {
	if expiresAt == nil {
		return true
	}
	return expiresAt.Before(now)
}

// Backoff computes exponential retry delays: min(Base*2^attempt, Max),
// spread by +/- Jitter of the delay.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64

	// rand returns a value in [0, 1); overridden in tests.
	rand func() float64
}

// NewBackoff returns a Backoff with the package defaults.
func NewBackoff() Backoff {
	return Backoff{Base: DefaultBase, Max: DefaultMax, Jitter: DefaultJitter}
}

// Delay returns the wait before retry number attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := b.Base
	if base <= 0 {
		base = DefaultBase
	}
	ceiling := b.Max
	if ceiling <= 0 {
		ceiling = DefaultMax
	}

	d := float64(base) * math.Pow(2, float64(attempt))
	if d > float64(ceiling) {
		d = float64(ceiling)
	}

	if b.Jitter > 0 {
		r := b.rand
		if r == nil {
			r = rand.Float64
		}
		spread := d * b.Jitter
		d += spread * (2*r() - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// NextRun returns the instant a job failing on attempt should become eligible again.
func (b Backoff) NextRun(now time.Time, attempt int) time.Time {
	return now.Add(b.Delay(attempt))
}
