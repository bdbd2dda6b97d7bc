package jobs

import (
	"math"
	"math/rand/v2"
	"time"
)

// Default retry policy.
const (
	DefaultBackoffBase   = 30 * time.Second
	DefaultBackoffMax    = time.Hour
	DefaultBackoffJitter = 0.5
)

// Backoff computes the delay before retry n (1-indexed: the delay after the first failed
// attempt is Delay(1)).
//
//	delay(n) = min(Max, Base * 2^(n-1)) * U(1-Jitter, 1+Jitter), never above Max
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64

	// Rand returns a uniform value in [0, 1). Nil uses math/rand/v2.
	Rand func() float64
}

// DefaultBackoff returns the 30s / 1h / 0.5 policy.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:   DefaultBackoffBase,
		Max:    DefaultBackoffMax,
		Jitter: DefaultBackoffJitter,
	}
}

// Nominal is the un-jittered delay for retry n.
func (b Backoff) Nominal(n int) time.Duration {
	if n < 1 {
		n = 1
	}

	d := float64(b.Base) * math.Pow(2, float64(n-1))
	if b.Max > 0 && d > float64(b.Max) {
		return b.Max
	}

	return time.Duration(d)
}

// Delay is the jittered delay for retry n.
func (b Backoff) Delay(n int) time.Duration {
	nominal := b.Nominal(n)

	jitter := math.Min(math.Max(b.Jitter, 0), 1)
	if jitter == 0 {
		return nominal
	}

	random := rand.Float64 //nolint:gosec // jitter intentionally uses non-crypto rand
	if b.Rand != nil {
		random = b.Rand
	}

	factor := 1 - jitter + 2*jitter*random()
	d := time.Duration(float64(nominal) * factor)

	if b.Max > 0 && d > b.Max {
		return b.Max
	}

	return d
}
