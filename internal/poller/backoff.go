package poller

import (
	"math"
	"time"
)

// Backoff computes retry delays: Base*Factor^attempt, capped at Cap, then
// stretched by up to Jitter (a fraction) so transfers do not retry in lockstep.
type Backoff struct {
	Base   time.Duration
	Factor float64
	Cap    time.Duration
	Jitter float64
}

func DefaultBackoff() Backoff {
	return Backoff{
		Base:   2 * time.Second,
		Factor: 1.5,
		Cap:    60 * time.Second,
		Jitter: 0.3,
	}
}

// Delay returns the delay before retry number attempt. r is a uniform sample
// in [0,1) and selects the jitter.
func (b Backoff) Delay(attempt int, r float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if r < 0 {
		r = 0
	}
	if r >= 1 {
		r = math.Nextafter(1, 0)
	}
	d := float64(b.Base) * math.Pow(b.Factor, float64(attempt))
	if limit := float64(b.Cap); b.Cap > 0 && (d > limit || math.IsInf(d, 1)) {
		d = limit
	}
	return time.Duration(d * (1 + b.Jitter*r))
}
