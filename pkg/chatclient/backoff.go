package chatclient

import (
	"math/rand/v2"
	"time"
)

// Backoff computes reconnect delays: min(Max, Base*2^(attempt-1)) with
// +/- Jitter applied.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64

	rand func() float64
}

func DefaultBackoff() Backoff {
	return Backoff{Base: 500 * time.Millisecond, Max: 30 * time.Second, Jitter: 0.2}
}

func (b Backoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 {
		b.Base = 500 * time.Millisecond
	}
	if b.Max < b.Base {
		b.Max = b.Base
	}
	if attempt < 1 {
		attempt = 1
	}

	d := b.Base
	for i := 1; i < attempt && d < b.Max; i++ {
		d *= 2
	}
	if d > b.Max {
		d = b.Max
	}

	if b.Jitter <= 0 {
		return d
	}
	r := b.rand
	if r == nil {
		r = rand.Float64
	}
	// r() in [0,1) maps to a factor in [1-Jitter, 1+Jitter).
	factor := 1 + b.Jitter*(2*r()-1)
	return time.Duration(float64(d) * factor)
}
