package resilience

import (
	"math/rand/v2"
	"time"
)

// Backoff produces capped, doubling delays with a small random spread so that
// many workers reconnecting at once do not hit the broker in lockstep.
// It is not safe for concurrent use.
type Backoff struct {
	Base time.Duration
	Max  time.Duration

	current time.Duration
}

func NewBackoff(base, max time.Duration) *Backoff {
	if max < base {
		max = base
	}
	return &Backoff{Base: base, Max: max}
}

// Next returns the delay to wait before the next attempt.
func (b *Backoff) Next() time.Duration {
	if b.current == 0 {
		b.current = b.Base
	} else {
		b.current *= 2
		if b.current > b.Max {
			b.current = b.Max
		}
	}

	d := b.current
	if spread := int64(d / 10); spread > 0 {
		d += time.Duration(rand.Int64N(spread))
	}
	if d > b.Max {
		d = b.Max
	}
	return d
}

// Reset starts the sequence over from Base.
func (b *Backoff) Reset() {
	b.current = 0
}
