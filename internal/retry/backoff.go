package retry

import (
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// newBackOff builds the backoff.BackOff curve for kind, seeded from base.
// attempt 0 is the delay before the first retry (i.e. after the initial try
// already failed).
func newBackOff(kind BackoffKind, base time.Duration) backoff.BackOff {
	switch kind {
	case BackoffJobAcquire:
		return &curveBackOff{base: base, factor: 1.5}
	case BackoffSerializable:
		return &curveBackOff{base: base, factor: 2.0}
	default:
		return &curveBackOff{base: base, factor: 0}
	}
}

// curveBackOff implements backoff.BackOff for the three fixed curves this
// package needs. factor == 0 means constant delay (BackoffLinear);
// otherwise NextBackOff returns min(base*factor^attempt, backoffCap).
type curveBackOff struct {
	base    time.Duration
	factor  float64
	attempt int
}

func (c *curveBackOff) NextBackOff() time.Duration {
	if c.factor == 0 {
		c.attempt++
		return c.base
	}
	d := time.Duration(float64(c.base) * math.Pow(c.factor, float64(c.attempt)))
	c.attempt++
	if d > backoffCap {
		return backoffCap
	}
	return d
}

func (c *curveBackOff) Reset() { c.attempt = 0 }
