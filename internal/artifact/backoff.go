package artifact

import (
	"context"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// powerBackOff waits unit*base^n before retry n (n starts at 1).
type powerBackOff struct {
	base float64
	unit time.Duration
	n    int
}

func (b *powerBackOff) NextBackOff() time.Duration {
	b.n++
	return time.Duration(math.Pow(b.base, float64(b.n)) * float64(b.unit))
}

func (b *powerBackOff) Reset() { b.n = 0 }

// policy bounds a powerBackOff by retry count and ctx.
func policy(ctx context.Context, base float64, unit time.Duration, retries int) backoff.BackOff {
	if retries < 0 {
		retries = 0
	}
	b := backoff.WithMaxRetries(&powerBackOff{base: base, unit: unit}, uint64(retries))
	return backoff.WithContext(b, ctx)
}
