package policy

import (
	"math/rand"
	"time"
)

// nextBackoffExpiry doubles the base interval for every recorded failure,
// shifts it by up to half the fuzz either way and caps it at the maximum.
func (f *Fleet) nextBackoffExpiry(now time.Time, numFailures int, rng *rand.Rand) time.Time {
	interval := min(f.opts.BackoffBase, f.opts.BackoffMax)
	for i := 0; i < numFailures && interval < f.opts.BackoffMax; i++ {
		if interval > f.opts.BackoffMax/2 {
			interval = f.opts.BackoffMax
			break
		}
		interval *= 2
	}
	if half := min(f.opts.BackoffFuzz, f.opts.BackoffMax) / 2; half > 0 {
		jitter := time.Duration(rng.Int63n(int64(half)*2+1)) - half
		if jitter > f.opts.BackoffMax-interval {
			interval = f.opts.BackoffMax
		} else {
			interval += jitter
		}
	}
	interval = max(interval, 0)
	return now.Add(interval)
}
