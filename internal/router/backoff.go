package router

import (
	"math/rand"
	"time"
)

// backoff computes the delay before retry attempt n (1-indexed) using
// exponential growth with full jitter, per spec §4.3/§5: base doubles each
// attempt, capped, then a uniform random value in [0, delay) is drawn —
// the "full jitter" strategy, distinct from the simpler ±20% jitter spec
// §4.3 mentions for dispatch_read; we use full jitter everywhere retries
// happen since it is the stronger anti-thundering-herd choice and spec §5
// names it explicitly for the WAL scheduler.
func backoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > cap {
			d = cap
			break
		}
	}
	if d > cap {
		d = cap
	}
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(d)))
}
