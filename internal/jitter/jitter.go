// Package jitter provides the randomized-delay primitives the cluster
// worker uses for its recheck and follower-wait timers, and the backoff
// primitive the entity-store HTTP client uses for transient transport
// retries.
package jitter

import (
	"math/rand"
	"time"
)

// Uniform draws a duration uniformly from [min, max) — no exponential
// growth, just "pick a point in this window," which is all the cluster
// worker's recheck/follower-wait timers need.
func Uniform(min, max time.Duration, rng *rand.Rand) time.Duration {
	if max <= min {
		return min
	}
	span := int64(max - min)
	if rng != nil {
		return min + time.Duration(rng.Int63n(span))
	}
	return min + time.Duration(rand.Int63n(span)) // #nosec G404 -- timing jitter, not security
}

// Backoff computes an exponential-backoff-with-jitter delay for transient
// transport retries: min(base*2^attempt, maxDelay) + jitter(0, base).
func Backoff(attempt int, base, maxDelay time.Duration, rng *rand.Rand) time.Duration {
	delay := base * (1 << attempt)
	if delay > maxDelay {
		delay = maxDelay
	}
	var j time.Duration
	if rng != nil {
		j = time.Duration(rng.Int63n(int64(base)))
	} else {
		j = time.Duration(rand.Int63n(int64(base))) // #nosec G404 -- timing jitter, not security
	}
	return delay + j
}
