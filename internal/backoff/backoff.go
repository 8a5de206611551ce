// Package backoff implements the exponential-backoff-with-jitter policy used
// both by the Node Connection Pool's reconnection logic and by
// cache publication retries, capped at the same ~60s ceiling.
package backoff

import (
	"math/rand"
	"time"
)

// Policy computes successive retry delays.
type Policy struct {
	Base time.Duration
	Max  time.Duration
}

// Default is exponential backoff with jitter, capped at roughly 60s.
func Default() Policy {
	return Policy{Base: 500 * time.Millisecond, Max: 60 * time.Second}
}

// Delay returns the delay before retry attempt n (0-indexed).
func (p Policy) Delay(n int) time.Duration {
	if p.Base <= 0 {
		p.Base = 500 * time.Millisecond
	}
	if p.Max <= 0 {
		p.Max = 60 * time.Second
	}
	d := p.Base << uint(n)
	if d <= 0 || d > p.Max { // guard against overflow on large n
		d = p.Max
	}
	jitter := time.Duration(rand.Int63n(int64(d)/2 + 1))
	return d/2 + jitter
}
