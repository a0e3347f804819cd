package orchestrator

import (
	"math/rand/v2"
	"time"
)

// Backoff yields the delays between retries of one request:
//
//	delay(n) = min(cap, max(delay(n-1), base·2^(n-1) + jitter))
//
// with jitter drawn from [0, base·2^(n-1)/2).  The sequence never decreases
// and never exceeds Cap.  A zero Cap leaves it uncapped.  Backoff is not safe
// for concurrent use; each request owns one.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
	// Jitter returns a value in [0, n).  Nil uses math/rand/v2.
	Jitter func(n int64) int64

	n    int
	prev time.Duration
}

// NewBackoff returns a Backoff starting at attempt 1.
func NewBackoff(base, ceiling time.Duration) *Backoff {
	return &Backoff{Base: base, Cap: ceiling}
}

// Next returns the delay before the next retry.
func (b *Backoff) Next() time.Duration {
	b.n++
	exp := b.exp(b.n)

	var jitter time.Duration
	if half := int64(exp / 2); half > 0 {
		draw := b.Jitter
		if draw == nil {
			draw = rand.Int64N
		}
		jitter = time.Duration(draw(half))
	}

	d := exp + jitter
	if d < exp {
		d = exp
	}
	if d < b.prev {
		d = b.prev
	}
	if b.Cap > 0 && d > b.Cap {
		d = b.Cap
	}
	b.prev = d
	return d
}

// Attempt is the number of delays handed out so far.
func (b *Backoff) Attempt() int { return b.n }

// exp is base·2^(n-1), saturating at Cap (or the largest Duration).
func (b *Backoff) exp(n int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	limit := time.Duration(1<<63 - 1)
	if b.Cap > 0 {
		limit = b.Cap
	}
	d := b.Base
	for i := 1; i < n; i++ {
		if d > limit/2 {
			return limit
		}
		d *= 2
	}
	if d > limit {
		return limit
	}
	return d
}
