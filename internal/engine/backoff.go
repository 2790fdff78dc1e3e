package engine

import (
	"time"

	"golang.org/x/time/rate"
)

// backoff implements the scheduling loop's idle wait policy. The doubling
// itself is a plain counter; a rate.Limiter caps how often the loop is
// allowed to log an idle tick, so a long quiet period does not flood the
// log the way a hand-rolled sleep loop would.
type backoff struct {
	min, max time.Duration
	cur      time.Duration
	logLimit *rate.Limiter
}

func newBackoff() *backoff {
	return &backoff{
		min:      time.Microsecond,
		max:      10 * time.Millisecond,
		logLimit: rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

// next returns the duration to wait before the next scheduling pass, doubling
// from the floor each time the loop found no work, and reports whether this
// tick is allowed to log (rate-limited).
func (b *backoff) next() (time.Duration, bool) {
	if b.cur < b.min {
		b.cur = b.min
	}
	d := b.cur
	b.cur *= 2
	if b.cur > b.max {
		b.cur = b.max
	}
	return d, b.logLimit.Allow()
}

// reset collapses the back-off to its floor once work was found.
func (b *backoff) reset() {
	b.cur = b.min
}
