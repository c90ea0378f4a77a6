package compaction

import "time"

// Backoff yields exponentially growing retry delays.
type Backoff struct {
	Base time.Duration
	Max  time.Duration

	attempt int
}

// Next returns the delay before the next attempt.
func (b *Backoff) Next() time.Duration {
	d := b.Base
	for i := 0; i < b.attempt && d < b.Max; i++ {
		d *= 2
	}
	b.attempt++
	return min(d, b.Max)
}

// Reset starts over from Base.
func (b *Backoff) Reset() {
	b.attempt = 0
}
