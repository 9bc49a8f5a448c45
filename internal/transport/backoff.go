package transport

import (
	"math/rand"
	"time"
)

// Backoff computes redial delays with exponential growth and jitter:
// delay = base * 2^attempt capped at max, plus random [0, base).
type Backoff struct {
	Base time.Duration
	Max  time.Duration

	attempt int
	rand    func(n int64) int64
}

// NewBackoff creates a backoff starting at base and never exceeding max
// before jitter.
func NewBackoff(base, max time.Duration) *Backoff {
	return &Backoff{Base: base, Max: max, rand: rand.Int63n}
}

// FixedBackoff creates a backoff that always waits exactly d.
func FixedBackoff(d time.Duration) *Backoff {
	return &Backoff{Base: d, Max: d}
}

// Next returns the delay for the current attempt and advances it. Once the
// doubled delay reaches Max it stays there for every later attempt.
func (b *Backoff) Next() time.Duration {
	delay := b.Base
	if delay <= 0 || delay > b.Max {
		delay = b.Max
	}
	for i := 0; i < b.attempt && delay < b.Max; i++ {
		if delay > b.Max/2 {
			delay = b.Max
			break
		}
		delay *= 2
	}
	b.attempt++

	if b.Base > 0 && b.rand != nil {
		delay += time.Duration(b.rand(int64(b.Base)))
	}
	return delay
}

// Attempt returns how many delays have been handed out since the last reset.
func (b *Backoff) Attempt() int {
	return b.attempt
}

// Reset starts over from the base delay.
func (b *Backoff) Reset() {
	b.attempt = 0
}
