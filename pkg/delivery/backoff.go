package delivery

import (
	cryptorand "crypto/rand"
	"math"
	"math/big"
	"time"
)

// Backoff yields exponentially growing reconnect delays with additive
// jitter. Delays never decrease as long as jitter < factor-1, which config
// validation enforces.
type Backoff struct {
	min, max time.Duration
	factor   float64
	jitter   float64
	rand     func() float64

	attempt int
	capped  bool
}

// NewBackoff creates a backoff policy. rand returns values in [0, 1); nil
// uses a crypto/rand source. A negative jitter means none.
func NewBackoff(min, max time.Duration, factor, jitter float64, rand func() float64) *Backoff {
	if rand == nil {
		rand = secureRandFloat64
	}
	if jitter < 0 {
		jitter = 0
	}
	return &Backoff{min: min, max: max, factor: factor, jitter: jitter, rand: rand}
}

// Next returns the delay before the next attempt and advances the policy.
func (b *Backoff) Next() time.Duration {
	base := float64(b.max)
	if !b.capped {
		base = float64(b.min) * math.Pow(b.factor, float64(b.attempt))
		if base >= float64(b.max) {
			base = float64(b.max)
			b.capped = true
		} else {
			b.attempt++
		}
	}

	delay := base + base*b.jitter*b.rand()
	if delay > float64(b.max) {
		delay = float64(b.max)
	}
	return time.Duration(delay)
}

// Reset starts the sequence over from the minimum delay.
func (b *Backoff) Reset() {
	b.attempt = 0
	b.capped = false
}

// Attempt reports how many delays have been handed out since the last reset
// before reaching the cap.
func (b *Backoff) Attempt() int {
	return b.attempt
}

// secureRandFloat64 returns a random float64 in [0, 1). Errors from the
// entropy source yield 0, which only removes jitter.
func secureRandFloat64() float64 {
	n, err := cryptorand.Int(cryptorand.Reader, big.NewInt(1<<53))
	if err != nil {
		return 0
	}
	return float64(n.Int64()) / float64(1<<53)
}
