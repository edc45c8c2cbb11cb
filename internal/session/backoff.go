package session

import (
	"math"
	"math/rand"
	"time"
)

const (
	defaultMinBackoff = time.Second
	defaultMaxBackoff = 5 * time.Minute
	backoffFactor     = 2.0
	backoffJitter     = 0.25
)

// backoff computes reconnect delays: exponential from min, capped at max,
// with up to 25% added jitter.
type backoff struct {
	min     time.Duration
	max     time.Duration
	attempt int
	rand    func() float64
}

func newBackoff(min, max time.Duration) *backoff {
	if min <= 0 {
		min = defaultMinBackoff
	}
	if max <= 0 {
		max = defaultMaxBackoff
	}
	if max < min {
		max = min
	}
	return &backoff{min: min, max: max, rand: rand.Float64}
}

// Next returns the delay before the next attempt and advances the counter
func (b *backoff) Next() time.Duration {
	delay := float64(b.min) * math.Pow(backoffFactor, float64(b.attempt))
	if math.IsInf(delay, 0) || math.IsNaN(delay) || delay > float64(b.max) {
		delay = float64(b.max)
	}
	delay += delay * backoffJitter * b.rand()
	if delay > float64(b.max) {
		delay = float64(b.max)
	}
	b.attempt++
	return time.Duration(math.Round(delay))
}

// Attempt returns how many delays have been handed out since the last reset
func (b *backoff) Attempt() int { return b.attempt }

func (b *backoff) Reset() { b.attempt = 0 }
