package outbox

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes retry delays: Base*2^(attempt-1) plus up to Base/2 of
// jitter, capped at Max. Delays never decrease as attempt grows.
type Backoff struct {
	Base time.Duration
	Max  time.Duration

	// Rand returns a value in [0, 1). Defaults to math/rand.
	Rand func() float64
}

// DefaultBackoff is used when no backoff is configured.
var DefaultBackoff = Backoff{Base: 2 * time.Second, Max: 5 * time.Minute}

// Delay returns the wait before the next attempt, given that attempt
// attempts (1-based) have failed so far.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	r := rand.Float64
	if b.Rand != nil {
		r = b.Rand
	}
	jitter := r() * float64(b.Base) * 0.5
	delay := math.Min(
		float64(b.Base)*math.Pow(2, float64(attempt-1))+jitter,
		float64(b.Max),
	)
	return time.Duration(delay)
}
