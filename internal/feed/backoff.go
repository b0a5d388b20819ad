package feed

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff spaces out publish attempts after consecutive failures.
type Backoff struct {
	InitialInterval    time.Duration
	BackoffCoefficient float64
	MaximumInterval    time.Duration
}

func DefaultBackoff() Backoff {
	return Backoff{
		InitialInterval:    time.Second,
		BackoffCoefficient: 2.0,
		MaximumInterval:    time.Minute,
	}
}

// Delay returns the wait before the next attempt after the given number of
// consecutive failures, with +/-20% jitter, capped at MaximumInterval.
func (b Backoff) Delay(failures int) time.Duration {
	if failures <= 0 {
		return b.InitialInterval
	}

	multiplier := math.Pow(b.BackoffCoefficient, float64(failures-1))
	delay := float64(b.InitialInterval) * multiplier
	delay *= 0.8 + rand.Float64()*0.4

	if delay > float64(b.MaximumInterval) {
		delay = float64(b.MaximumInterval)
	}
	return time.Duration(delay)
}
