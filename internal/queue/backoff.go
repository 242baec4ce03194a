package queue

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// DefaultRetryBackoff is the base delay used when a job carries none.
	DefaultRetryBackoff = time.Minute
	// MaxRetryDelay caps every computed retry delay.
	MaxRetryDelay = time.Hour
)

// Backoff returns min(base * 2^(attempts-1), 1h). A non-positive base falls back to DefaultRetryBackoff
// and attempts below 1 are treated as the first attempt.
func Backoff(attempts int, base time.Duration) time.Duration {
	if base <= 0 {
		base = DefaultRetryBackoff
	}
	if attempts < 1 {
		attempts = 1
	}
	if base >= MaxRetryDelay {
		return MaxRetryDelay
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = MaxRetryDelay
	b.MaxElapsedTime = 0
	b.Reset()

	delay := base
	for i := 0; i < attempts; i++ {
		delay = b.NextBackOff()
		if delay >= MaxRetryDelay {
			return MaxRetryDelay
		}
	}
	return delay
}
