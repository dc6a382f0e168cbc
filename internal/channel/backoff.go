package channel

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	defaultInitialDelay = time.Second
	defaultMaxDelay     = 60 * time.Second
	defaultFactor       = 2.0
	defaultJitter       = 0.1
)

// Backoff is the reconnect delay schedule: exponential growth up to a
// ceiling, with symmetric jitter. It guards an ExponentialBackOff, which is
// not safe for concurrent use.
type Backoff struct {
	mu       sync.Mutex
	exp      *backoff.ExponentialBackOff
	attempts int
}

func NewBackoff() *Backoff {
	return newBackoff(defaultInitialDelay, defaultJitter)
}

func newBackoff(initial time.Duration, jitter float64) *Backoff {
	exp := &backoff.ExponentialBackOff{
		InitialInterval:     initial,
		RandomizationFactor: jitter,
		Multiplier:          defaultFactor,
		MaxInterval:         defaultMaxDelay,
	}
	exp.Reset()
	return &Backoff{exp: exp}
}

// Next returns the delay to wait now and advances the schedule.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts++
	return b.exp.NextBackOff()
}

// Attempts counts the delays handed out since the last Reset.
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

func (b *Backoff) Reset() {
	b.mu.Lock()
	b.attempts = 0
	b.exp.Reset()
	b.mu.Unlock()
}
