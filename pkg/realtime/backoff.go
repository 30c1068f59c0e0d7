package realtime

import (
	"math/rand"
	"time"
)

// Reconnect backoff modes accepted by Config.ReconnectBackoff.
const (
	BackoffExponential = "exponential"
	BackoffFixed       = "fixed"
)

const maxBackoff = 30 * time.Second

// backoff computes the wait before reconnect attempt n (zero-based).
// Exponential mode doubles the base per attempt with 10% jitter either way,
// capped at maxBackoff. Fixed mode always waits the base interval.
type backoff struct {
	mode string
	base time.Duration
	max  time.Duration
}

func newBackoff(mode string, base time.Duration) backoff {
	max := maxBackoff
	if base > max {
		max = base
	}
	return backoff{mode: mode, base: base, max: max}
}

func (b backoff) Delay(attempt int) time.Duration {
	if b.mode == BackoffFixed {
		return b.base
	}
	if attempt > 16 {
		attempt = 16
	}
	d := b.base << uint(attempt)
	if d <= 0 || d > b.max {
		d = b.max
	}
	jitter := 1 + (rand.Float64()*0.2 - 0.1)
	return time.Duration(float64(d) * jitter)
}
