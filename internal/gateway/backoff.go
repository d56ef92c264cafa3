package gateway

import "time"

// Backoff computes capped exponential delays.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns Base * 2^attempt, capped at Max. A negative attempt yields Base.
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if attempt < 0 {
		return b.Base
	}
	// 2^30 * any positive base already exceeds any sane cap.
	if attempt > 30 {
		return b.Max
	}
	d := b.Base * time.Duration(1<<attempt)
	if b.Max > 0 && (d > b.Max || d <= 0) {
		return b.Max
	}
	return d
}
