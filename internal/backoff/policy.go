package backoff

import (
	"math"
	"time"
)

// Policy configures the retry schedule.
type Policy struct {
	Base        time.Duration
	Max         time.Duration
	Multiplier  float64
	MaxAttempts int
	// Jitter spreads each delay by up to ±Jitter of its value (0..1).
	Jitter float64
}

// DefaultPolicy returns the schedule used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		Base:        500 * time.Millisecond,
		Max:         30 * time.Second,
		Multiplier:  2,
		MaxAttempts: 6,
		Jitter:      0.2,
	}
}

// Delay returns the wait after the given failed attempt (0-based):
// Base*Multiplier^attempt, capped at Max. r in [0,1) picks the jitter
// offset; 0.5 means none.
func (p Policy) Delay(attempt int, r float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.Base) * math.Pow(mult, float64(attempt))
	if p.Max > 0 && d > float64(p.Max) {
		d = float64(p.Max)
	}
	if p.Jitter > 0 {
		d += d * p.Jitter * (2*r - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
