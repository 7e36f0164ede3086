// Package backoff computes capped exponential delays for retry loops.
package backoff

import "time"

// Policy describes an exponential schedule: Base * 2^attempt, capped at Max.
type Policy struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before the given attempt (0-based).
// A negative attempt returns Base.
func (p Policy) Delay(attempt int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = time.Second
	}
	max := p.Max
	if max <= 0 || max < base {
		max = base
	}
	if attempt < 0 {
		return base
	}
	// 2^30 * 1ns already exceeds any sane cap; avoid shifting into overflow.
	if attempt > 30 {
		return max
	}
	d := base * time.Duration(1<<attempt)
	if d <= 0 || d > max {
		return max
	}
	return d
}
