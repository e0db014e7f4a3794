package backoff

import "time"

// Exponential returns base * 2^attempt capped at max. attempt is
// expected to be >= 0.
func Exponential(base time.Duration, attempt int, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if base <= 0 {
		base = time.Second
	}
	d := base << uint(attempt)
	if max > 0 && d > max {
		d = max
	}
	return d
}

// Linear returns base * (attempt + 1) capped at max.
func Linear(base time.Duration, attempt int, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if base <= 0 {
		base = time.Second
	}
	d := base * time.Duration(attempt+1)
	if max > 0 && d > max {
		d = max
	}
	return d
}
