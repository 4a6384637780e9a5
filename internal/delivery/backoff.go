// ABOUTME: Retry delay calculation for failed sends
// ABOUTME: Fixed returns the base delay; exponential doubles per attempt up to a cap

package delivery

import "time"

// MaxBackoff caps exponential retry delays.
const MaxBackoff = 30 * time.Second

// RetryDelay returns the delay before the next try of a job that has failed
// attempt times. Exponential delays are base*2^(attempt-1), capped at
// MaxBackoff unless base alone exceeds it.
func RetryDelay(kind BackoffKind, base time.Duration, attempt int) time.Duration {
	if base <= 0 || attempt <= 0 {
		return 0
	}
	if kind != BackoffExponential {
		return base
	}

	ceiling := MaxBackoff
	if base > ceiling {
		ceiling = base
	}
	d := base
	for i := 1; i < attempt && d < ceiling; i++ {
		d *= 2
	}
	if d > ceiling {
		d = ceiling
	}
	return d
}
