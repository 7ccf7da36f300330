package worker

import "time"

// Backoff returns the delay before the given attempt is redelivered: the
// base delay doubled for each prior failure, capped at max. attempt is the
// 1-based count of failed executions.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 2 * time.Second
	}
	if attempt <= 1 {
		return base
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if max > 0 && delay >= max {
			return max
		}
	}
	return delay
}
