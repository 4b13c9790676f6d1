package geocode

import "time"

// NextDelay returns the wait before the given attempt number (1-based).
// Exponential doubling from base, capped: delays never decrease as
// attempts grow, and never exceed the cap.
func NextDelay(attempt int, base, cap time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= cap {
			return cap
		}
	}
	if delay > cap {
		return cap
	}
	return delay
}
