package ratelimit

import (
	"context"
	"time"
)

// Limiter admits at most limit hits per key within a sliding window.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (allowed bool, resetAt time.Time)
}

// RetryAfter converts a reset time into whole seconds for clients, never less than one.
func RetryAfter(resetAt time.Time) int {
	secs := int(time.Until(resetAt).Seconds()) + 1
	if secs < 1 {
		return 1
	}
	return secs
}
