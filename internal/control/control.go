package control

import (
	"context"
	"time"
)

// MaxBackoff caps RetryBackoff.
const MaxBackoff = 30 * time.Second

// RetryBackoffSeconds computes exponential backoff with a fixed cap.
func RetryBackoffSeconds(attempt int) int {
	if attempt <= 0 {
		return 0
	}
	if attempt > 6 {
		return int(MaxBackoff / time.Second)
	}
	seconds := 1 << (attempt - 1)
	if seconds > int(MaxBackoff/time.Second) {
		return int(MaxBackoff / time.Second)
	}
	return seconds
}

// RetryBackoff is RetryBackoffSeconds as a duration.
func RetryBackoff(attempt int) time.Duration {
	return time.Duration(RetryBackoffSeconds(attempt)) * time.Second
}

// Sleep waits for d or until ctx is done. It reports whether the full
// duration elapsed.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
