package job

import (
	"math"
	"time"

	"github.com/target/outbound-dispatch/internal/domain/model"
)

// MaxBackoffDelay caps a single retry delay.
const MaxBackoffDelay = 24 * time.Hour

// BackoffDelay returns the wait before retry attempt n (1-indexed).
// Fixed backoff always waits DelayMs; exponential waits DelayMs * 2^(n-1).
func BackoffDelay(b *model.Backoff, attempt int) time.Duration {
	if b == nil || b.DelayMs <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	base := b.Delay()
	if b.Type != model.BackoffExponential {
		return min(base, MaxBackoffDelay)
	}
	d := float64(base) * math.Pow(2, float64(attempt-1))
	if d > float64(MaxBackoffDelay) {
		return MaxBackoffDelay
	}
	return time.Duration(d)
}

// ShouldRetry reports whether a failure after attemptsMade attempts gets another try.
// Attempts.Max counts re-schedules, so a job runs at most Max+1 times.
func ShouldRetry(b *model.Backoff, attemptsMade int, retryable bool) bool {
	if !retryable || b == nil {
		return false
	}
	return attemptsMade <= b.Attempts.Max
}
