package job

import (
	"math"
	"time"
)

// FanOutOffset returns the delay of receiver i (0-based) within a campaign
// spaced at cps calls per second: floor(i*1000/cps) milliseconds.
func FanOutOffset(i int, cps float64) time.Duration {
	if i <= 0 || cps <= 0 {
		return 0
	}
	ms := math.Floor(float64(i) * 1000 / cps)
	return time.Duration(ms) * time.Millisecond
}

// FanOutRunAt returns startAt shifted by the receiver's offset.
func FanOutRunAt(startAt time.Time, i int, cps float64) time.Time {
	return startAt.Add(FanOutOffset(i, cps))
}
