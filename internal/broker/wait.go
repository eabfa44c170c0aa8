package broker

import (
	"math"
	"time"
)

// CeilSeconds rounds d up to the next whole second, never below zero.
// next_future_job_delta must report 600 for a job exactly 10 minutes
// out and 0 once the job is ripe, never a fractional or negative value.
func CeilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}

// WaitTimeout resolves the bound WaitForEvent should pass to its Event,
// given the delta until the next future job (nil if none is scheduled)
// and the configured ceiling.
func WaitTimeout(delta *time.Duration, ceilingSeconds int) time.Duration {
	ceiling := time.Duration(ceilingSeconds) * time.Second
	if delta == nil {
		return ceiling
	}
	if *delta < ceiling {
		if *delta < 0 {
			return 0
		}
		return *delta
	}
	return ceiling
}
