package client

import (
	"math"
	"time"

	"github.com/thiamsantos/redix/config"
)

const backoffFactor = 1.5

// nextBackoff grows the reconnect delay by the backoff factor with
// millisecond rounding, clamped by max. current <= 0 means the previous
// connection was healthy and the sequence restarts at initial.
func nextBackoff(current, initial, max time.Duration) time.Duration {
	if current <= 0 {
		return initial
	}
	ms := float64(current) / float64(time.Millisecond) * backoffFactor
	next := time.Duration(math.RoundToEven(ms)) * time.Millisecond
	if max != config.NoBackoffCap && next > max {
		next = max
	}
	return next
}
