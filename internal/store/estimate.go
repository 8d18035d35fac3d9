package store

import "math"

const (
	defaultServiceMinutes = 5.0
	minServiceMinutes     = 2.0
)

// NormalizeServiceMinutes applies the estimator defaults: 5 minutes when
// there is no history, floored at 2 so a burst of unusually fast services
// cannot collapse estimates to near zero.
func NormalizeServiceMinutes(avg float64) float64 {
	if avg <= 0 {
		return defaultServiceMinutes
	}
	if avg < minServiceMinutes {
		return minServiceMinutes
	}
	return avg
}

// EstimateWaitMinutes converts a 1-based queue position into expected wait.
// The token at the head of the queue waits zero minutes.
func EstimateWaitMinutes(position int, avgServiceMinutes float64) int {
	if position <= 1 {
		return 0
	}
	return int(math.Round(float64(position-1) * NormalizeServiceMinutes(avgServiceMinutes)))
}
