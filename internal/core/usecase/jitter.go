package usecase

import (
	"context"
	"math/rand/v2"
	"time"
)

// jitterDelay picks a delay in [minFraction*max, max). A draw below
// minFraction is lifted by minFraction rather than clamped.
func jitterDelay(max time.Duration, minFraction float64, draw func() float64) time.Duration {
	if max <= 0 {
		return 0
	}
	if draw == nil {
		draw = rand.Float64
	}
	multiplier := draw()
	if multiplier < minFraction {
		multiplier += minFraction
	}
	return time.Duration(multiplier * float64(max))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
