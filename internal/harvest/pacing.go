package harvest

import (
	"context"
	"time"
)

// sleeper abstracts how the driver waits between units.
type sleeper interface {
	Pause(ctx context.Context, delay time.Duration)
}

type timerSleeper struct{}

func (timerSleeper) Pause(ctx context.Context, delay time.Duration) {
	if delay <= 0 {
		return
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
