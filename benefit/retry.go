package benefit

import (
	"context"
	"math/rand/v2"
	"time"
)

const maxBackoffShift = 16

// backoffDelay is base * 2^attempt with full jitter: a random duration in
// [0, base * 2^attempt).
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	} else if attempt > maxBackoffShift {
		attempt = maxBackoffShift
	}
	ceiling := base << attempt
	return time.Duration(rand.Int64N(int64(ceiling)))
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
