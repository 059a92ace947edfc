package lifecycle

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/maintkit/maintkit/pkg/core"
)

// ConflictDelays is the bounded retry schedule applied after an
// optimistic-lock conflict. Each delay gets ±25% random jitter so racing
// writers do not retry in lockstep.
var ConflictDelays = []time.Duration{
	100 * time.Millisecond,
	200 * time.Millisecond,
	400 * time.Millisecond,
	800 * time.Millisecond,
	1600 * time.Millisecond,
}

// ConflictJitter is the fraction of each delay to randomize.
const ConflictJitter = 0.25

// retrier runs a persistence attempt, and on lock conflict reloads
// authoritative state via reconcile before trying again. It is the one
// reload-and-retry implementation behind every status write path.
type retrier struct {
	delays []time.Duration
	jitter float64
	sleep  func(ctx context.Context, d time.Duration) error
}

func newRetrier() retrier {
	return retrier{
		delays: ConflictDelays,
		jitter: ConflictJitter,
		sleep:  sleepCtx,
	}
}

// Do executes attempt, and on core.ErrStaleRun waits out the next jittered
// delay, invokes reconcile to refresh and replay local intent, and retries.
// Exhausting the schedule re-raises the conflict to the caller. Any error
// other than a conflict returns immediately.
func (r retrier) Do(ctx context.Context, attempt func() error, reconcile func(context.Context) error) error {
	err := attempt()
	for _, delay := range r.delays {
		if err == nil || !errors.Is(err, core.ErrStaleRun) {
			return err
		}
		if sleepErr := r.sleep(ctx, withJitter(delay, r.jitter)); sleepErr != nil {
			return sleepErr
		}
		if recErr := reconcile(ctx); recErr != nil {
			return recErr
		}
		err = attempt()
	}
	return err
}

func withJitter(d time.Duration, fraction float64) time.Duration {
	jitter := time.Duration(float64(d) * fraction * (rand.Float64()*2 - 1))
	out := d + jitter
	if out < 0 {
		return d
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
