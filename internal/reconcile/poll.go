package reconcile

import (
	"context"
	"fmt"
	"time"
)

// Wait polls fn with a fixed interval until it reports done, fails, the
// context is cancelled, or the attempt cap is reached. There are no
// unbounded loops: a resource that never appears exhausts the cap and
// returns a transient error for the next run to retry.
func Wait(ctx context.Context, attempts int, interval time.Duration, fn func(ctx context.Context) (bool, error)) error {
	for i := 0; i < attempts; i++ {
		done, err := fn(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
	return fmt.Errorf("condition not met after %d attempts: %w", attempts, ErrTransient)
}
