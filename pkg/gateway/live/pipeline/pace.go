// Package pipeline runs the transcript and response producers for a session:
// lazy, finite, paced sequences that record their side effects through the
// manager before yielding.
package pipeline

import (
	"context"
	"time"
)

// pace waits d or until ctx is done.
func pace(ctx context.Context, d time.Duration) error {
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
