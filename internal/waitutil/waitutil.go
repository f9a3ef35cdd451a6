// Package waitutil holds the context-aware waits shared by the engine.
package waitutil

import (
	"context"
	"time"
)

// Sleep pauses for d or until ctx ends, whichever comes first. A
// non-positive d only reports ctx's state.
func Sleep(ctx context.Context, d time.Duration) error {
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

// Until sleeps until deadline or until ctx ends
func Until(ctx context.Context, deadline time.Time) error {
	return Sleep(ctx, time.Until(deadline))
}
