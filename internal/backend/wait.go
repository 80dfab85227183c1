package backend

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultPollInterval is used by Wait when no positive interval is given.
const DefaultPollInterval = 100 * time.Millisecond

// ErrTimeout is returned by Wait when ctx ends before the proxy is ready.
var ErrTimeout = errors.New("timed out waiting for proxy")

// Wait polls b until p is ready. Backends never time out on their own; the
// deadline is the caller's. A non-positive interval means
// DefaultPollInterval.
func Wait(ctx context.Context, b Async, p Proxy, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		ready, err := b.Ready(ctx, p)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
			}
			return err
		}
		if ready {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
		case <-ticker.C:
		}
	}
}
