// Package retry implements the capped-exponential-backoff propagation
// rule shared by the flush, log-replication, and compaction paths: a
// transient error is retried a bounded number of times before being
// promoted to fatal for the caller to handle (typically a manifest
// re-synchronisation).
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/novalsm/ccstoc/pkg/rtableerr"
)

// Policy configures the backoff schedule.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy is a reasonable default for RDMA-round-trip-scale
// operations: a handful of attempts, starting small and capping quickly.
var DefaultPolicy = Policy{
	MaxAttempts: 5,
	BaseDelay:   10 * time.Millisecond,
	MaxDelay:    500 * time.Millisecond,
}

// Do runs fn, retrying on transient rtableerr.Error values with capped
// exponential backoff. A fatal or gone error is returned immediately
// without retrying. Once MaxAttempts is exhausted, the last error is
// wrapped as fatal, matching the propagation rule: exhausted retries are
// no longer transient from the caller's point of view.
func Do(ctx context.Context, p Policy, op string, fn func() error) error {
	var lastErr error
	delay := p.BaseDelay
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !rtableerr.IsTransient(lastErr) {
			return lastErr
		}
		if attempt == p.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return rtableerr.Fatal(op, fmt.Errorf("exhausted %d attempts: %w", p.MaxAttempts, lastErr))
}
