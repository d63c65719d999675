package resilience

import (
	"context"
	"time"
)

const (
	DefaultInitialBackoff = 1 * time.Second
	DefaultMaxBackoff     = 16 * time.Second
)

// Backoff is a doubling retry delay with a ceiling
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// DefaultBackoff is 1s, 2s, 4s, 8s, 16s, 16s, ...
func DefaultBackoff() Backoff {
	return Backoff{Initial: DefaultInitialBackoff, Max: DefaultMaxBackoff}
}

// Delay returns the wait after the given consecutive failure (1-based)
func (b Backoff) Delay(failures int) time.Duration {
	if failures < 1 {
		return 0
	}
	d := b.Initial
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	if d > b.Max {
		return b.Max
	}
	return d
}

// Sleep waits for d or until ctx is done
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
