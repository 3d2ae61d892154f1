package commerce

import (
	"context"
	"math/rand/v2"
	"time"
)

const (
	defaultMaxAttempts = 3
	defaultBaseDelayMs = 500
	defaultJitterMs    = 250
)

// Backoff is the retry strategy for transient provider failures. Delay
// grows linearly with the attempt number plus a random jitter.
type Backoff struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Jitter      time.Duration
}

func DefaultBackoff() Backoff {
	return Backoff{
		MaxAttempts: defaultMaxAttempts,
		BaseDelay:   defaultBaseDelayMs * time.Millisecond,
		Jitter:      defaultJitterMs * time.Millisecond,
	}
}

func (b Backoff) delay(attempt int) time.Duration {
	d := time.Duration(attempt) * b.BaseDelay
	if b.Jitter > 0 {
		d += rand.N(b.Jitter)
	}
	return d
}

// Sleep blocks for the attempt's delay or until the context is done.
func (b Backoff) Sleep(ctx context.Context, attempt int) error {
	timer := time.NewTimer(b.delay(attempt))
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
