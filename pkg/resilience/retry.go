package resilience

import (
	"context"
	"time"
)

// RetryPolicy retries a transient operation a bounded number of times
// with a fixed pause between tries. The pause respects context
// cancellation, so a retrying component never outlives its owner.
type RetryPolicy struct {
	// Attempts is the number of retries after the first failure.
	Attempts int
	// Pause is the wait between tries.
	Pause time.Duration
}

func NewRetryPolicy(attempts int, pause time.Duration) RetryPolicy {
	if attempts <= 0 {
		attempts = 2
	}
	if pause <= 0 {
		pause = 200 * time.Millisecond
	}
	return RetryPolicy{Attempts: attempts, Pause: pause}
}

// Do runs fn until it succeeds, attempts run out, or ctx is done. A
// cancelled wait returns ctx.Err(); otherwise the last failure wins.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	pause := time.NewTimer(p.Pause)
	if !pause.Stop() {
		<-pause.C
	}
	defer pause.Stop()

	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if attempt >= p.Attempts {
			return err
		}
		pause.Reset(p.Pause)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-pause.C:
		}
	}
}
