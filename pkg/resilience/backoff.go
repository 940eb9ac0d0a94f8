package resilience

import "time"

// Backoff computes exponential reconnect delays with an upper cap.
// Attempt counting starts at zero; Reset returns to the initial delay.
type Backoff struct {
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration

	attempt int
}

func NewBackoff(initial time.Duration, multiplier float64, max time.Duration) *Backoff {
	if initial <= 0 {
		initial = time.Second
	}
	if multiplier < 1 {
		multiplier = 2.0
	}
	if max <= 0 {
		max = 30 * time.Second
	}
	return &Backoff{Initial: initial, Multiplier: multiplier, Max: max}
}

// Next returns the delay for the current attempt and advances the counter.
func (b *Backoff) Next() time.Duration {
	d := b.Initial
	for i := 0; i < b.attempt; i++ {
		d = time.Duration(float64(d) * b.Multiplier)
		if d >= b.Max {
			d = b.Max
			break
		}
	}
	b.attempt++
	return d
}

// Attempt returns how many delays have been handed out since the last reset.
func (b *Backoff) Attempt() int { return b.attempt }

func (b *Backoff) Reset() { b.attempt = 0 }
