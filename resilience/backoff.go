package resilience

import (
	"context"
	"math"
	"time"
)

// Backoff describes an exponential delay schedule. Delay(n) is
// Initial * Multiplier^n, capped at Max.
type Backoff struct {
	// Initial is the first delay. Zero disables waiting entirely.
	Initial time.Duration

	// Multiplier grows the delay per step (default 2.0)
	Multiplier float64

	// Max caps the delay; zero means no cap
	Max time.Duration
}

// Delay returns the wait before step n+1, counting from zero.
func (b Backoff) Delay(n int) time.Duration {
	if b.Initial <= 0 {
		return 0
	}
	if n < 0 {
		n = 0
	}

	multiplier := b.Multiplier
	if multiplier == 0 {
		multiplier = 2.0
	}

	raw := float64(b.Initial) * math.Pow(multiplier, float64(n))
	if b.Max > 0 && raw > float64(b.Max) {
		raw = float64(b.Max)
	}
	// Guard against overflow for large n without a cap.
	if raw > math.MaxInt64 {
		raw = math.MaxInt64
	}
	return time.Duration(raw)
}

// sleep waits for d or until ctx is done, whichever comes first.
func sleep(ctx context.Context, d time.Duration) error {
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
