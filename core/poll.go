package core

import (
	"context"
	"fmt"
	"time"
)

// PollBudget bounds a busy-wait on a controller register.
// Either limit may be zero, but not both; a wait ends with Timeout when the
// first non-zero limit is exhausted or the context is done.
type PollBudget struct {
	Timeout       time.Duration
	MaxIterations int
	Interval      time.Duration // Pause between reads, zero spins
}

func (b PollBudget) bounded() bool {
	return b.Timeout > 0 || b.MaxIterations > 0
}

// poll evaluates cond until it reports true or the budget runs out
func poll(ctx context.Context, b PollBudget, cond func() bool) error {
	if !b.bounded() {
		b.Timeout = defaultPollTimeout
	}
	var deadline time.Time
	if b.Timeout > 0 {
		deadline = time.Now().Add(b.Timeout)
	}

	for i := 1; ; i++ {
		if cond() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", Timeout, err)
		}
		if b.MaxIterations > 0 && i >= b.MaxIterations {
			return fmt.Errorf("%w: gave up after %d polls", Timeout, i)
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return fmt.Errorf("%w: exceeded %v", Timeout, b.Timeout)
		}
		if b.Interval > 0 {
			time.Sleep(b.Interval)
		}
	}
}
