package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrPollTimeout is returned by Poll when the deadline passes before the
// condition is met.
var ErrPollTimeout = errors.New("poll timeout exceeded")

// PollTimeoutError carries how long Poll waited and how many checks it made.
type PollTimeoutError struct {
	Elapsed  time.Duration
	Attempts int
}

func (e *PollTimeoutError) Error() string {
	return fmt.Sprintf("%s after %s (%d polls)", ErrPollTimeout, e.Elapsed.Round(time.Second), e.Attempts)
}

func (e *PollTimeoutError) Unwrap() error { return ErrPollTimeout }

type PollConfig struct {
	Interval time.Duration
	Timeout  time.Duration
	// OnPending is called after every check that did not finish the poll.
	OnPending func(attempt int, elapsed time.Duration)
}

// Poll runs check immediately and then once per interval until it reports
// done, returns an error, or the timeout passes. The deadline is fixed when
// Poll is entered.
func Poll[T any](ctx context.Context, cfg PollConfig, check func(ctx context.Context) (T, bool, error)) (T, error) {
	start := time.Now()
	deadline := start.Add(cfg.Timeout)

	for attempt := 1; ; attempt++ {
		value, done, err := check(ctx)
		if err != nil {
			return value, err
		}
		if done {
			return value, nil
		}

		if cfg.OnPending != nil {
			cfg.OnPending(attempt, time.Since(start))
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return value, &PollTimeoutError{Elapsed: time.Since(start), Attempts: attempt}
		}

		wait := cfg.Interval
		if wait > remaining {
			wait = remaining
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return value, ctx.Err()
		case <-timer.C:
		}
	}
}
