package runner

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/go-hclog"
)

// Service is anything Supervise can restart, a *Runner in practice.
type Service interface {
	Run(ctx context.Context) error
}

// RetryPolicy decides how a supervisor reacts to liveness failures.
type RetryPolicy struct {
	// Retries is the number of consecutive failures at the same round that
	// are retried before giving up.
	Retries int
	// Backoff is the delay before the first retry, doubled after every
	// further failure up to MaxBackoff.
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// DefaultRetryPolicy retries five times starting at half a second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Retries: 5, Backoff: 500 * time.Millisecond, MaxBackoff: 30 * time.Second}
}

// Supervise runs svc and restarts it after a *LivenessError with exponential
// backoff. The failure count resets whenever the failing round moves on. It
// returns nil once ctx is done, and any other error, or a liveness error that
// outlived the retries, as is.
func Supervise(ctx context.Context, svc Service, policy RetryPolicy, logger hclog.Logger) error {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	var (
		failures  int
		delay     time.Duration
		lastRound int64 = -1
	)
	for {
		err := svc.Run(ctx)
		if err == nil || IsCancellation(err) || ctx.Err() != nil {
			return nil
		}
		var le *LivenessError
		if !errors.As(err, &le) {
			return err
		}
		if le.Round != lastRound {
			lastRound = le.Round
			failures = 0
			delay = 0
		}
		if failures >= policy.Retries {
			logger.Error("giving up on the round", "round", le.Round, "attempts", failures+1, "error", err)
			return err
		}
		failures++
		if delay == 0 {
			delay = policy.Backoff
		} else {
			delay *= 2
		}
		if policy.MaxBackoff > 0 && delay > policy.MaxBackoff {
			delay = policy.MaxBackoff
		}
		logger.Warn("round attempt failed, retrying", "round", le.Round, "attempt", failures, "backoff", delay)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}
