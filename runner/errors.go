package runner

import (
	"context"
	"errors"
	"fmt"
)

// errNotReady is returned by the handlers before Bootstrap completed.
var errNotReady = errors.New("runner is not bootstrapped")

// ValidationError reports an inbound message that was dropped. Handlers
// return it for logging only; it never reaches the round-drive loop.
type ValidationError struct {
	Reason string
	Round  int64
	Sender string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid message from %s for round %d (%s): %v", e.Sender, e.Round, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid message from %s for round %d (%s)", e.Sender, e.Round, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// LivenessError means the quorum of certified vertices needed to start Round
// could not be assembled, neither locally nor from any known scribe. The
// round attempt is abandoned; retrying is the caller's decision.
type LivenessError struct {
	Round int64
	Have  int
	Need  int
}

func (e *LivenessError) Error() string {
	return fmt.Sprintf("insufficient certificates to start round %d: have %d, need %d", e.Round, e.Have, e.Need)
}

// CancellationError is returned when the context ends a round attempt. The
// persisted state stays consistent and the runner can be resumed.
type CancellationError struct {
	Round int64
	Err   error
}

func (e *CancellationError) Error() string {
	return fmt.Sprintf("round %d cancelled: %v", e.Round, e.Err)
}

func (e *CancellationError) Unwrap() error { return e.Err }

// IsCancellation reports whether err ends a run because its context was done.
func IsCancellation(err error) bool {
	var ce *CancellationError
	return errors.As(err, &ce) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// jumpError aborts the dual wait when a vertex of a later round was seen.
type jumpError struct {
	target int64
}

func (e *jumpError) Error() string {
	return fmt.Sprintf("observed round %d", e.target)
}

func invalid(reason string, round int64, sender string, err error) *ValidationError {
	return &ValidationError{Reason: reason, Round: round, Sender: sender, Err: err}
}
