package drain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidHandler is returned by NewGate when no handler is given.
	ErrInvalidHandler = errors.New("drain: handler is required")

	// ErrNilController is returned by NewGate when no controller is given.
	ErrNilController = errors.New("drain: controller is required")

	// ErrCounterUnderflow is the panic value of Tracker.Decrement on an empty
	// tracker.
	ErrCounterUnderflow = errors.New("drain: pending counter underflow")

	// ErrForcedClose matches every *ForcedCloseError.
	ErrForcedClose = errors.New("drain: forced close with open connections")
)

// ForcedReason describes why a forced close happened.
const ForcedReason = "graceful timeout with pending work"

// ForcedCloseError is carried by the close event when the graceful deadline
// elapsed before all admitted requests completed.
type ForcedCloseError struct {
	Pending int64
	Timeout time.Duration
}

func (e *ForcedCloseError) Error() string {
	return fmt.Sprintf("%s: %s (timeout %s, %d pending)", ErrForcedClose, ForcedReason, e.Timeout, e.Pending)
}

// Is reports ErrForcedClose as a match.
func (e *ForcedCloseError) Is(target error) bool { return target == ErrForcedClose }

// Outcome describes how a Controller reached Closed.
type Outcome struct {
	// Forced is true when the graceful deadline elapsed with work pending.
	Forced bool
	// Pending is the in-flight count at the moment of closure.
	Pending int64
	// Elapsed is the time between Initiate and closure.
	Elapsed time.Duration
	// Err is nil for a clean close and a *ForcedCloseError otherwise.
	Err error
}

// Clean reports whether every admitted request completed before closure.
func (o Outcome) Clean() bool { return !o.Forced }

func (o Outcome) String() string {
	if o.Forced {
		return "forced"
	}
	return "clean"
}

func cleanOutcome(elapsed time.Duration) Outcome {
	return Outcome{Elapsed: elapsed}
}

func forcedOutcome(pending int64, timeout, elapsed time.Duration) Outcome {
	return Outcome{
		Forced:  true,
		Pending: pending,
		Elapsed: elapsed,
		Err:     &ForcedCloseError{Pending: pending, Timeout: timeout},
	}
}
