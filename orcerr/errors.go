// Package orcerr defines the orchestrator's error taxonomy.
//
// Errors are values, not ad-hoc strings: callers can test identity with
// errors.Is and unwrap causes with errors.Unwrap, the same style as a
// typed GraphError/GraphFailureError taxonomy.
package orcerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Sentinel kinds. Compare with errors.Is; do not compare error strings.
var (
	// ErrQuorumNotAchieved is returned when a quorum task's voting window
	// closed without any bucket reaching its threshold.
	ErrQuorumNotAchieved = errors.New("quorum not achieved")

	// ErrQuorumImpossibleToAchieve is returned when enough inner tasks
	// aborted that the threshold can no longer mathematically be reached.
	ErrQuorumImpossibleToAchieve = errors.New("quorum impossible to achieve")

	// ErrTimeout is the cause attached to a task that aborts because its
	// behavior did not handle the Timeout sentinel.
	ErrTimeout = errors.New("task timed out")

	// ErrIllegalArgument is the kind wrapped by IllegalArgument.
	ErrIllegalArgument = errors.New("illegal argument")

	// ErrNotFound is returned by the identifier layer when a correlation
	// id has no recorded delivery id.
	ErrNotFound = errors.New("not found")
)

// IllegalArgumentError wraps a rejected construction argument with the
// specific reason, matching the quorum well-formedness checks W1/W2 in
// spec.md §4.4.
type IllegalArgumentError struct {
	Reason string
}

func (e *IllegalArgumentError) Error() string {
	return fmt.Sprintf("illegal argument: %s", e.Reason)
}

func (e *IllegalArgumentError) Unwrap() error { return ErrIllegalArgument }

// IllegalArgument constructs the IllegalArgument("...") error named in
// spec.md §7, e.g. IllegalArgument("tasks with distinct destinations").
func IllegalArgument(reason string) error {
	return &IllegalArgumentError{Reason: reason}
}

// Wrap attaches msg as context to err, preserving the causal chain.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, msg)
}
