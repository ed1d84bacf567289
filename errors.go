package orchestrate

import (
	"context"
	"errors"
	"fmt"
)

// FailureKind classifies an error for retry and escalation decisions.
type FailureKind int

const (
	// UnknownFailure is an uncategorized error from an action. It is treated
	// conservatively as retryable up to the step's limit, then escalated.
	UnknownFailure FailureKind = iota

	// ValidationFailure means the input is wrong. Never retried.
	ValidationFailure

	// TransientFailure covers network errors and timeouts. Retried per policy.
	TransientFailure

	// DependencyUnavailable means a circuit breaker is open. The call failed
	// fast and is not retried by the caller that tripped it.
	DependencyUnavailable

	// CompensationFailure means an undo action failed. Escalated, never
	// silently swallowed.
	CompensationFailure

	// MaxRetriesExceeded is terminal for a step and triggers saga
	// compensation.
	MaxRetriesExceeded
)

// String returns the string representation of the FailureKind.
func (k FailureKind) String() string {
	switch k {
	case ValidationFailure:
		return "validation_failure"
	case TransientFailure:
		return "transient_failure"
	case DependencyUnavailable:
		return "dependency_unavailable"
	case CompensationFailure:
		return "compensation_failure"
	case MaxRetriesExceeded:
		return "max_retries_exceeded"
	case UnknownFailure:
		return "unknown_failure"
	default:
		return fmt.Sprintf("failure_kind_%d", int(k))
	}
}

// ParseFailureKind converts a string produced by FailureKind.String back into
// the kind. Used when loading persisted dead-letter entries.
func ParseFailureKind(s string) (FailureKind, error) {
	for _, k := range []FailureKind{
		UnknownFailure, ValidationFailure, TransientFailure,
		DependencyUnavailable, CompensationFailure, MaxRetriesExceeded,
	} {
		if k.String() == s {
			return k, nil
		}
	}
	return UnknownFailure, fmt.Errorf("unknown failure kind %q", s)
}

// Failure attaches a FailureKind to an underlying error.
type Failure struct {
	Kind FailureKind
	Err  error
}

// Error implements the error interface.
func (f *Failure) Error() string {
	if f.Err == nil {
		return f.Kind.String()
	}
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

// Unwrap exposes the underlying error to errors.Is/As.
func (f *Failure) Unwrap() error { return f.Err }

// NewFailure wraps err with the given kind.
func NewFailure(kind FailureKind, err error) error {
	return &Failure{Kind: kind, Err: err}
}

// Validation marks err as a ValidationFailure.
func Validation(err error) error { return NewFailure(ValidationFailure, err) }

// Transient marks err as a TransientFailure.
func Transient(err error) error { return NewFailure(TransientFailure, err) }

// KindOf classifies an error. Deadline expiry counts as transient; anything
// not carrying an explicit kind is UnknownFailure.
func KindOf(err error) FailureKind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return TransientFailure
	}
	return UnknownFailure
}

// IsKind reports whether err classifies as the given kind.
func IsKind(err error, kind FailureKind) bool {
	return err != nil && KindOf(err) == kind
}

// ErrBreakerOpen is returned for calls made while a circuit breaker is open.
// The wrapped operation is not invoked at all.
var ErrBreakerOpen = NewFailure(DependencyUnavailable, errors.New("circuit breaker open"))

// ErrAborted is the synthetic failure recorded when an execution is aborted
// externally while running.
var ErrAborted = errors.New("saga aborted")

// Definition errors, reported by DefinitionBuilder.Build before any step runs.
var (
	ErrNoSteps           = errors.New("saga definition has no steps")
	ErrDuplicateStep     = errors.New("duplicate step id")
	ErrUnknownDependency = errors.New("step depends on unknown step id")
	ErrCycleDetected     = errors.New("dependency cycle detected")
)

// ErrExecutionNotFound is returned by stores when no snapshot exists for the
// requested execution id.
var ErrExecutionNotFound = errors.New("execution not found")

// ErrEntryNotFound is returned by dead-letter stores for unknown entry ids.
var ErrEntryNotFound = errors.New("dead-letter entry not found")
