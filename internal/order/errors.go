package order

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("order: not found")
	ErrInvalidTransition = errors.New("order: invalid state transition")
)

// Failure kinds. Worker errors wrap exactly one of these so callers can
// classify a failure with errors.Is.
var (
	ErrRouting     = errors.New("routing failed")
	ErrExecution   = errors.New("execution failed")
	ErrPersistence = errors.New("persistence failed")
	ErrPublish     = errors.New("publish failed")
)

// ValidationError describes a malformed submission.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// TransitionError reports an edge the state machine does not allow.
type TransitionError struct {
	OrderID string
	From    Status
	To      Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("order %s: cannot move from %s to %s", e.OrderID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// IsValidation reports whether err is a submission validation error.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// FailureKind names the failure class of err for logs and metric labels.
func FailureKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRouting):
		return "routing"
	case errors.Is(err, ErrExecution):
		return "execution"
	case errors.Is(err, ErrPersistence):
		return "persistence"
	case errors.Is(err, ErrPublish):
		return "publish"
	case IsValidation(err):
		return "validation"
	default:
		return "unknown"
	}
}

// Reason renders err as the human readable failure reason stored on the order.
// The kind prefix is dropped so clients see the venue's own message.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	var inner interface{ Unwrap() []error }
	if errors.As(err, &inner) {
		for _, e := range inner.Unwrap() {
			if !isKind(e) {
				return e.Error()
			}
		}
	}
	return err.Error()
}

func isKind(err error) bool {
	return err == ErrRouting || err == ErrExecution || err == ErrPersistence || err == ErrPublish
}
