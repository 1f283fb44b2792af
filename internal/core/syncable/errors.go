package syncable

import (
	"errors"
	"fmt"
)

// Engine errors
var (
	ErrNotFound               = errors.New("syncable not found")
	ErrAccessDenied           = errors.New("access denied")
	ErrInvalidOperation       = errors.New("invalid operation")
	ErrUnknownChangeType      = errors.New("unknown change type")
	ErrUnknownRule            = errors.New("unknown access rule")
	ErrOutOfOrderConfirmation = errors.New("out of order confirmation")
	ErrPersistenceFailure     = errors.New("persistence failure")
)

type NotFoundError struct {
	Ref Ref
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("syncable %s not found", e.Ref)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

type AccessDeniedError struct {
	Ref      Ref
	Required RightSet
	Granted  RightSet
}

func (e *AccessDeniedError) Error() string {
	if e.Ref.IsZero() {
		return fmt.Sprintf("access denied: required %s, granted %s", e.Required, e.Granted)
	}
	return fmt.Sprintf("access denied to %s: required %s, granted %s", e.Ref, e.Required, e.Granted)
}

func (e *AccessDeniedError) Is(target error) bool {
	return target == ErrAccessDenied
}

type InvalidOperationError struct {
	Ref    Ref
	Reason string
}

func (e *InvalidOperationError) Error() string {
	return fmt.Sprintf("invalid operation on %s: %s", e.Ref, e.Reason)
}

func (e *InvalidOperationError) Is(target error) bool {
	return target == ErrInvalidOperation
}

type UnknownChangeTypeError struct {
	Type string
}

func (e *UnknownChangeTypeError) Error() string {
	return fmt.Sprintf("unknown change type %q", e.Type)
}

func (e *UnknownChangeTypeError) Is(target error) bool {
	return target == ErrUnknownChangeType
}

type UnknownRuleError struct {
	Rule string
}

func (e *UnknownRuleError) Error() string {
	return fmt.Sprintf("unknown access rule %q", e.Rule)
}

func (e *UnknownRuleError) Is(target error) bool {
	return target == ErrUnknownRule
}

// OutOfOrderConfirmationError is raised when a confirmation names a pending
// packet that is not at the head of the queue.
type OutOfOrderConfirmationError struct {
	ID   string
	Head string
}

func (e *OutOfOrderConfirmationError) Error() string {
	return fmt.Sprintf("confirmation for change %s arrived while %s is pending first", e.ID, e.Head)
}

func (e *OutOfOrderConfirmationError) Is(target error) bool {
	return target == ErrOutOfOrderConfirmation
}

type PersistenceError struct {
	Group string
	Cause error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist group %s: %v", e.Group, e.Cause)
}

func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistenceFailure
}

func (e *PersistenceError) Unwrap() error {
	return e.Cause
}
