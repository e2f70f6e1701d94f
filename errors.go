package pumped

import (
	"errors"
	"fmt"
	"reflect"
	"runtime/debug"
)

var (
	// ErrResolution matches every *ResolutionError.
	ErrResolution = errors.New("resolution failed")
	// ErrConstruction matches every *ConstructionError.
	ErrConstruction = errors.New("dependency construction failed")
	// ErrScopeOrdering matches every *ScopeOrderingError.
	ErrScopeOrdering = errors.New("scope ordering violated")
	// ErrEarlyExit is the cancellation signal of an early-exit request. It is not a failure.
	ErrEarlyExit = errors.New("early exit requested")
	// ErrNoScope is the cause of lookups made outside any active scope.
	ErrNoScope = errors.New("no active scope")
	// ErrManagerDisposed is returned when entering a scope on a disposed manager.
	ErrManagerDisposed = errors.New("manager is disposed")
)

// ResolutionError reports a state, dependency or scope lookup that found nothing.
type ResolutionError struct {
	Kind  string // "state", "dependency", "scope" or "task"
	Type  reflect.Type
	Label string
	Cause error
}

func (e *ResolutionError) Error() string {
	msg := e.Kind
	if e.Type != nil {
		msg = fmt.Sprintf("%s %v", e.Kind, e.Type)
	}
	msg += " not resolved"
	if e.Label != "" {
		msg += fmt.Sprintf(" in scope %q", e.Label)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ResolutionError) Unwrap() error {
	return e.Cause
}

func (e *ResolutionError) Is(target error) bool {
	return target == ErrResolution
}

// ConstructionError is cached in place of a dependency whose factory failed.
// Every waiter and every later lookup of the type receives the same error.
type ConstructionError struct {
	Type       reflect.Type
	Cause      error
	StackTrace []byte
}

func (e *ConstructionError) Error() string {
	return fmt.Sprintf("construct dependency %v: %v", e.Type, e.Cause)
}

func (e *ConstructionError) Unwrap() error {
	return e.Cause
}

func (e *ConstructionError) Is(target error) bool {
	return target == ErrConstruction
}

func newConstructionError(t reflect.Type, cause error) *ConstructionError {
	return &ConstructionError{
		Type:       t,
		Cause:      cause,
		StackTrace: debug.Stack(),
	}
}

// ScopeOrderingError indicates a programming defect: a merge after finalize,
// an exit without a matching entry, or children that never reported.
type ScopeOrderingError struct {
	Label  string
	Op     string
	Reason string
}

func (e *ScopeOrderingError) Error() string {
	return fmt.Sprintf("scope %q: %s: %s", e.Label, e.Op, e.Reason)
}

func (e *ScopeOrderingError) Is(target error) bool {
	return target == ErrScopeOrdering
}

// PanicError carries a panic recovered inside a scope body or a task.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

func newPanicError(recovered any) *PanicError {
	return &PanicError{Value: recovered, Stack: debug.Stack()}
}

// IsCancellation reports whether err is the early-exit signal rather than a failure.
func IsCancellation(err error) bool {
	return errors.Is(err, ErrEarlyExit)
}

// SafeTypeAssertion performs safe type assertion with proper error
func SafeTypeAssertion[T any](value any) (T, error) {
	typed, ok := value.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("type assertion error: expected %T, got %T (value: %v)", zero, value, value)
	}

	return typed, nil
}
