package pumped

import (
	"context"
	"reflect"
)

// Extension provides hooks into the scope lifecycle
type Extension interface {
	// Name returns the extension's name
	Name() string

	// Order determines extension execution order (lower = earlier)
	Order() int

	// Init is called when the extension is registered to a manager
	Init(manager *Manager) error

	// Wrap intercepts operations (construct, report)
	Wrap(ctx context.Context, next func() (any, error), op *Operation) (any, error)

	// OnError handles errors during construction and reporting
	OnError(err error, op *Operation, manager *Manager)

	// OnCleanupError handles cleanup failures
	// Returns true if the error was handled, false to use default behavior
	OnCleanupError(err *CleanupError) bool

	// Scope hooks. An error from OnScopeEnter aborts the entry.
	OnScopeEnter(scope *Scope) error
	OnScopeExit(scope *Scope, summary *Summary) error

	// Dispose is called when the manager is disposed
	Dispose(manager *Manager) error
}

// CleanupError contains information about a cleanup failure
type CleanupError struct {
	Type    reflect.Type
	Err     error
	Context string // "dispose"
}

func (e *CleanupError) Error() string {
	return "cleanup " + e.Type.String() + ": " + e.Err.Error()
}

func (e *CleanupError) Unwrap() error {
	return e.Err
}

// BaseExtension provides default implementations for Extension methods
type BaseExtension struct {
	name string
}

// NewBaseExtension creates a new base extension with the given name
func NewBaseExtension(name string) BaseExtension {
	return BaseExtension{name: name}
}

func (e *BaseExtension) Name() string {
	return e.name
}

func (e *BaseExtension) Order() int {
	return 100
}

func (e *BaseExtension) Init(manager *Manager) error {
	return nil
}

func (e *BaseExtension) Wrap(ctx context.Context, next func() (any, error), op *Operation) (any, error) {
	return next()
}

func (e *BaseExtension) OnError(err error, op *Operation, manager *Manager) {
}

func (e *BaseExtension) OnCleanupError(err *CleanupError) bool {
	return false
}

func (e *BaseExtension) OnScopeEnter(scope *Scope) error {
	return nil
}

func (e *BaseExtension) OnScopeExit(scope *Scope, summary *Summary) error {
	return nil
}

func (e *BaseExtension) Dispose(manager *Manager) error {
	return nil
}

// Operation describes what operation is happening
type Operation struct {
	Kind    OperationKind
	Type    reflect.Type // constructed dependency, for OpConstruct
	Summary *Summary     // reported root, for OpReport
	Manager *Manager
}

// OperationKind represents the type of operation
type OperationKind string

const (
	// OpConstruct indicates a dependency construction
	OpConstruct OperationKind = "construct"
	// OpReport indicates a reporter receiving a root summary
	OpReport OperationKind = "report"
)
