package pumped

import (
	"context"
	"reflect"
	"sort"

	"github.com/samber/lo"
)

// Registry maps a type identity to the single value of that type.
//
// A Registry is immutable: With returns a new registry and leaves the
// receiver untouched, so sibling scopes built from the same parent never
// observe each other's overrides.
type Registry struct {
	values map[reflect.Type]any
}

// binding stores a value under an explicit type instead of its dynamic type.
type binding struct {
	typ   reflect.Type
	value any
}

// Bind keys v under T rather than under v's dynamic type. Use it to fill
// interface-typed state slots:
//
//	pumped.WithState(pumped.Bind[Clock](fakeClock{}))
func Bind[T any](v T) any {
	return binding{typ: reflect.TypeFor[T](), value: v}
}

// NewRegistry creates a registry holding values
func NewRegistry(values ...any) Registry {
	return Registry{}.With(values...)
}

// With returns a copy of the registry extended with values. A value replaces
// any existing value of the same type. Nil values are ignored.
func (r Registry) With(values ...any) Registry {
	if len(values) == 0 {
		return r
	}

	next := lo.Assign(r.values)
	for _, v := range values {
		switch b := v.(type) {
		case nil:
			continue
		case binding:
			next[b.typ] = b.value
		default:
			next[reflect.TypeOf(v)] = v
		}
	}

	return Registry{values: next}
}

// Lookup returns the value stored for t
func (r Registry) Lookup(t reflect.Type) (any, bool) {
	v, ok := r.values[t]
	return v, ok
}

// Len returns the number of stored types
func (r Registry) Len() int {
	return len(r.values)
}

// Types returns the stored types sorted by name
func (r Registry) Types() []reflect.Type {
	types := lo.Keys(r.values)
	sort.Slice(types, func(i, j int) bool {
		return types[i].String() < types[j].String()
	})
	return types
}

// StateDefaulter is implemented by state types that provide a value when no
// scope declares one. The method is called on the zero value of T.
type StateDefaulter[T any] interface {
	DefaultState() T
}

// State returns the nearest-ancestor value of type T. Lookup walks the
// current scope, then its parents, then the manager's root state, and finally
// the type's own default. Outside any scope it always fails.
func State[T any](ctx context.Context) (T, error) {
	var zero T
	t := reflect.TypeFor[T]()

	s := scopeFrom(ctx)
	if s == nil {
		return zero, &ResolutionError{Kind: "state", Type: t, Cause: ErrNoScope}
	}

	for cur := s; cur != nil; cur = cur.parent {
		if v, ok := cur.state.Lookup(t); ok {
			return SafeTypeAssertion[T](v)
		}
	}

	if v, ok := s.manager.rootState.Lookup(t); ok {
		return SafeTypeAssertion[T](v)
	}

	if d, ok := any(zero).(StateDefaulter[T]); ok {
		return d.DefaultState(), nil
	}

	return zero, &ResolutionError{Kind: "state", Type: t, Label: s.label}
}

// MustState is State for call sites where absence is a programming error
func MustState[T any](ctx context.Context) T {
	v, err := State[T](ctx)
	if err != nil {
		panic(err)
	}
	return v
}

// StateOr returns the state of type T or fallback when it cannot be resolved
func StateOr[T any](ctx context.Context, fallback T) T {
	v, err := State[T](ctx)
	if err != nil {
		return fallback
	}
	return v
}
