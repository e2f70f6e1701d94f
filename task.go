package pumped

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"
)

// TaskState is the lifecycle position of a Task
type TaskState int32

const (
	TaskPending TaskState = iota
	TaskRunning
	TaskCancelled
	TaskCompleted
	TaskFailed
)

func (s TaskState) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskRunning:
		return "running"
	case TaskCancelled:
		return "cancelled"
	case TaskCompleted:
		return "completed"
	case TaskFailed:
		return "failed"
	default:
		return fmt.Sprintf("TaskState(%d)", int32(s))
	}
}

// Terminal reports whether the state is final
func (s TaskState) Terminal() bool {
	return s >= TaskCancelled
}

type taskKey struct{}

// earlyExiter is the untyped view of a Task reachable through ctx.
type earlyExiter interface {
	requestEarlyExitAny(fallback any) error
	exitRequested() bool
}

// Task runs an operation that can be told to stop early and yield a
// fallback instead of its own result. Cancellation is cooperative: the
// operation sees its context cancelled with ErrEarlyExit and is expected to
// return at its next suspension point.
type Task[R any] struct {
	ctx   context.Context
	op    func(ctx context.Context) (R, error)
	label string

	timeout         time.Duration
	timeoutFallback R

	mu        sync.Mutex
	state     TaskState
	requested bool
	fallback  R
	exitCh    chan struct{}
	done      chan struct{}
	cancel    context.CancelCauseFunc
	result    R
	err       error
}

// TaskOption configures a Task
type TaskOption[R any] func(*Task[R])

// WithTaskTimeout requests an early exit with fallback once d has elapsed
// after start
func WithTaskTimeout[R any](d time.Duration, fallback R) TaskOption[R] {
	return func(t *Task[R]) {
		t.timeout = d
		t.timeoutFallback = fallback
	}
}

// WithTaskLabel names the task in errors
func WithTaskLabel[R any](label string) TaskOption[R] {
	return func(t *Task[R]) {
		t.label = label
	}
}

// NewTask wraps op. Nothing runs until Start or Run.
func NewTask[R any](ctx context.Context, op func(ctx context.Context) (R, error), opts ...TaskOption[R]) *Task[R] {
	t := &Task[R]{
		ctx:    ctx,
		op:     op,
		exitCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Label returns the task's label
func (t *Task[R]) Label() string {
	return t.label
}

// State returns the current lifecycle state
func (t *Task[R]) State() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// RequestEarlyExit asks the task to stop and yield fallback. The first
// request wins; later requests and requests after the task reached a
// terminal state return false and change nothing.
func (t *Task[R]) RequestEarlyExit(fallback R) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.requested || t.state.Terminal() {
		return false
	}
	t.requested = true
	t.fallback = fallback
	close(t.exitCh)
	if t.cancel != nil {
		t.cancel(ErrEarlyExit)
	}
	return true
}

func (t *Task[R]) requestEarlyExitAny(fallback any) error {
	typed, ok := fallback.(R)
	if !ok && fallback != nil {
		return &ResolutionError{
			Kind:  "task",
			Type:  reflect.TypeOf(fallback),
			Cause: fmt.Errorf("fallback of type %T does not match task result type %s", fallback, reflect.TypeFor[R]()),
		}
	}
	t.RequestEarlyExit(typed)
	return nil
}

func (t *Task[R]) exitRequested() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.requested
}

// Start launches the operation on its own goroutine. Calling Start more than
// once has no effect.
func (t *Task[R]) Start() {
	t.mu.Lock()
	if t.state != TaskPending {
		t.mu.Unlock()
		return
	}
	if t.requested {
		t.mu.Unlock()
		t.finish(*new(R), nil)
		return
	}

	opCtx, cancel := context.WithCancelCause(t.ctx)
	opCtx = context.WithValue(opCtx, taskKey{}, earlyExiter(t))
	t.cancel = cancel
	t.state = TaskRunning
	t.mu.Unlock()

	var timer *time.Timer
	if t.timeout > 0 {
		timer = time.AfterFunc(t.timeout, func() {
			t.RequestEarlyExit(t.timeoutFallback)
		})
	}

	type outcome struct {
		value R
		err   error
	}
	resultCh := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- outcome{err: newPanicError(r)}
			}
		}()
		value, err := t.op(opCtx)
		resultCh <- outcome{value: value, err: err}
	}()

	go func() {
		defer cancel(nil)
		if timer != nil {
			defer timer.Stop()
		}

		select {
		case res := <-resultCh:
			t.finish(res.value, res.err)
		case <-t.exitCh:
			t.finish(*new(R), nil)
		}
	}()
}

// finish decides the single terminal state. A pending exit request always
// wins over whatever the operation produced.
func (t *Task[R]) finish(value R, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state.Terminal() {
		return
	}

	switch {
	case t.requested:
		t.state = TaskCancelled
		t.result = t.fallback
		t.err = nil
	case err != nil:
		t.state = TaskFailed
		t.err = err
	default:
		t.state = TaskCompleted
		t.result = value
	}
	close(t.done)
}

// Done is closed when the task reaches a terminal state
func (t *Task[R]) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task finishes and returns its outcome
func (t *Task[R]) Wait() (R, error) {
	<-t.done
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result, t.err
}

// Run starts the task and waits for it
func (t *Task[R]) Run() (R, error) {
	t.Start()
	return t.Wait()
}

func taskFrom(ctx context.Context) earlyExiter {
	e, _ := ctx.Value(taskKey{}).(earlyExiter)
	return e
}

// ExitEarly requests the early exit of the task running the caller and
// returns ErrEarlyExit for the caller to return. A fallback whose type is not
// the task's result type is rejected with a *ResolutionError and no exit is
// requested.
func ExitEarly[R any](ctx context.Context, fallback R) error {
	t := taskFrom(ctx)
	if t == nil {
		return &ResolutionError{Kind: "task", Cause: errors.New("no enclosing task")}
	}
	if err := t.requestEarlyExitAny(fallback); err != nil {
		return err
	}
	return ErrEarlyExit
}

// Checkpoint is an explicit suspension point. It returns ErrEarlyExit once
// the enclosing task was asked to exit, or the context's error.
func Checkpoint(ctx context.Context) error {
	if t := taskFrom(ctx); t != nil && t.exitRequested() {
		return ErrEarlyExit
	}
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	return nil
}

// AllowingEarlyExit runs op as a task and waits for it. An early exit
// requested from inside op yields that request's fallback; an ErrEarlyExit
// escaping from a nested task yields fallback.
func AllowingEarlyExit[R any](ctx context.Context, fallback R, op func(ctx context.Context) (R, error)) (R, error) {
	result, err := NewTask(ctx, op).Run()
	if err != nil && IsCancellation(err) {
		return fallback, nil
	}
	return result, err
}
