package pool

import (
	"context"
	"errors"
	"sync/atomic"
)

var (
	ErrClosed       = errors.New("pool is closed")
	ErrCancelled    = errors.New("task cancelled before it started")
	ErrTaskPanicked = errors.New("task panicked")
)

type TaskState int32

const (
	TaskPending TaskState = iota
	TaskRunning
	TaskDone
	TaskCancelled
)

func (s TaskState) String() string {
	switch s {
	case TaskPending:
		return "Pending"
	case TaskRunning:
		return "Running"
	case TaskDone:
		return "Done"
	case TaskCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Task is a unit of work run on a pool slot. The context it receives
// carries the slot's scope.
type Task func(ctx context.Context)

// Future tracks one submitted task.
type Future interface {
	// Cancel prevents the task from starting. It reports false when the task
	// is already running or finished.
	Cancel() bool
	Done() <-chan struct{}
	State() TaskState
	// Err is nil for a task that ran to completion, ErrCancelled for one
	// cancelled before it started, and wraps ErrTaskPanicked when the task
	// panicked. It is only meaningful once Done is closed.
	Err() error
}

type future struct {
	ctx   context.Context
	task  Task
	state atomic.Int32
	done  chan struct{}
	err   error
}

func newFuture(ctx context.Context, task Task) *future {
	return &future{ctx: ctx, task: task, done: make(chan struct{})}
}

func (f *future) Cancel() bool {
	if !f.state.CompareAndSwap(int32(TaskPending), int32(TaskCancelled)) {
		return false
	}
	f.err = ErrCancelled
	close(f.done)
	return true
}

func (f *future) Done() <-chan struct{} {
	return f.done
}

func (f *future) State() TaskState {
	return TaskState(f.state.Load())
}

func (f *future) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// start moves the future to Running. It fails when the future was
// cancelled while queued.
func (f *future) start() bool {
	return f.state.CompareAndSwap(int32(TaskPending), int32(TaskRunning))
}

func (f *future) finish(err error) {
	f.err = err
	f.state.Store(int32(TaskDone))
	close(f.done)
}
