package listener

import (
	"context"

	"replsvc/pkg/dberrors"
)

const defaultLoopBuffer = 1024

// Task is a unit of work executed on a Loop. A returned error is fatal.
type Task func() error

// Loop executes submitted tasks one after another on a single goroutine.
// Everything that runs on a Loop sees a consistent, non-interleaved view of
// the state it owns.
type Loop struct {
	*Listener[Task]

	tasks chan Task
	done  chan struct{}
}

func NewLoop() *Loop {
	l := &Loop{
		tasks: make(chan Task, defaultLoopBuffer),
		done:  make(chan struct{}),
	}
	l.Listener = New(l.tasks, func(t Task) error { return t() }, func() { close(l.done) })
	return l
}

// Submit enqueues task. It blocks only while the buffer is full.
func (l *Loop) Submit(task Task) {
	select {
	case l.tasks <- task:
	case <-l.done:
	}
}

// Go enqueues a task that cannot fail.
func (l *Loop) Go(f func()) {
	l.Submit(func() error {
		f()
		return nil
	})
}

// Call enqueues task and waits for it to run.
func (l *Loop) Call(ctx context.Context, task func() error) error {
	errCh := make(chan error, 1)
	l.Submit(func() error {
		errCh <- task()
		return nil
	})

	select {
	case err := <-errCh:
		return err
	case <-l.done:
		return dberrors.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}
