// Package listener runs handlers on a single goroutine: a generic channel
// Listener, and the Loop every replicated service runs on.
package listener

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"replsvc/pkg/dberrors"
)

// Listener feeds every value received from in to handler, one at a time. A
// handler error stops the process: state owned by the goroutine can no
// longer be trusted.
type Listener[T any] struct {
	in      <-chan T
	handler func(T) error
	onStop  func()

	wg       sync.WaitGroup
	cancel   context.CancelFunc
	stopOnce sync.Once
}

func New[T any](in <-chan T, handler func(T) error, onStop ...func()) *Listener[T] {
	l := &Listener[T]{
		in:      in,
		handler: handler,
		onStop:  func() {},
		cancel:  func() {},
	}
	if len(onStop) > 0 && onStop[0] != nil {
		l.onStop = onStop[0]
	}
	return l
}

func (l *Listener[T]) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for {
			select {
			case v := <-l.in:
				if err := l.handler(v); err != nil {
					slog.Error("listener handler failed", "error", err)
					panic(fmt.Errorf("%w: listener handler: %v", dberrors.ErrInvariantViolation, err))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop waits for the running handler to return. Values still buffered in the
// channel are dropped.
func (l *Listener[T]) Stop() {
	l.stopOnce.Do(func() {
		l.cancel()
		l.wg.Wait()
		l.onStop()
	})
}
