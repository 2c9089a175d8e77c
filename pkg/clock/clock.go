package clock

import "time"

// Timer is a scheduled callback that can be cancelled.
type Timer interface {
	// Stop cancels the timer. It reports false if the callback already ran
	// or was already handed off for execution.
	Stop() bool
}

// Clock is the time source injected into services and the consensus engine.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Real is backed by the time package. Callbacks run on their own goroutine.
type Real struct{}

func (Real) Now() time.Time {
	return time.Now()
}

func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

type loopClock struct {
	Clock
	submit func(func())
}

// OnLoop returns a clock whose timer callbacks are handed to submit instead
// of running on the timer goroutine.
func OnLoop(c Clock, submit func(func())) Clock {
	return &loopClock{Clock: c, submit: submit}
}

func (lc *loopClock) AfterFunc(d time.Duration, f func()) Timer {
	return lc.Clock.AfterFunc(d, func() {
		lc.submit(f)
	})
}
