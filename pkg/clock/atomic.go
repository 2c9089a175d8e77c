package clock

import (
	"sync/atomic"

	"replsvc/pkg/types"
)

// AtomicClock is a monotonically increasing version counter safe for
// concurrent readers.
type AtomicClock struct {
	atomic.Uint64
}

func NewAtomic(init types.Version) *AtomicClock {
	var ac AtomicClock
	ac.Set(init)
	return &ac
}

func (ac *AtomicClock) Val() types.Version {
	return types.Version(ac.Load())
}

func (ac *AtomicClock) Next() types.Version {
	return types.Version(ac.Add(1))
}

func (ac *AtomicClock) Set(t types.Version) {
	ac.Store(uint64(t))
}
