package consensus

import (
	"time"

	"replsvc/pkg/types"
	"replsvc/pkg/waitq"
)

// Engine is the contract a replicated service consumes from the consensus
// layer. Every method is called from the monitor event loop, and every
// continuation is invoked on it.
type Engine interface {
	// IsReadable reports whether committed state up to v can be served.
	IsReadable(v types.Version) bool
	// IsWriteable reports whether this node may propose now.
	IsWriteable() bool
	// IsActive reports whether an election has finished and the engine is
	// serving the current term.
	IsActive() bool
	IsLeader() bool

	WaitForReadable(v types.Version, c waitq.Continuation)
	WaitForWriteable(c waitq.Continuation)
	WaitForActive(c waitq.Continuation)

	// ProposeNewValue submits value for the next round. onCommit runs once
	// the value has been committed and applied, unless leadership changes
	// first, in which case it is dropped.
	ProposeNewValue(value []byte, onCommit waitq.Continuation)
	LastCommitTime() time.Time
}
