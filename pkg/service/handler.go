package service

import (
	"time"

	"replsvc/pkg/types"
)

// Handler is the capability every concrete dataset supplies. The Service
// never looks inside the bytes a Handler produces.
type Handler interface {
	// Name is the namespace of the service in the store.
	Name() string
	// Attach hands the handler the service that drives it.
	Attach(s *Service)

	// CreatePending starts a fresh accumulation for the next version.
	CreatePending()
	// CreateInitial stages the content of version 1.
	CreateInitial()
	// EncodePending serializes the pending delta that becomes version v.
	EncodePending(v types.Version) ([]byte, error)

	// PreprocessQuery answers read-only requests. It reports whether the
	// request was fully handled.
	PreprocessQuery(req *Request) (bool, error)
	// PrepareUpdate stages a mutation into the pending state. It reports
	// whether the pending state has to be proposed for req to complete.
	PrepareUpdate(req *Request) (bool, error)

	// LoadFull replaces committed state with a full stash taken at v.
	LoadFull(v types.Version, data []byte) error
	// ApplyDelta advances committed state to v.
	ApplyDelta(v types.Version, data []byte) error

	// OnActive may run more than once for the same version.
	OnActive()
	OnRestart()
	OnShutdown()
}

// FullEncoder is implemented by handlers that can stash their whole state.
// Without it a service is never trimmed.
type FullEncoder interface {
	EncodeFull(v types.Version) ([]byte, error)
}

// ProposePolicy overrides when staged updates are proposed. def is the
// damping delay the service would use.
type ProposePolicy interface {
	ShouldPropose(def time.Duration) (time.Duration, bool)
}

// TrimPolicy overrides how far old versions are trimmed. Returning 0 means
// no trimming this round.
type TrimPolicy interface {
	UpdateTrim(first, last, latestFull types.Version) types.Version
}

// PendingDiscarder is notified when pending state is dropped on an
// election.
type PendingDiscarder interface {
	DiscardPending()
}
