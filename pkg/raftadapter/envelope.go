package raftadapter

import (
	"encoding/json"
	"fmt"

	"replsvc/pkg/waitq"

	"github.com/google/uuid"
)

// envelope wraps a proposed value so its commit can be matched back to the
// proposal that produced it.
type envelope struct {
	ID    uuid.UUID `json:"id"`
	Value []byte    `json:"value"`
}

func newEnvelope(value []byte) envelope {
	return envelope{
		ID:    uuid.New(),
		Value: value,
	}
}

func decodeEnvelope(data []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return envelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return env, nil
}

type proposal struct {
	env      envelope
	onCommit waitq.Continuation
}

// seenWindow remembers the last n envelope ids applied. A proposal retried
// after a timeout may reach the log twice; every replica applies the same
// log, so all of them skip the same copy.
type seenWindow struct {
	ids  map[uuid.UUID]struct{}
	ring []uuid.UUID
	next int
}

func newSeenWindow(n int) *seenWindow {
	return &seenWindow{
		ids:  make(map[uuid.UUID]struct{}, n),
		ring: make([]uuid.UUID, n),
	}
}

// add reports false when id is already in the window.
func (w *seenWindow) add(id uuid.UUID) bool {
	if _, ok := w.ids[id]; ok {
		return false
	}
	if old := w.ring[w.next]; old != uuid.Nil {
		delete(w.ids, old)
	}
	w.ring[w.next] = id
	w.ids[id] = struct{}{}
	w.next = (w.next + 1) % len(w.ring)
	return true
}
