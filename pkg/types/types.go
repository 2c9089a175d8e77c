package types

import "strconv"

// Version identifies a committed state of a replicated service.
// Versions start at 1; 0 means nothing has been committed yet.
type Version uint64

func (v Version) String() string {
	return strconv.FormatUint(uint64(v), 10)
}

// NodeID identifies a monitor in the consensus group.
type NodeID = uint64
