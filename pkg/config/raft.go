package config

import (
	"fmt"
	"time"

	"replsvc/pkg/dberrors"
)

type RaftConfig struct {
	ID                        uint64           `yaml:"id" validate:"required"`
	ElectionTick              int              `yaml:"election_tick" validate:"required"`
	HeartbeatTick             int              `yaml:"heartbeat_tick" validate:"required"`
	MaxSizePerMsg             uint64           `yaml:"max_size_per_msg"`
	MaxCommittedSizePerReady  uint64           `yaml:"max_committed_size_per_ready"`
	MaxUncommittedEntriesSize uint64           `yaml:"max_uncommitted_entries_size"`
	MaxInflightMsgs           int              `yaml:"max_inflight_msgs"`
	CheckQuorum               bool             `yaml:"check_quorum"`
	PreVote                   bool             `yaml:"pre_vote"`
	TickInterval              time.Duration    `yaml:"tick_interval"`
	Peers                     []RaftPeerConfig `yaml:"peers"`
}

type RaftPeerConfig struct {
	ID      uint64 `yaml:"id"`
	Address string `yaml:"address"`
}

func (c *RaftConfig) Validate() error {
	if c.ID == 0 {
		return fmt.Errorf("%w: raft.id must be non-zero", dberrors.ErrInvalidArgument)
	}
	if c.HeartbeatTick <= 0 || c.ElectionTick <= c.HeartbeatTick {
		return fmt.Errorf("%w: raft.election_tick must exceed raft.heartbeat_tick", dberrors.ErrInvalidArgument)
	}

	self := false
	seen := make(map[uint64]struct{}, len(c.Peers))
	for _, p := range c.Peers {
		if _, ok := seen[p.ID]; ok {
			return fmt.Errorf("%w: duplicate raft peer %d", dberrors.ErrInvalidArgument, p.ID)
		}
		seen[p.ID] = struct{}{}
		if p.ID == c.ID {
			self = true
		}
	}
	if !self {
		return fmt.Errorf("%w: raft.peers must contain raft.id %d", dberrors.ErrInvalidArgument, c.ID)
	}
	return nil
}
