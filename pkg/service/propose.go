package service

import (
	"fmt"
	"time"

	"replsvc/pkg/clock"
	"replsvc/pkg/kvstore"
)

// DefaultProposeDelay proposes at once until the service has left its
// initial version, then batches updates so that commits are at least
// ProposeInterval apart and never closer than MinWait.
func (s *Service) DefaultProposeDelay() time.Duration {
	if s.lastCommitted <= 1 {
		return 0
	}
	elapsed := s.clock.Now().Sub(s.paxos.LastCommitTime())
	if elapsed > s.cfg.ProposeInterval {
		return s.cfg.MinWait
	}
	return s.cfg.ProposeInterval - elapsed
}

func (s *Service) shouldPropose() (time.Duration, bool) {
	def := s.DefaultProposeDelay()
	if p, ok := s.handler.(ProposePolicy); ok {
		return p.ShouldPropose(def)
	}
	return def, true
}

func (s *Service) armProposalTimer(delay time.Duration) {
	s.log.Debug("setting propose timer", "delay", delay)
	var t clock.Timer
	t = s.clock.AfterFunc(delay, func() {
		if s.proposalTimer != t || s.stopped {
			return
		}
		s.proposalTimer = nil
		if err := s.Refresh(); err != nil {
			s.log.Error("refresh before proposal", "error", err)
			return
		}
		if !s.havePending || !s.paxos.IsLeader() || !s.IsActive() {
			s.log.Warn("propose timer fired while not ready",
				"pending", s.havePending, "proposing", s.proposing)
			return
		}
		if err := s.ProposePending(); err != nil {
			s.log.Error("propose pending", "error", err)
		}
	})
	s.proposalTimer = t
}

func (s *Service) cancelProposalTimer() {
	if s.proposalTimer == nil {
		return
	}
	s.proposalTimer.Stop()
	s.proposalTimer = nil
}

// ProposePending composes the next version from the staged updates, plus a
// full stash and a trim when due, and submits it to consensus as one
// transaction.
func (s *Service) ProposePending() error {
	s.assert(s.havePending, "propose without pending state")
	s.assert(s.paxos.IsLeader(), "propose while not leader")
	s.assert(s.IsActive(), "propose while not active")

	s.cancelProposalTimer()

	housekeeping := kvstore.NewTransaction()
	s.updateTrim()
	if s.shouldStashFull() {
		if err := s.encodeFull(housekeeping); err != nil {
			return err
		}
	}
	if s.shouldTrim() {
		if err := s.encodeTrim(housekeeping); err != nil {
			return err
		}
		s.trimTo = 0
	}

	v := s.lastCommitted + 1
	delta, err := s.handler.EncodePending(v)
	if err != nil {
		return fmt.Errorf("encode pending v%d: %w", v, err)
	}
	tx := kvstore.NewTransaction()
	s.PutVersion(tx, v, delta)
	tx.PutUint(s.name, keyLastCommitted, uint64(v))
	if s.firstCommitted == 0 {
		tx.PutUint(s.name, keyFirstCommitted, uint64(v))
	}
	if !housekeeping.Empty() {
		s.log.Debug("proposal carries housekeeping", "version", v, "ops", housekeeping.Len())
		tx.Append(housekeeping)
	}
	s.havePending = false

	data, err := tx.Encode()
	if err != nil {
		return fmt.Errorf("encode proposal v%d: %w", v, err)
	}
	s.log.Debug("proposing", "version", v, "ops", tx.Len(), "bytes", len(data))
	s.metrics.IncCounter("paxos_service_proposals_total", s.labels, 1)
	s.metrics.ObserveHistogram("paxos_service_proposal_bytes", s.labels, float64(len(data)))

	s.proposing = true
	s.paxos.ProposeNewValue(data, s.onCommitted)
	return nil
}

