package service

import (
	"fmt"
)

// onCommitted runs once the service's proposal has been committed and
// applied to the store.
func (s *Service) onCommitted() {
	if s.stopped {
		return
	}
	s.proposing = false
	s.active()
}

// active brings the service up to date after a commit or an election. It
// may run more than once for the same version.
func (s *Service) active() {
	if s.stopped {
		return
	}
	if !s.IsActive() {
		s.log.Debug("not active, waiting")
		s.WaitForActive(s.active)
		return
	}

	s.must(s.Refresh(), "refresh")
	s.must(s.Scrub(), "scrub")

	if s.paxos.IsLeader() && s.IsActive() {
		if !s.havePending {
			s.handler.CreatePending()
			s.havePending = true
		}
		if s.lastCommitted == 0 {
			s.log.Info("creating initial state")
			s.handler.CreateInitial()
			s.must(s.ProposePending(), "propose initial state")
			return
		}
	}

	s.waitingForFinishedProposal.Finish()
	if s.IsActive() {
		s.handler.OnActive()
	}
}

// Restart is called when an election starts.
func (s *Service) Restart() {
	if s.stopped {
		return
	}
	s.log.Debug("restart")
	s.cancelProposalTimer()
	s.waitingForFinishedProposal.Clear()
	s.handler.OnRestart()
}

// ElectionFinished drops anything staged under the previous leadership and
// reactivates the service from committed state.
func (s *Service) ElectionFinished() {
	if s.stopped {
		return
	}
	s.log.Debug("election finished", "leader", s.paxos.IsLeader())
	s.cancelProposalTimer()
	if s.havePending {
		if d, ok := s.handler.(PendingDiscarder); ok {
			d.DiscardPending()
		}
		s.havePending = false
	}
	s.proposing = false
	s.waitingForFinishedProposal.Clear()

	if s.IsActive() {
		s.active()
	} else {
		s.WaitForActive(s.active)
	}
}

// Shutdown stops the service. Callbacks arriving afterwards are ignored.
func (s *Service) Shutdown() {
	if s.stopped {
		return
	}
	s.cancelProposalTimer()
	s.waitingForFinishedProposal.Clear()
	s.handler.OnShutdown()
	s.stopped = true
}

// must stops the loop on store failures during activation; the service
// cannot continue from state it failed to read.
func (s *Service) must(err error, what string) {
	if err != nil {
		panic(fmt.Errorf("%s: %s: %w", s.name, what, err))
	}
}
