package service

import (
	"fmt"

	"replsvc/pkg/dberrors"
)

// Dispatch runs req through the gating pipeline. The request is always
// consumed: answered, forwarded, queued for a retry or staged into the
// pending state. A returned error means the store failed underneath.
func (s *Service) Dispatch(req *Request) error {
	if s.stopped {
		req.Fail(dberrors.ErrClosed)
		return nil
	}

	if !s.IsReadable(req.Version) {
		s.log.Debug("waiting for readable", "req", req.ID, "version", req.Version)
		s.WaitForReadable(s.retry(req))
		return nil
	}

	if err := s.Refresh(); err != nil {
		return fmt.Errorf("refresh %s: %w", s.name, err)
	}

	handled, err := s.handler.PreprocessQuery(req)
	if err != nil {
		return fmt.Errorf("preprocess %s/%s: %w", s.name, req.Op, err)
	}
	if handled {
		return nil
	}

	if !s.paxos.IsLeader() {
		s.fwd.ForwardRequestLeader(req)
		return nil
	}

	if !s.IsWriteable() {
		s.log.Debug("waiting for writeable", "req", req.ID)
		s.WaitForWriteable(s.retry(req))
		return nil
	}

	staged, err := s.handler.PrepareUpdate(req)
	if err != nil {
		return fmt.Errorf("prepare %s/%s: %w", s.name, req.Op, err)
	}
	if !staged {
		return nil
	}

	delay, ok := s.shouldPropose()
	if !ok {
		s.log.Debug("not proposing")
		return nil
	}
	if delay == 0 {
		return s.ProposePending()
	}
	if s.proposalTimer != nil {
		s.log.Debug("propose timer already set")
		return nil
	}
	s.armProposalTimer(delay)
	return nil
}

// retry re-enters the pipeline from the top with the request unchanged.
func (s *Service) retry(req *Request) func() {
	return func() {
		if s.stopped {
			req.Fail(dberrors.ErrClosed)
			return
		}
		if err := s.Dispatch(req); err != nil {
			s.log.Error("retried dispatch failed", "req", req.ID, "error", err)
			req.Fail(err)
		}
	}
}
