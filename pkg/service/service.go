// Package service implements a replicated service: a private, versioned,
// linearizable history layered on top of a consensus engine shared with
// other services.
//
// Every exported method must be called from the monitor event loop. The
// engine, the proposal timer and the commit path invoke the service there
// too, so no method ever runs concurrently with another on the same
// Service.
package service

import (
	"fmt"
	"log/slog"

	"replsvc/pkg/clock"
	"replsvc/pkg/config"
	"replsvc/pkg/consensus"
	"replsvc/pkg/dberrors"
	"replsvc/pkg/kvstore"
	"replsvc/pkg/metrics"
	"replsvc/pkg/types"
	"replsvc/pkg/waitq"
)

const (
	keyFirstCommitted  = "first_committed"
	keyLastCommitted   = "last_committed"
	keyConversionFirst = "conversion_first"
	prefixFull         = "full"
	keyLatest          = "latest"
)

// Forwarder sends a request to the current leader.
type Forwarder interface {
	ForwardRequestLeader(req *Request)
}

type Service struct {
	name    string
	cfg     config.PaxosConfig
	paxos   consensus.Engine
	fwd     Forwarder
	store   kvstore.Store
	clock   clock.Clock
	handler Handler
	log     *slog.Logger
	metrics metrics.Collector
	labels  map[string]string

	havePending   bool
	proposing     bool
	stopped       bool
	proposalTimer clock.Timer

	waitingForFinishedProposal waitq.Queue

	firstCommitted types.Version
	lastCommitted  types.Version
	latestFull     types.Version
	trimTo         types.Version
	// trimWant is the trim point asked for before clamping to latestFull
	trimWant types.Version
	// applied is the version the handler's committed state reflects
	applied types.Version
}

func New(
	cfg config.PaxosConfig,
	engine consensus.Engine,
	fwd Forwarder,
	store kvstore.Store,
	clk clock.Clock,
	h Handler,
) *Service {
	s := &Service{
		name:    h.Name(),
		cfg:     cfg,
		paxos:   engine,
		fwd:     fwd,
		store:   store,
		clock:   clk,
		handler: h,
		log:     slog.Default().With("service", h.Name()),
		metrics: metrics.Nop{},
		labels:  map[string]string{"service": h.Name()},
	}
	h.Attach(s)
	return s
}

func (s *Service) Name() string {
	return s.name
}

// SetMetrics replaces the collector; the default discards everything.
func (s *Service) SetMetrics(c metrics.Collector) {
	s.metrics = c
}

func (s *Service) FirstCommitted() types.Version {
	return s.firstCommitted
}

func (s *Service) LastCommitted() types.Version {
	return s.lastCommitted
}

func (s *Service) TrimTo() types.Version {
	return s.trimTo
}

func (s *Service) SetTrimTo(v types.Version) {
	s.trimTo = v
}

func (s *Service) IsProposing() bool {
	return s.proposing
}

func (s *Service) HavePending() bool {
	return s.havePending
}

func (s *Service) IsActive() bool {
	return !s.proposing && s.paxos.IsActive()
}

func (s *Service) IsLeader() bool {
	return s.paxos.IsLeader()
}

// IsReadable reports whether state at least as new as ver can be served.
func (s *Service) IsReadable(ver types.Version) bool {
	return ver <= s.lastCommitted && s.lastCommitted != 0 && s.paxos.IsReadable(0)
}

func (s *Service) IsWriteable() bool {
	return !s.proposing && s.havePending && s.paxos.IsWriteable()
}

func (s *Service) WaitForReadable(c waitq.Continuation) {
	s.paxos.WaitForReadable(0, c)
}

func (s *Service) WaitForWriteable(c waitq.Continuation) {
	if s.proposing {
		s.WaitForFinishedProposal(c)
		return
	}
	s.paxos.WaitForWriteable(c)
}

func (s *Service) WaitForActive(c waitq.Continuation) {
	if s.proposing {
		s.WaitForFinishedProposal(c)
		return
	}
	s.paxos.WaitForActive(c)
}

// WaitForFinishedProposal runs c the next time this service activates after
// a commit. It is dropped if leadership changes first.
func (s *Service) WaitForFinishedProposal(c waitq.Continuation) {
	s.waitingForFinishedProposal.Add(c)
}

// Refresh pulls the committed cursors from the store and brings the
// handler's state up to last_committed. It does nothing when already
// current.
func (s *Service) Refresh() error {
	first, err := kvstore.GetUint(s.store, s.name, keyFirstCommitted)
	if err != nil {
		return fmt.Errorf("read first_committed: %w", err)
	}
	last, err := kvstore.GetUint(s.store, s.name, keyLastCommitted)
	if err != nil {
		return fmt.Errorf("read last_committed: %w", err)
	}
	latestFull, err := s.GetLatestFull()
	if err != nil {
		return err
	}
	s.firstCommitted = types.Version(first)
	s.lastCommitted = types.Version(last)
	s.latestFull = latestFull
	s.metrics.SetGauge("paxos_service_first_committed", s.labels, float64(first))
	s.metrics.SetGauge("paxos_service_last_committed", s.labels, float64(last))

	if s.applied >= s.lastCommitted {
		return nil
	}

	if s.latestFull > s.applied {
		data, err := s.GetVersionFull(s.latestFull)
		if err != nil {
			return err
		}
		if err := s.handler.LoadFull(s.latestFull, data); err != nil {
			return fmt.Errorf("load full v%d: %w", s.latestFull, err)
		}
		s.log.Debug("loaded full stash", "version", s.latestFull)
		s.applied = s.latestFull
	}

	from := max(s.applied+1, s.firstCommitted)
	for v := from; v <= s.lastCommitted; v++ {
		data, err := s.GetVersion(v)
		if err != nil {
			return err
		}
		if err := s.handler.ApplyDelta(v, data); err != nil {
			return fmt.Errorf("apply delta v%d: %w", v, err)
		}
		s.applied = v
	}
	return nil
}

func (s *Service) PutVersion(tx *kvstore.Transaction, v types.Version, data []byte) {
	tx.Put(s.name, kvstore.VersionKey(v), data)
}

func (s *Service) GetVersion(v types.Version) ([]byte, error) {
	data, err := s.store.Get(s.name, kvstore.VersionKey(v))
	if err != nil {
		return nil, fmt.Errorf("read v%d: %w", v, err)
	}
	return data, nil
}

func (s *Service) PutVersionFull(tx *kvstore.Transaction, v types.Version, data []byte) {
	tx.Put(s.name, kvstore.CombineStrings(prefixFull, kvstore.VersionKey(v)), data)
}

func (s *Service) PutVersionLatestFull(tx *kvstore.Transaction, v types.Version) {
	tx.PutUint(s.name, kvstore.CombineStrings(prefixFull, keyLatest), uint64(v))
}

func (s *Service) GetVersionFull(v types.Version) ([]byte, error) {
	data, err := s.store.Get(s.name, kvstore.CombineStrings(prefixFull, kvstore.VersionKey(v)))
	if err != nil {
		return nil, fmt.Errorf("read full v%d: %w", v, err)
	}
	return data, nil
}

func (s *Service) GetLatestFull() (types.Version, error) {
	v, err := kvstore.GetUint(s.store, s.name, kvstore.CombineStrings(prefixFull, keyLatest))
	if err != nil {
		return 0, fmt.Errorf("read full/latest: %w", err)
	}
	return types.Version(v), nil
}

// Stats is a point-in-time view of a service.
type Stats struct {
	Name               string        `json:"name"`
	FirstCommitted     types.Version `json:"first_committed"`
	LastCommitted      types.Version `json:"last_committed"`
	LatestFull         types.Version `json:"latest_full"`
	Leader             bool          `json:"leader"`
	Active             bool          `json:"active"`
	Proposing          bool          `json:"proposing"`
	HavePending        bool          `json:"have_pending"`
	TimerArmed         bool          `json:"timer_armed"`
	WaitingForProposal int           `json:"waiting_for_proposal"`
}

func (s *Service) Stats() Stats {
	return Stats{
		Name:               s.name,
		FirstCommitted:     s.firstCommitted,
		LastCommitted:      s.lastCommitted,
		LatestFull:         s.latestFull,
		Leader:             s.paxos.IsLeader(),
		Active:             s.IsActive(),
		Proposing:          s.proposing,
		HavePending:        s.havePending,
		TimerArmed:         s.proposalTimer != nil,
		WaitingForProposal: s.waitingForFinishedProposal.Len(),
	}
}

// assert panics when an invariant of the proposal pipeline is broken.
func (s *Service) assert(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Errorf("%w: %s: %s", dberrors.ErrInvariantViolation, s.name, fmt.Sprintf(format, args...)))
	}
}
