// Package monitor hosts the replicated services of one node: it owns the
// event loop, the consensus engine, the store, and the service registry.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"replsvc/pkg/clock"
	"replsvc/pkg/config"
	"replsvc/pkg/consensus"
	"replsvc/pkg/dberrors"
	"replsvc/pkg/kvstore"
	"replsvc/pkg/listener"
	"replsvc/pkg/metrics"
	"replsvc/pkg/raftadapter"
	"replsvc/pkg/service"

	"go.etcd.io/etcd/raft/v3/raftpb"
)

type iEngine interface {
	consensus.Engine

	Run(ctx context.Context) error
	Stop() error
	Handle(ctx context.Context, msg raftpb.Message) error
	LeaderAddr() string
	Peers() map[uint64]string
	AddPeer(ctx context.Context, id uint64, addr string) error
	UpdatePeer(ctx context.Context, id uint64, addr string) error
	Status() raftadapter.Status
}

type Monitor struct {
	cfg     config.Config
	loop    *listener.Loop
	clock   clock.Clock
	store   kvstore.Store
	engine  iEngine
	client  *http.Client
	self    string
	metrics *metrics.Registry

	// registered before Start, read-only afterwards
	services map[string]*service.Service
	order    []*service.Service
}

func New(cfg config.Config, store kvstore.Store) (*Monitor, error) {
	m := newMonitor(cfg, store, listener.NewLoop())
	engine, err := raftadapter.NewEngine(&cfg.Raft, m.loop, m.clock, m.hooks())
	if err != nil {
		return nil, fmt.Errorf("create consensus engine: %w", err)
	}
	m.engine = engine
	return m, nil
}

func newMonitor(cfg config.Config, store kvstore.Store, loop *listener.Loop) *Monitor {
	m := &Monitor{
		cfg:      cfg,
		loop:     loop,
		store:    store,
		client:   &http.Client{Timeout: cfg.Server.RequestTimeout},
		metrics:  metrics.NewRegistry(),
		services: make(map[string]*service.Service),
	}
	m.clock = clock.OnLoop(clock.Real{}, loop.Go)
	for _, p := range cfg.Raft.Peers {
		if p.ID == cfg.Raft.ID {
			m.self = p.Address
		}
	}
	return m
}

func (m *Monitor) hooks() raftadapter.Hooks {
	return raftadapter.Hooks{
		ApplyValue:       m.applyValue,
		ElectionStarted:  m.electionStarted,
		ElectionFinished: m.electionFinished,
	}
}

// Register creates the service driven by h. It must be called before Start.
func (m *Monitor) Register(h service.Handler) *service.Service {
	svc := service.New(m.cfg.Paxos, m.engine, m, m.store, m.clock, h)
	if _, ok := m.services[svc.Name()]; ok {
		panic(fmt.Errorf("%w: service %q registered twice", dberrors.ErrInvalidArgument, svc.Name()))
	}
	svc.SetMetrics(m.metrics)
	m.services[svc.Name()] = svc
	m.order = append(m.order, svc)
	return svc
}

func (m *Monitor) Start(ctx context.Context) {
	m.loop.Start(ctx)
	// committed state from a previous run is readable before any election
	m.loop.Go(func() {
		for _, svc := range m.order {
			if err := svc.Refresh(); err != nil {
				slog.Error("load service state", "service", svc.Name(), "error", err)
			}
		}
	})
	go func() {
		if err := m.engine.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("consensus engine stopped", "error", err)
		}
	}()
	slog.Info("monitor started", "id", m.cfg.Raft.ID, "services", len(m.order))
}

// Close stops the services, the engine, the loop, and the store.
func (m *Monitor) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Server.RequestTimeout)
	defer cancel()
	err := m.loop.Call(ctx, func() error {
		for _, svc := range m.order {
			svc.Shutdown()
		}
		return nil
	})
	if err != nil {
		slog.Warn("shutdown services", "error", err)
	}

	_ = m.engine.Stop()
	m.loop.Stop()
	if err := m.store.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	slog.Info("monitor stopped", "id", m.cfg.Raft.ID)
	return nil
}

func (m *Monitor) Metrics() *metrics.Registry {
	return m.metrics
}

func (m *Monitor) IsLeader() bool {
	return m.engine.IsLeader()
}

func (m *Monitor) LeaderAddr() string {
	return m.engine.LeaderAddr()
}

// Submit dispatches req on the loop and waits for its reply.
func (m *Monitor) Submit(ctx context.Context, req *service.Request) (service.Reply, error) {
	if _, ok := m.services[req.Service]; !ok {
		return service.Reply{}, fmt.Errorf("%w: %q", dberrors.ErrUnknownService, req.Service)
	}

	m.metrics.IncCounter("monitor_requests_total", map[string]string{"service": req.Service, "op": req.Op}, 1)
	replyCh := make(chan service.Reply, 1)
	req.OnReply(func(rep service.Reply) {
		replyCh <- rep
	})
	m.loop.Go(func() {
		m.dispatch(req)
	})

	select {
	case rep := <-replyCh:
		return rep, nil
	case <-ctx.Done():
		return service.Reply{}, ctx.Err()
	}
}

// dispatch runs on the loop.
func (m *Monitor) dispatch(req *service.Request) {
	svc, ok := m.services[req.Service]
	if !ok {
		req.Fail(fmt.Errorf("%w: %q", dberrors.ErrUnknownService, req.Service))
		return
	}
	if err := svc.Dispatch(req); err != nil {
		slog.Error("dispatch failed", "service", req.Service, "op", req.Op, "req", req.ID, "error", err)
		req.Fail(err)
	}
}

// HandleRaft steps a message received from a peer.
func (m *Monitor) HandleRaft(ctx context.Context, msg raftpb.Message) error {
	return m.engine.Handle(ctx, msg)
}

// Status is a point-in-time view of the node.
type Status struct {
	Engine   raftadapter.Status `json:"engine"`
	Leader   string             `json:"leader"`
	Services []service.Stats    `json:"services"`
}

func (m *Monitor) Status(ctx context.Context) (Status, error) {
	var st Status
	err := m.loop.Call(ctx, func() error {
		st.Engine = m.engine.Status()
		st.Leader = m.engine.LeaderAddr()
		for _, svc := range m.order {
			st.Services = append(st.Services, svc.Stats())
		}
		return nil
	})
	if err != nil {
		return Status{}, fmt.Errorf("collect status: %w", err)
	}
	return st, nil
}

func (m *Monitor) applyValue(value []byte) error {
	tx, err := kvstore.DecodeTransaction(value)
	if err != nil {
		return fmt.Errorf("decode committed transaction: %w", err)
	}
	if err := m.store.Apply(tx); err != nil {
		return fmt.Errorf("apply committed transaction: %w", err)
	}
	for _, svc := range m.order {
		if err := svc.Refresh(); err != nil {
			return fmt.Errorf("refresh %s: %w", svc.Name(), err)
		}
	}
	return nil
}

func (m *Monitor) electionStarted() {
	for _, svc := range m.order {
		svc.Restart()
	}
}

func (m *Monitor) electionFinished() {
	for _, svc := range m.order {
		svc.ElectionFinished()
	}
}
