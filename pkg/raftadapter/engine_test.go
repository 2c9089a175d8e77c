package raftadapter

import (
	"context"
	"sync"
	"testing"
	"time"

	"replsvc/pkg/clock"
	"replsvc/pkg/config"
	"replsvc/pkg/listener"

	"go.etcd.io/etcd/raft/v3/raftpb"
)

// mockTransport records peer changes and drops messages.
type mockTransport struct {
	mu       sync.Mutex
	addCalls []struct {
		id   uint64
		addr string
	}
	removeCalls []uint64
	updateCalls []struct {
		id   uint64
		addr string
	}
}

func (m *mockTransport) Send(raftpb.Message) error { return nil }

func (m *mockTransport) AddPeer(id uint64, addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addCalls = append(m.addCalls, struct {
		id   uint64
		addr string
	}{id: id, addr: addr})
}

func (m *mockTransport) RemovePeer(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeCalls = append(m.removeCalls, id)
}

func (m *mockTransport) UpdatePeer(id uint64, addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateCalls = append(m.updateCalls, struct {
		id   uint64
		addr string
	}{id: id, addr: addr})
}

// inprocTransport routes raft messages between engines in memory.
type inprocTransport struct {
	mu      sync.RWMutex
	engines map[uint64]*Engine
}

func newInprocTransport() *inprocTransport {
	return &inprocTransport{engines: make(map[uint64]*Engine)}
}

func (t *inprocTransport) Send(msg raftpb.Message) error {
	t.mu.RLock()
	target, ok := t.engines[msg.To]
	t.mu.RUnlock()
	if !ok {
		return nil
	}
	go func() {
		_ = target.Handle(context.Background(), msg)
	}()
	return nil
}

func (t *inprocTransport) AddPeer(uint64, string)    {}
func (t *inprocTransport) RemovePeer(uint64)         {}
func (t *inprocTransport) UpdatePeer(uint64, string) {}

// recorder collects hook calls; it is only touched from its engine's loop
// and read through loop.Call.
type recorder struct {
	values    []string
	started   int
	finished  int
	committed []string
}

type testNode struct {
	engine *Engine
	loop   *listener.Loop
	rec    *recorder
}

func raftConfig(id uint64, peers ...uint64) *config.RaftConfig {
	cfg := &config.RaftConfig{
		ID:                        id,
		ElectionTick:              10,
		HeartbeatTick:             1,
		MaxSizePerMsg:             1024 * 1024,
		MaxCommittedSizePerReady:  4 * 1024 * 1024,
		MaxUncommittedEntriesSize: 1 << 30,
		MaxInflightMsgs:           256,
		TickInterval:              10 * time.Millisecond,
	}
	for _, p := range peers {
		cfg.Peers = append(cfg.Peers, config.RaftPeerConfig{ID: p, Address: "n" + string(rune('0'+p))})
	}
	return cfg
}

func startNode(t *testing.T, ctx context.Context, cfg *config.RaftConfig, transport iTransport) *testNode {
	t.Helper()
	loop := listener.NewLoop()
	loop.Start(ctx)

	rec := &recorder{}
	clk := clock.OnLoop(clock.Real{}, loop.Go)
	e, err := NewEngine(cfg, loop, clk, Hooks{
		ApplyValue: func(value []byte) error {
			rec.values = append(rec.values, string(value))
			return nil
		},
		ElectionStarted:  func() { rec.started++ },
		ElectionFinished: func() { rec.finished++ },
	})
	if err != nil {
		t.Fatalf("new engine %d: %v", cfg.ID, err)
	}
	if transport != nil {
		e.transport = transport
	}
	go func() { _ = e.Run(ctx) }()
	t.Cleanup(func() {
		_ = e.Stop()
		loop.Stop()
	})
	return &testNode{engine: e, loop: loop, rec: rec}
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("%s not reached within %s", what, timeout)
}

// propose submits values from the loop and waits for all of them to commit.
func (n *testNode) propose(t *testing.T, values ...string) {
	t.Helper()
	done := make(chan struct{}, len(values))
	err := n.loop.Call(context.Background(), func() error {
		for _, v := range values {
			v := v
			n.engine.ProposeNewValue([]byte(v), func() {
				n.rec.committed = append(n.rec.committed, v)
				done <- struct{}{}
			})
		}
		return nil
	})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	for range values {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatalf("proposal did not commit")
		}
	}
}

func (n *testNode) snapshot(t *testing.T) recorder {
	t.Helper()
	var out recorder
	err := n.loop.Call(context.Background(), func() error {
		out = recorder{
			values:    append([]string(nil), n.rec.values...),
			started:   n.rec.started,
			finished:  n.rec.finished,
			committed: append([]string(nil), n.rec.committed...),
		}
		return nil
	})
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	return out
}

func TestEngine_SingleNodeActivatesAndCommitsInOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n := startNode(t, ctx, raftConfig(1, 1), &mockTransport{})
	waitFor(t, 5*time.Second, "activation", n.engine.IsActive)

	if !n.engine.IsLeader() {
		t.Fatalf("single node should lead")
	}
	if got := n.snapshot(t).finished; got != 1 {
		t.Fatalf("expected ElectionFinished once, got %d", got)
	}

	n.propose(t, "a", "b", "c")

	rec := n.snapshot(t)
	if len(rec.values) != 3 || rec.values[0] != "a" || rec.values[1] != "b" || rec.values[2] != "c" {
		t.Fatalf("unexpected applied values %v", rec.values)
	}
	if len(rec.committed) != 3 || rec.committed[2] != "c" {
		t.Fatalf("unexpected commit order %v", rec.committed)
	}
	if n.engine.Committed() != 3 {
		t.Fatalf("expected 3 committed values, got %d", n.engine.Committed())
	}
	if !n.engine.IsReadable(3) || n.engine.IsReadable(4) {
		t.Fatalf("readability should follow the commit count")
	}
	if n.engine.LastCommitTime().IsZero() {
		t.Fatalf("commit time not recorded")
	}
}

func TestEngine_WakesWaitersOnActivation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loop := listener.NewLoop()
	loop.Start(ctx)
	defer loop.Stop()

	e, err := NewEngine(raftConfig(1, 1), loop, clock.Real{}, Hooks{})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	e.transport = &mockTransport{}

	woke := make(chan string, 3)
	err = loop.Call(ctx, func() error {
		e.WaitForActive(func() { woke <- "active" })
		e.WaitForReadable(0, func() { woke <- "readable" })
		e.WaitForWriteable(func() { woke <- "writeable" })
		return nil
	})
	if err != nil {
		t.Fatalf("register waiters: %v", err)
	}

	go func() { _ = e.Run(ctx) }()
	defer e.Stop()

	for _, want := range []string{"active", "readable", "writeable"} {
		select {
		case got := <-woke:
			if got != want {
				t.Fatalf("expected %s, got %s", want, got)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("waiter %s not woken", want)
		}
	}
}

func TestEngine_UpdateTransport(t *testing.T) {
	loop := listener.NewLoop()
	e, err := NewEngine(raftConfig(1, 1), loop, clock.Real{}, Hooks{})
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	defer e.Stop()

	mt := &mockTransport{}
	e.transport = mt

	e.updateTransport(raftpb.ConfChange{Type: raftpb.ConfChangeAddNode, NodeID: 2, Context: []byte("http://127.0.0.1:8081")})
	if len(mt.addCalls) != 1 || mt.addCalls[0].id != 2 || mt.addCalls[0].addr != "http://127.0.0.1:8081" {
		t.Fatalf("unexpected add calls: %#v", mt.addCalls)
	}
	if addr := e.Peers()[2]; addr != "http://127.0.0.1:8081" {
		t.Fatalf("peer not added, got %q", addr)
	}

	e.updateTransport(raftpb.ConfChange{Type: raftpb.ConfChangeUpdateNode, NodeID: 2, Context: []byte("http://127.0.0.1:9000")})
	if len(mt.updateCalls) != 1 || mt.updateCalls[0].addr != "http://127.0.0.1:9000" {
		t.Fatalf("unexpected update calls: %#v", mt.updateCalls)
	}
	if addr := e.Peers()[2]; addr != "http://127.0.0.1:9000" {
		t.Fatalf("peer not updated, got %q", addr)
	}

	e.updateTransport(raftpb.ConfChange{Type: raftpb.ConfChangeRemoveNode, NodeID: 2})
	if len(mt.removeCalls) != 1 || mt.removeCalls[0] != 2 {
		t.Fatalf("unexpected remove calls: %#v", mt.removeCalls)
	}
	if _, ok := e.Peers()[2]; ok {
		t.Fatalf("peer still present after removal")
	}
}

func TestEngine_ReplicatesToThreeNodes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := newInprocTransport()
	nodes := make([]*testNode, 3)
	for i := range nodes {
		nodes[i] = startNode(t, ctx, raftConfig(uint64(i+1), 1, 2, 3), transport)
	}
	transport.mu.Lock()
	for _, n := range nodes {
		transport.engines[n.engine.ID] = n.engine
	}
	transport.mu.Unlock()

	var leader *testNode
	waitFor(t, 10*time.Second, "an active leader", func() bool {
		for _, n := range nodes {
			if n.engine.IsLeader() && n.engine.IsActive() {
				leader = n
				return true
			}
		}
		return false
	})

	leader.propose(t, "k=v")

	waitFor(t, 5*time.Second, "replication to every node", func() bool {
		for _, n := range nodes {
			vals := n.snapshot(t).values
			if len(vals) != 1 || vals[0] != "k=v" {
				return false
			}
		}
		return true
	})

	for _, n := range nodes {
		if n == leader {
			continue
		}
		if n.engine.IsWriteable() {
			t.Fatalf("follower %d must not be writeable", n.engine.ID)
		}
		if n.engine.LeaderAddr() != leader.engine.Peers()[leader.engine.ID] {
			t.Fatalf("follower %d reports leader %q", n.engine.ID, n.engine.LeaderAddr())
		}
	}
}
