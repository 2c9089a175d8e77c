// Package raftadapter implements the consensus engine on top of etcd raft.
//
// The raft node runs on its own goroutine (ticks, Ready handling, message
// sending). Everything a replicated service can observe is handed over to
// the monitor event loop: committed values, leadership changes, and the
// continuations waiting for them.
package raftadapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"replsvc/pkg/clock"
	"replsvc/pkg/config"
	"replsvc/pkg/listener"
	"replsvc/pkg/types"
	"replsvc/pkg/waitq"

	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

const (
	proposeTimeout       = 5 * time.Second
	proposeRetryInterval = 200 * time.Millisecond
	appliedWindow        = 1024
)

type iTransport interface {
	Send(msg raftpb.Message) error
	AddPeer(id uint64, addr string)
	RemovePeer(id uint64)
	UpdatePeer(id uint64, addr string)
}

type iExecutor interface {
	Submit(task listener.Task)
}

// Hooks are the monitor callbacks. All of them run on the event loop.
type Hooks struct {
	// ApplyValue applies a committed value. An error stops the loop.
	ApplyValue       func(value []byte) error
	ElectionStarted  func()
	ElectionFinished func()
}

type Engine struct {
	ID uint64

	peersMu sync.RWMutex
	peers   map[uint64]string

	underlying   raft.Node
	jr           *raft.MemoryStorage
	tickInterval time.Duration
	transport    iTransport
	loop         iExecutor
	clock        clock.Clock
	hooks        Hooks

	ctx  context.Context
	stop context.CancelFunc

	// published for readers outside the loop
	lead      atomic.Uint64
	term      atomic.Uint64
	active    atomic.Bool
	committed *clock.AtomicClock

	// loop-owned
	lastCommitTime time.Time
	applied        *seenWindow
	inflight       *proposal
	queue          []*proposal
	readable       waitq.Queue
	writeable      waitq.Queue
	activeWaiters  waitq.Queue
}

// readyBatch is the part of a raft.Ready the loop consumes.
type readyBatch struct {
	hasLead bool
	lead    uint64
	term    uint64
	entries []raftpb.Entry
}

func NewEngine(cfg *config.RaftConfig, loop iExecutor, clk clock.Clock, hooks Hooks) (*Engine, error) {
	rc := toRaftConfig(cfg)
	storage := raft.NewMemoryStorage()
	rc.Storage = storage

	var (
		peers     = make(map[uint64]string, len(cfg.Peers))
		raftPeers = make([]raft.Peer, 0, len(cfg.Peers))
	)
	for _, p := range cfg.Peers {
		if _, ok := peers[p.ID]; ok {
			return nil, fmt.Errorf("duplicate peer ID %d", p.ID)
		}
		peers[p.ID] = p.Address
		raftPeers = append(raftPeers, raft.Peer{
			ID:      p.ID,
			Context: []byte(p.Address),
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		ID:           cfg.ID,
		peers:        peers,
		underlying:   raft.StartNode(rc, raftPeers),
		jr:           storage,
		tickInterval: tickInterval(cfg),
		transport:    NewTransport(peers),
		loop:         loop,
		clock:        clk,
		hooks:        hooks,
		committed:    clock.NewAtomic(0),
		applied:      newSeenWindow(appliedWindow),
		ctx:          ctx,
		stop:         cancel,
	}, nil
}

func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return e.ctx.Err()
		case <-ctx.Done():
			_ = e.Stop()
			return ctx.Err()
		case <-ticker.C:
			e.underlying.Tick()
		case rd := <-e.underlying.Ready():
			if err := e.handleReady(rd); err != nil {
				return err
			}
		}
	}
}

func (e *Engine) handleReady(rd raft.Ready) error {
	if !raft.IsEmptyHardState(rd.HardState) {
		if err := e.jr.SetHardState(rd.HardState); err != nil {
			return fmt.Errorf("set hard state: %w", err)
		}
	}
	if err := e.jr.Append(rd.Entries); err != nil {
		return fmt.Errorf("append entries: %w", err)
	}

	e.sendMessages(rd.Messages)

	batch := readyBatch{term: rd.HardState.Term}
	if rd.SoftState != nil {
		batch.hasLead = true
		batch.lead = rd.SoftState.Lead
	}
	for _, entry := range rd.CommittedEntries {
		switch entry.Type {
		case raftpb.EntryConfChange:
			var cc raftpb.ConfChange
			if err := cc.Unmarshal(entry.Data); err != nil {
				return fmt.Errorf("unmarshal conf change: %w", err)
			}
			e.underlying.ApplyConfChange(cc)
			e.updateTransport(cc)
		case raftpb.EntryNormal:
			batch.entries = append(batch.entries, entry)
		}
	}

	if batch.hasLead || batch.term != 0 || len(batch.entries) > 0 {
		e.loop.Submit(func() error {
			return e.onReady(batch)
		})
	}

	e.underlying.Advance()
	return nil
}

func (e *Engine) updateTransport(cc raftpb.ConfChange) {
	e.peersMu.Lock()
	defer e.peersMu.Unlock()

	switch cc.Type {
	case raftpb.ConfChangeAddNode:
		addr := string(cc.Context)
		e.peers[cc.NodeID] = addr
		e.transport.AddPeer(cc.NodeID, addr)
		slog.Info("added peer", "id", cc.NodeID, "addr", addr)

	case raftpb.ConfChangeRemoveNode:
		delete(e.peers, cc.NodeID)
		e.transport.RemovePeer(cc.NodeID)
		slog.Info("removed peer", "id", cc.NodeID)

	case raftpb.ConfChangeUpdateNode:
		addr := string(cc.Context)
		e.peers[cc.NodeID] = addr
		e.transport.UpdatePeer(cc.NodeID, addr)
		slog.Info("updated peer", "id", cc.NodeID, "addr", addr)
	}
}

func (e *Engine) sendMessages(msgs []raftpb.Message) {
	for _, msg := range msgs {
		if msg.To == e.ID {
			continue
		}

		go func(m raftpb.Message) {
			err := e.transport.Send(m)
			if err == nil {
				return
			}
			slog.Debug("failed to send raft message", "to", m.To, "type", m.Type, "error", err)
			if errors.Is(err, errUnreachable) {
				e.underlying.ReportUnreachable(m.To)
			}
			if m.Type == raftpb.MsgSnap {
				e.underlying.ReportSnapshot(m.To, raft.SnapshotFailure)
			}
		}(msg)
	}
}

// onReady runs on the loop.
func (e *Engine) onReady(b readyBatch) error {
	changed := false
	if b.hasLead && b.lead != e.lead.Load() {
		e.lead.Store(b.lead)
		changed = true
	}
	if b.term > e.term.Load() {
		e.term.Store(b.term)
		changed = true
	}
	if changed {
		e.deactivate()
	}

	for _, entry := range b.entries {
		if err := e.applyEntry(entry); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) deactivate() {
	e.inflight = nil
	e.queue = nil
	if !e.active.Swap(false) {
		return
	}
	slog.Info("election started", "id", e.ID, "term", e.term.Load(), "lead", e.lead.Load())
	if e.hooks.ElectionStarted != nil {
		e.hooks.ElectionStarted()
	}
}

func (e *Engine) activate() {
	e.active.Store(true)
	slog.Info("election finished", "id", e.ID, "term", e.term.Load(), "lead", e.lead.Load(), "leader", e.IsLeader())
	if e.hooks.ElectionFinished != nil {
		e.hooks.ElectionFinished()
	}
	e.activeWaiters.Finish()
	e.readable.Finish()
	e.writeable.Finish()
}

func (e *Engine) applyEntry(entry raftpb.Entry) error {
	if len(entry.Data) == 0 {
		// the empty entry a new leader appends; once applied, the term is
		// fully caught up
		if !e.active.Load() && entry.Term == e.term.Load() && e.lead.Load() != 0 {
			e.activate()
		}
		return nil
	}

	env, err := decodeEnvelope(entry.Data)
	if err != nil {
		return fmt.Errorf("entry %d: %w", entry.Index, err)
	}
	if !e.applied.add(env.ID) {
		slog.Warn("skipping duplicate proposal", "id", env.ID, "index", entry.Index)
		return nil
	}
	if e.hooks.ApplyValue != nil {
		if err := e.hooks.ApplyValue(env.Value); err != nil {
			return fmt.Errorf("apply entry %d: %w", entry.Index, err)
		}
	}
	e.committed.Next()
	e.lastCommitTime = e.clock.Now()

	if p := e.inflight; p != nil && p.env.ID == env.ID {
		e.inflight = nil
		if p.onCommit != nil {
			p.onCommit()
		}
		// onCommit may already have proposed again
		if e.inflight == nil {
			e.proposeNext()
		}
	}

	e.readable.Finish()
	e.writeable.Finish()
	return nil
}

func (e *Engine) IsLeader() bool {
	return e.lead.Load() == e.ID
}

func (e *Engine) IsActive() bool {
	return e.active.Load()
}

func (e *Engine) IsReadable(v types.Version) bool {
	return e.IsActive() && v <= e.committed.Val()
}

func (e *Engine) IsWriteable() bool {
	return e.IsActive() && e.IsLeader()
}

func (e *Engine) WaitForReadable(_ types.Version, c waitq.Continuation) {
	e.readable.Add(c)
}

func (e *Engine) WaitForWriteable(c waitq.Continuation) {
	e.writeable.Add(c)
}

func (e *Engine) WaitForActive(c waitq.Continuation) {
	e.activeWaiters.Add(c)
}

func (e *Engine) LastCommitTime() time.Time {
	return e.lastCommitTime
}

// Committed is the number of values committed since the engine started.
func (e *Engine) Committed() types.Version {
	return e.committed.Val()
}

// ProposeNewValue queues value behind any proposal still in flight.
func (e *Engine) ProposeNewValue(value []byte, onCommit waitq.Continuation) {
	p := &proposal{env: newEnvelope(value), onCommit: onCommit}
	e.queue = append(e.queue, p)
	if e.inflight == nil {
		e.proposeNext()
	}
}

func (e *Engine) proposeNext() {
	if len(e.queue) == 0 {
		return
	}
	p := e.queue[0]
	e.queue = e.queue[1:]
	e.inflight = p
	e.submit(p)
}

func (e *Engine) submit(p *proposal) {
	data, err := json.Marshal(p.env)
	if err != nil {
		// an envelope of bytes always marshals
		panic(fmt.Errorf("marshal envelope: %w", err))
	}

	go func() {
		ctx, cancel := context.WithTimeout(e.ctx, proposeTimeout)
		defer cancel()

		err := e.underlying.Propose(ctx, data)
		switch {
		case err == nil:
			return
		case e.ctx.Err() != nil:
			return
		case errors.Is(err, raft.ErrProposalDropped):
			slog.Warn("proposal dropped, retrying", "id", p.env.ID)
		default:
			slog.Error("propose failed, retrying", "id", p.env.ID, "error", err)
		}
		e.clock.AfterFunc(proposeRetryInterval, func() {
			e.loop.Submit(func() error {
				e.resubmit(p)
				return nil
			})
		})
	}()
}

// resubmit runs on the loop. A proposal replaced or dropped by an election
// in the meantime is not sent again.
func (e *Engine) resubmit(p *proposal) {
	if e.inflight != p || !e.IsWriteable() {
		return
	}
	e.submit(p)
}

// Handle steps a raft message received from a peer.
func (e *Engine) Handle(ctx context.Context, msg raftpb.Message) error {
	return e.underlying.Step(ctx, msg)
}

// LeaderAddr returns the address of the current leader, or "" when no leader
// is known.
func (e *Engine) LeaderAddr() string {
	lead := e.lead.Load()
	if lead == 0 {
		return ""
	}
	e.peersMu.RLock()
	defer e.peersMu.RUnlock()
	return e.peers[lead]
}

func (e *Engine) Peers() map[uint64]string {
	e.peersMu.RLock()
	defer e.peersMu.RUnlock()
	out := make(map[uint64]string, len(e.peers))
	for id, addr := range e.peers {
		out[id] = addr
	}
	return out
}

func (e *Engine) AddPeer(ctx context.Context, id uint64, addr string) error {
	return e.proposeConfChange(ctx, raftpb.ConfChangeAddNode, id, addr)
}

func (e *Engine) UpdatePeer(ctx context.Context, id uint64, addr string) error {
	return e.proposeConfChange(ctx, raftpb.ConfChangeUpdateNode, id, addr)
}

func (e *Engine) proposeConfChange(ctx context.Context, typ raftpb.ConfChangeType, id uint64, addr string) error {
	cc := raftpb.ConfChange{Type: typ, NodeID: id, Context: []byte(addr)}
	if err := e.underlying.ProposeConfChange(ctx, cc); err != nil {
		return fmt.Errorf("propose %s for %d: %w", typ, id, err)
	}
	return nil
}

type Status struct {
	ID        uint64        `json:"id"`
	Term      uint64        `json:"term"`
	Lead      uint64        `json:"lead"`
	Active    bool          `json:"active"`
	Committed types.Version `json:"committed"`
}

func (e *Engine) Status() Status {
	return Status{
		ID:        e.ID,
		Term:      e.term.Load(),
		Lead:      e.lead.Load(),
		Active:    e.active.Load(),
		Committed: e.committed.Val(),
	}
}

func (e *Engine) Stop() error {
	slog.Info("stopping raft node", "id", e.ID)
	e.underlying.Stop()
	e.stop()
	slog.Info("raft node stopped", "id", e.ID)
	return nil
}
