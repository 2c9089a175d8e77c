package raftadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"replsvc/pkg/dberrors"

	"go.etcd.io/etcd/raft/v3/raftpb"
)

const (
	// RaftEndpoint is where peers accept raft messages.
	RaftEndpoint     = "/api/internal/raft"
	transportTimeout = 3 * time.Second
	sendAttempts     = 2
	sendBackoff      = 50 * time.Millisecond
)

// errUnreachable marks a peer that did not accept a message.
var errUnreachable = errors.New("raft peer unreachable")

// Transport delivers raft messages to peers as JSON over HTTP. Raft
// retransmits on its own, so a message is tried a couple of times and then
// dropped.
type Transport struct {
	mu     sync.RWMutex
	addrs  map[uint64]string
	client *http.Client
}

func NewTransport(peers map[uint64]string) *Transport {
	addrs := make(map[uint64]string, len(peers))
	for id, addr := range peers {
		addrs[id] = addr
	}
	return &Transport{
		addrs:  addrs,
		client: &http.Client{Timeout: transportTimeout},
	}
}

func (t *Transport) AddPeer(id uint64, addr string) {
	t.mu.Lock()
	t.addrs[id] = addr
	t.mu.Unlock()
}

func (t *Transport) UpdatePeer(id uint64, addr string) {
	t.AddPeer(id, addr)
}

func (t *Transport) RemovePeer(id uint64) {
	t.mu.Lock()
	delete(t.addrs, id)
	t.mu.Unlock()
}

func (t *Transport) addr(id uint64) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	addr, ok := t.addrs[id]
	return addr, ok
}

// Send posts msg to its destination. Delivery failures wrap errUnreachable.
func (t *Transport) Send(msg raftpb.Message) error {
	addr, ok := t.addr(msg.To)
	if !ok {
		return fmt.Errorf("%w: unknown raft peer %d", dberrors.ErrInvalidArgument, msg.To)
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msg.Type, err)
	}

	var lastErr error
	for attempt := 1; attempt <= sendAttempts; attempt++ {
		if lastErr = t.post(addr+RaftEndpoint, body); lastErr == nil {
			return nil
		}
		if attempt < sendAttempts {
			time.Sleep(sendBackoff)
		}
	}
	return fmt.Errorf("%w: %d at %s: %v", errUnreachable, msg.To, addr, lastErr)
}

func (t *Transport) post(url string, body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), transportTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}
