package cluster

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-zookeeper/zk"
)

// fakeConn is an in-memory znode tree.
type fakeConn struct {
	mu       sync.Mutex
	nodes    map[string][]byte
	ephemera map[string]bool
	watches  []chan zk.Event
}

func newFakeConn() *fakeConn {
	return &fakeConn{nodes: make(map[string][]byte), ephemera: make(map[string]bool)}
}

func (c *fakeConn) State() zk.State { return zk.StateHasSession }

func (c *fakeConn) Exists(p string) (bool, *zk.Stat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.nodes[p]
	return ok, &zk.Stat{}, nil
}

func (c *fakeConn) Create(p string, data []byte, flags int32, _ []zk.ACL) (string, error) {
	c.mu.Lock()
	if _, ok := c.nodes[p]; ok {
		c.mu.Unlock()
		return "", zk.ErrNodeExists
	}
	c.nodes[p] = data
	c.ephemera[p] = flags&zk.FlagEphemeral != 0
	watches := c.watches
	c.watches = nil
	c.mu.Unlock()

	for _, w := range watches {
		w <- zk.Event{Type: zk.EventNodeChildrenChanged, Path: p}
	}
	return p, nil
}

func (c *fakeConn) Get(p string) ([]byte, *zk.Stat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.nodes[p]
	if !ok {
		return nil, nil, zk.ErrNoNode
	}
	return data, &zk.Stat{}, nil
}

func (c *fakeConn) Children(p string) ([]string, *zk.Stat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for node := range c.nodes {
		if parent, name, ok := cut(node); ok && parent == p {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, &zk.Stat{}, nil
}

func (c *fakeConn) ChildrenW(p string) ([]string, *zk.Stat, <-chan zk.Event, error) {
	children, stat, err := c.Children(p)
	ch := make(chan zk.Event, 1)
	c.mu.Lock()
	c.watches = append(c.watches, ch)
	c.mu.Unlock()
	return children, stat, ch, err
}

func (c *fakeConn) Close() {}

func cut(p string) (string, string, bool) {
	i := strings.LastIndex(p, "/")
	if i <= 0 {
		return "", "", false
	}
	return p[:i], p[i+1:], true
}

func TestZKMembership_RegisterAndPeers(t *testing.T) {
	conn := newFakeConn()
	a := newMembership(conn, "/replsvc", 1, "http://10.0.0.1:8080")
	b := newMembership(conn, "/replsvc", 2, "http://10.0.0.2:8080")

	for _, m := range []*ZKMembership{a, b} {
		if err := m.RegisterSelf(); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	// registering again is harmless
	if err := a.RegisterSelf(); err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if !conn.ephemera["/replsvc/monitors/1"] {
		t.Fatalf("monitor node must be ephemeral")
	}

	peers, err := a.Peers()
	if err != nil {
		t.Fatalf("peers: %v", err)
	}
	if len(peers) != 2 || peers[1] != "http://10.0.0.1:8080" || peers[2] != "http://10.0.0.2:8080" {
		t.Fatalf("unexpected peers %v", peers)
	}
}

func TestZKMembership_IgnoresMalformedNodes(t *testing.T) {
	conn := newFakeConn()
	m := newMembership(conn, "/replsvc", 1, "http://10.0.0.1:8080")
	if err := m.RegisterSelf(); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := conn.Create("/replsvc/monitors/garbage", nil, 0, nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	peers, err := m.Peers()
	if err != nil {
		t.Fatalf("peers: %v", err)
	}
	if len(peers) != 1 {
		t.Fatalf("expected only the valid monitor, got %v", peers)
	}
}

func TestZKMembership_WatchReportsChanges(t *testing.T) {
	conn := newFakeConn()
	a := newMembership(conn, "/replsvc", 1, "http://10.0.0.1:8080")
	if err := a.RegisterSelf(); err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := make(chan map[uint64]string, 4)
	a.Watch(ctx, func(peers map[uint64]string) {
		updates <- peers
	})

	next := func() map[uint64]string {
		select {
		case p := <-updates:
			return p
		case <-time.After(2 * time.Second):
			t.Fatalf("no watch update")
			return nil
		}
	}

	if first := next(); len(first) != 1 {
		t.Fatalf("expected initial view of 1 monitor, got %v", first)
	}

	b := newMembership(conn, "/replsvc", 2, "http://10.0.0.2:8080")
	if err := b.RegisterSelf(); err != nil {
		t.Fatalf("register: %v", err)
	}
	if second := next(); len(second) != 2 {
		t.Fatalf("expected 2 monitors after join, got %v", second)
	}
}
