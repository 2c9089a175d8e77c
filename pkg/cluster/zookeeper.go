// Package cluster discovers the monitors of a cluster through ZooKeeper.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
)

const (
	sessionTimeout = 5 * time.Second
	connectTimeout = 10 * time.Second
	watchBackoff   = 2 * time.Second
	monitorsDir    = "monitors"
)

type iConn interface {
	State() zk.State
	Exists(path string) (bool, *zk.Stat, error)
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	Get(path string) ([]byte, *zk.Stat, error)
	Children(path string) ([]string, *zk.Stat, error)
	ChildrenW(path string) ([]string, *zk.Stat, <-chan zk.Event, error)
	Close()
}

// ZKMembership registers this monitor under <root>/monitors/<id> as an
// ephemeral node holding its raft address.
type ZKMembership struct {
	conn     iConn
	rootPath string
	id       uint64
	addr     string
}

// servers: ["zk1:2181", "zk2:2181"]
func NewZKMembership(servers []string, rootPath string, id uint64, addr string) (*ZKMembership, error) {
	conn, _, err := zk.Connect(servers, sessionTimeout)
	if err != nil {
		return nil, fmt.Errorf("zk connect: %w", err)
	}
	return newMembership(conn, rootPath, id, addr), nil
}

func newMembership(conn iConn, rootPath string, id uint64, addr string) *ZKMembership {
	return &ZKMembership{
		conn:     conn,
		rootPath: rootPath,
		id:       id,
		addr:     addr,
	}
}

func (m *ZKMembership) Close() error {
	m.conn.Close()
	return nil
}

func (m *ZKMembership) dir() string {
	return path.Join(m.rootPath, monitorsDir)
}

func (m *ZKMembership) ensurePath(p string) error {
	cur := ""
	for _, part := range strings.Split(p, "/") {
		if part == "" {
			continue
		}
		cur = cur + "/" + part
		exists, _, err := m.conn.Exists(cur)
		if err != nil {
			return err
		}
		if !exists {
			_, err = m.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
			if err != nil && !errors.Is(err, zk.ErrNodeExists) {
				return err
			}
		}
	}
	return nil
}

// RegisterSelf publishes this monitor. The node disappears with the session.
func (m *ZKMembership) RegisterSelf() error {
	if err := m.waitConnected(connectTimeout); err != nil {
		return err
	}
	if err := m.ensurePath(m.dir()); err != nil {
		return fmt.Errorf("ensure %s: %w", m.dir(), err)
	}

	nodePath := path.Join(m.dir(), strconv.FormatUint(m.id, 10))
	_, err := m.conn.Create(nodePath, []byte(m.addr), zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	if err != nil && !errors.Is(err, zk.ErrNodeExists) {
		return fmt.Errorf("create ephemeral node: %w", err)
	}

	slog.Info("registered monitor", "path", nodePath, "addr", m.addr)
	return nil
}

// Peers reads every registered monitor.
func (m *ZKMembership) Peers() (map[uint64]string, error) {
	children, _, err := m.conn.Children(m.dir())
	if err != nil {
		return nil, fmt.Errorf("zk children: %w", err)
	}
	return m.read(children), nil
}

func (m *ZKMembership) read(children []string) map[uint64]string {
	peers := make(map[uint64]string, len(children))
	for _, child := range children {
		id, err := strconv.ParseUint(child, 10, 64)
		if err != nil {
			slog.Warn("ignoring malformed monitor node", "node", child)
			continue
		}
		data, _, err := m.conn.Get(path.Join(m.dir(), child))
		if err != nil {
			// the session of that monitor may just have expired
			slog.Debug("read monitor node", "node", child, "error", err)
			continue
		}
		peers[id] = string(data)
	}
	return peers
}

// Watch calls fn with the registered monitors now and after every change,
// until ctx is done.
func (m *ZKMembership) Watch(ctx context.Context, fn func(map[uint64]string)) {
	go func() {
		for {
			children, _, ch, err := m.conn.ChildrenW(m.dir())
			if err != nil {
				slog.Warn("zk watch failed", "error", err)
				select {
				case <-time.After(watchBackoff):
					continue
				case <-ctx.Done():
					return
				}
			}

			fn(m.read(children))

			select {
			case ev := <-ch:
				slog.Debug("zk event", "type", ev.Type, "path", ev.Path)
			case <-ctx.Done():
				slog.Info("zk watch stopped")
				return
			}
		}
	}()
}

func (m *ZKMembership) waitConnected(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		st := m.conn.State()
		if st == zk.StateConnected || st == zk.StateHasSession {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("zk: not connected after %s, state=%v", timeout, st)
		}
		time.Sleep(200 * time.Millisecond)
	}
}
