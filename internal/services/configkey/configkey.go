// Package configkey is a replicated key/value configuration store built on
// the service layer.
package configkey

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"replsvc/pkg/dberrors"
	"replsvc/pkg/service"
	"replsvc/pkg/types"

	"github.com/google/btree"
)

const (
	Name = "config-key"

	OpGet    = "get"
	OpExists = "exists"
	OpList   = "list"
	OpPut    = "put"
	OpDel    = "del"

	ArgKey    = "key"
	ArgValue  = "value"
	ArgPrefix = "prefix"

	btreeDegree = 32
)

type entry struct {
	Key   string
	Value string
}

func lessEntry(a, b entry) bool {
	return a.Key < b.Key
}

// op is one staged mutation; a delta is the ordered list of them.
type op struct {
	Op    string `json:"op"`
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
}

type ConfigKey struct {
	svc       *service.Service
	committed *btree.BTreeG[entry]
	pending   []op
}

func New() *ConfigKey {
	return &ConfigKey{
		committed: btree.NewG(btreeDegree, lessEntry),
	}
}

func (c *ConfigKey) Name() string {
	return Name
}

func (c *ConfigKey) Attach(s *service.Service) {
	c.svc = s
}

func (c *ConfigKey) CreatePending() {
	c.pending = nil
}

// CreateInitial commits an empty store as version 1.
func (c *ConfigKey) CreateInitial() {}

func (c *ConfigKey) DiscardPending() {
	c.pending = nil
}

func (c *ConfigKey) EncodePending(types.Version) ([]byte, error) {
	return json.Marshal(c.pending)
}

func (c *ConfigKey) EncodeFull(types.Version) ([]byte, error) {
	full := make(map[string]string, c.committed.Len())
	c.committed.Ascend(func(e entry) bool {
		full[e.Key] = e.Value
		return true
	})
	return json.Marshal(full)
}

func (c *ConfigKey) LoadFull(_ types.Version, data []byte) error {
	var full map[string]string
	if err := json.Unmarshal(data, &full); err != nil {
		return fmt.Errorf("%w: config-key full: %v", dberrors.ErrCorruptValue, err)
	}
	c.committed.Clear(false)
	for k, v := range full {
		c.committed.ReplaceOrInsert(entry{Key: k, Value: v})
	}
	return nil
}

func (c *ConfigKey) ApplyDelta(v types.Version, data []byte) error {
	var ops []op
	if err := json.Unmarshal(data, &ops); err != nil {
		return fmt.Errorf("%w: config-key delta v%d: %v", dberrors.ErrCorruptValue, v, err)
	}
	for _, o := range ops {
		switch o.Op {
		case OpPut:
			c.committed.ReplaceOrInsert(entry{Key: o.Key, Value: o.Value})
		case OpDel:
			c.committed.Delete(entry{Key: o.Key})
		default:
			return fmt.Errorf("%w: config-key delta v%d: unknown op %q", dberrors.ErrCorruptValue, v, o.Op)
		}
	}
	return nil
}

func (c *ConfigKey) PreprocessQuery(req *service.Request) (bool, error) {
	ver := c.svc.LastCommitted()
	switch req.Op {
	case OpGet:
		e, ok := c.committed.Get(entry{Key: req.Arg(ArgKey)})
		if !ok {
			req.Reply(service.NotFound(ver))
			return true, nil
		}
		req.Reply(service.ValueReply(e.Value, ver))
		return true, nil

	case OpExists:
		if _, ok := c.committed.Get(entry{Key: req.Arg(ArgKey)}); !ok {
			req.Reply(service.NotFound(ver))
			return true, nil
		}
		req.Reply(service.OK(ver))
		return true, nil

	case OpList:
		prefix := req.Arg(ArgPrefix)
		keys := []string{}
		c.committed.AscendGreaterOrEqual(entry{Key: prefix}, func(e entry) bool {
			if !strings.HasPrefix(e.Key, prefix) {
				return false
			}
			keys = append(keys, e.Key)
			return true
		})
		req.Reply(service.Reply{Status: service.StatusSuccess, Values: keys, Version: ver})
		return true, nil

	case OpPut, OpDel:
		return false, nil

	default:
		req.Fail(fmt.Errorf("%w: unknown config-key op %q", dberrors.ErrInvalidArgument, req.Op))
		return true, nil
	}
}

func (c *ConfigKey) PrepareUpdate(req *service.Request) (bool, error) {
	key := req.Arg(ArgKey)
	if key == "" {
		req.Fail(fmt.Errorf("%w: missing key", dberrors.ErrInvalidArgument))
		return false, nil
	}

	cur, exists := c.lookup(key)
	committed, inCommitted := c.committed.Get(entry{Key: key})
	switch req.Op {
	case OpPut:
		value := req.Arg(ArgValue)
		if exists && cur == value {
			if inCommitted && committed.Value == value {
				req.Reply(service.OK(c.svc.LastCommitted()))
				return false, nil
			}
			// already staged; acknowledge once it commits
			break
		}
		c.pending = append(c.pending, op{Op: OpPut, Key: key, Value: value})

	case OpDel:
		if !exists {
			if !inCommitted {
				req.Reply(service.OK(c.svc.LastCommitted()))
				return false, nil
			}
			break
		}
		c.pending = append(c.pending, op{Op: OpDel, Key: key})

	default:
		req.Fail(fmt.Errorf("%w: unknown config-key op %q", dberrors.ErrInvalidArgument, req.Op))
		return false, nil
	}

	c.svc.WaitForFinishedProposal(func() {
		req.Reply(service.OK(c.svc.LastCommitted()))
	})
	return true, nil
}

// lookup sees staged updates over committed state.
func (c *ConfigKey) lookup(key string) (string, bool) {
	for i := len(c.pending) - 1; i >= 0; i-- {
		if c.pending[i].Key != key {
			continue
		}
		if c.pending[i].Op == OpDel {
			return "", false
		}
		return c.pending[i].Value, true
	}
	e, ok := c.committed.Get(entry{Key: key})
	return e.Value, ok
}

func (c *ConfigKey) OnActive() {
	slog.Debug("config-key active", "version", c.svc.LastCommitted(), "keys", c.committed.Len())
}

func (c *ConfigKey) OnRestart() {
	slog.Debug("config-key restart")
}

func (c *ConfigKey) OnShutdown() {
	slog.Debug("config-key shutdown")
}
