package kvstore

import (
	"fmt"
	"strings"
	"sync"

	"replsvc/pkg/dberrors"

	"github.com/zhangyunhao116/skipmap"
)

const memKeySep = "\x00"

type orderedMap = skipmap.FuncMap[string, []byte]

// MemStore keeps everything in a skip list. Apply holds a lock so readers
// never observe half of a transaction.
type MemStore struct {
	mu     sync.RWMutex
	data   *orderedMap
	closed bool
}

func NewMemStore() *MemStore {
	return &MemStore{
		data: skipmap.NewFunc[string, []byte](func(a, b string) bool {
			return strings.Compare(a, b) < 0
		}),
	}
}

func memKey(prefix, key string) string {
	return prefix + memKeySep + key
}

func (s *MemStore) Exists(prefix, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, dberrors.ErrClosed
	}
	_, ok := s.data.Load(memKey(prefix, key))
	return ok, nil
}

func (s *MemStore) Get(prefix, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, dberrors.ErrClosed
	}
	v, ok := s.data.Load(memKey(prefix, key))
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", prefix, key, dberrors.ErrNotFound)
	}
	return append([]byte(nil), v...), nil
}

func (s *MemStore) Apply(t *Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return dberrors.ErrClosed
	}
	if err := validate(t); err != nil {
		return err
	}

	for _, op := range t.Ops {
		switch op.Type {
		case OpPut:
			s.data.Store(memKey(op.Prefix, op.Key), append([]byte(nil), op.Value...))
		case OpErase:
			s.data.Delete(memKey(op.Prefix, op.Key))
		}
	}
	return nil
}

func (s *MemStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
