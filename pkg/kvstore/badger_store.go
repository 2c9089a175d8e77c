package kvstore

import (
	"errors"
	"fmt"

	"replsvc/pkg/dberrors"

	"github.com/dgraph-io/badger/v4"
)

const badgerKeySep = "\x00"

// BadgerStore keeps namespaces as key prefixes in a single badger database.
type BadgerStore struct {
	db *badger.DB
}

func OpenBadger(dir string) (*BadgerStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: empty store path", dberrors.ErrInvalidArgument)
	}
	return openBadger(badger.DefaultOptions(dir).WithLogger(nil))
}

// OpenBadgerInMemory opens a badger database that never touches disk.
func OpenBadgerInMemory() (*BadgerStore, error) {
	return openBadger(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
}

func openBadger(opts badger.Options) (*BadgerStore, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func badgerKey(prefix, key string) []byte {
	return []byte(prefix + badgerKeySep + key)
}

func (s *BadgerStore) Exists(prefix, key string) (bool, error) {
	_, err := s.Get(prefix, key)
	switch {
	case errors.Is(err, dberrors.ErrNotFound):
		return false, nil
	case err != nil:
		return false, err
	}
	return true, nil
}

func (s *BadgerStore) Get(prefix, key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(prefix, key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%s/%s: %w", prefix, key, dberrors.ErrNotFound)
		}
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	return out, err
}

func (s *BadgerStore) Apply(t *Transaction) error {
	if err := validate(t); err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		for _, op := range t.Ops {
			k := badgerKey(op.Prefix, op.Key)
			switch op.Type {
			case OpPut:
				if err := txn.Set(k, op.Value); err != nil {
					return fmt.Errorf("put %s/%s: %w", op.Prefix, op.Key, err)
				}
			case OpErase:
				if err := txn.Delete(k); err != nil {
					return fmt.Errorf("erase %s/%s: %w", op.Prefix, op.Key, err)
				}
			}
		}
		return nil
	})
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
