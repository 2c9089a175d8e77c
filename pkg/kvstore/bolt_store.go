package kvstore

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"replsvc/pkg/dberrors"

	"github.com/boltdb/bolt"
)

const boltFileName = "store.db"

// BoltStore maps every namespace to a bolt bucket. Each Apply is a single
// bolt read-write transaction.
type BoltStore struct {
	db *bolt.DB
}

func OpenBolt(dir string) (*BoltStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: empty store path", dberrors.ErrInvalidArgument)
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	db, err := bolt.Open(filepath.Join(dir, boltFileName), 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Exists(prefix, key string) (bool, error) {
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(prefix))
		if b == nil {
			return nil
		}
		ok = b.Get([]byte(key)) != nil
		return nil
	})
	return ok, err
}

func (s *BoltStore) Get(prefix, key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(prefix))
		if b == nil {
			return fmt.Errorf("%s/%s: %w", prefix, key, dberrors.ErrNotFound)
		}
		v := b.Get([]byte(key))
		if v == nil {
			return fmt.Errorf("%s/%s: %w", prefix, key, dberrors.ErrNotFound)
		}
		// v is only valid for the life of the transaction
		out = append([]byte{}, v...)
		return nil
	})
	return out, err
}

func (s *BoltStore) Apply(t *Transaction) error {
	if err := validate(t); err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		for _, op := range t.Ops {
			b, err := tx.CreateBucketIfNotExists([]byte(op.Prefix))
			if err != nil {
				return fmt.Errorf("create bucket %q: %w", op.Prefix, err)
			}

			switch op.Type {
			case OpPut:
				// bolt rejects nil values
				v := op.Value
				if v == nil {
					v = []byte{}
				}
				if err := b.Put([]byte(op.Key), v); err != nil {
					return fmt.Errorf("put %s/%s: %w", op.Prefix, op.Key, err)
				}
			case OpErase:
				if err := b.Delete([]byte(op.Key)); err != nil {
					return fmt.Errorf("erase %s/%s: %w", op.Prefix, op.Key, err)
				}
			}
		}
		return nil
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
