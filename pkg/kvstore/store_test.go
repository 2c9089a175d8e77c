package kvstore

import (
	"errors"
	"testing"

	"replsvc/pkg/config"
	"replsvc/pkg/dberrors"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()

	bolt, err := OpenBolt(t.TempDir())
	if err != nil {
		t.Fatalf("open bolt: %v", err)
	}
	badger, err := OpenBadger(t.TempDir())
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}

	inmem, err := OpenBadgerInMemory()
	if err != nil {
		t.Fatalf("open in-memory badger: %v", err)
	}

	stores := map[string]Store{
		BackendMem:       NewMemStore(),
		BackendBolt:      bolt,
		BackendBadger:    badger,
		"badger-inmemory": inmem,
	}
	t.Cleanup(func() {
		for name, s := range stores {
			if err := s.Close(); err != nil {
				t.Logf("close %s: %v", name, err)
			}
		}
	})
	return stores
}

func TestStore_ApplyGetExists(t *testing.T) {
	for name, s := range backends(t) {
		s := s
		t.Run(name, func(t *testing.T) {
			tx := NewTransaction()
			tx.Put("osdmap", "1", []byte("delta-1"))
			tx.PutUint("osdmap", "last_committed", 1)
			tx.Put("monmap", "1", []byte("other"))
			if err := s.Apply(tx); err != nil {
				t.Fatalf("apply: %v", err)
			}

			v, err := s.Get("osdmap", "1")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if string(v) != "delta-1" {
				t.Fatalf("expected delta-1, got %q", v)
			}

			lc, err := GetUint(s, "osdmap", "last_committed")
			if err != nil || lc != 1 {
				t.Fatalf("expected last_committed 1, got %d (%v)", lc, err)
			}

			ok, err := s.Exists("monmap", "1")
			if err != nil || !ok {
				t.Fatalf("expected monmap/1 to exist: %v %v", ok, err)
			}
			ok, err = s.Exists("monmap", "2")
			if err != nil || ok {
				t.Fatalf("expected monmap/2 to be absent: %v %v", ok, err)
			}
		})
	}
}

func TestStore_EraseAndMissing(t *testing.T) {
	for name, s := range backends(t) {
		s := s
		t.Run(name, func(t *testing.T) {
			tx := NewTransaction()
			tx.Put("svc", "a", []byte("1"))
			tx.Put("svc", "b", []byte("2"))
			if err := s.Apply(tx); err != nil {
				t.Fatalf("apply: %v", err)
			}

			tx = NewTransaction()
			tx.Erase("svc", "a")
			tx.Erase("svc", "never-existed")
			if err := s.Apply(tx); err != nil {
				t.Fatalf("apply erase: %v", err)
			}

			if _, err := s.Get("svc", "a"); !errors.Is(err, dberrors.ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
			if _, err := s.Get("nobucket", "a"); !errors.Is(err, dberrors.ErrNotFound) {
				t.Fatalf("expected ErrNotFound for missing namespace, got %v", err)
			}

			v, err := GetUint(s, "svc", "missing")
			if err != nil || v != 0 {
				t.Fatalf("expected 0 for missing uint, got %d (%v)", v, err)
			}
		})
	}
}

func TestStore_InvalidTransactionIsNotApplied(t *testing.T) {
	for name, s := range backends(t) {
		s := s
		t.Run(name, func(t *testing.T) {
			tx := NewTransaction()
			tx.Put("svc", "a", []byte("1"))
			tx.Ops = append(tx.Ops, Op{Type: OpType(42), Prefix: "svc", Key: "b"})

			if err := s.Apply(tx); !errors.Is(err, dberrors.ErrInvalidArgument) {
				t.Fatalf("expected ErrInvalidArgument, got %v", err)
			}
			if ok, _ := s.Exists("svc", "a"); ok {
				t.Fatal("partial transaction was applied")
			}
		})
	}
}

func TestOpen_UnknownBackend(t *testing.T) {
	_, err := Open(config.StoreConfig{Backend: "leveldb"})
	if !errors.Is(err, dberrors.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestCombineStrings(t *testing.T) {
	if got := CombineStrings("full", VersionKey(12)); got != "full/12" {
		t.Fatalf("unexpected key %q", got)
	}
}
