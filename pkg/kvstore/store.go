// Package kvstore is the atomic, namespaced key/value store backing every
// replicated service.
package kvstore

import (
	"errors"
	"fmt"
	"strconv"

	"replsvc/pkg/config"
	"replsvc/pkg/dberrors"
	"replsvc/pkg/types"
)

const (
	BackendMem    = "mem"
	BackendBolt   = "bolt"
	BackendBadger = "badger"
)

// Store is an ordered key/value store grouped into namespaces ("prefixes").
// Apply writes a whole transaction atomically.
type Store interface {
	Exists(prefix, key string) (bool, error)
	// Get returns dberrors.ErrNotFound when the key is absent.
	Get(prefix, key string) ([]byte, error)
	Apply(t *Transaction) error
	Close() error
}

// CombineStrings builds a stable key from a prefix and a suffix.
func CombineStrings(prefix, suffix string) string {
	return prefix + "/" + suffix
}

func VersionKey(v types.Version) string {
	return strconv.FormatUint(uint64(v), 10)
}

// GetUint reads a uint value, treating a missing key as zero.
func GetUint(s Store, prefix, key string) (uint64, error) {
	b, err := s.Get(prefix, key)
	if errors.Is(err, dberrors.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	v, err := DecodeUint(b)
	if err != nil {
		return 0, fmt.Errorf("%s/%s: %w", prefix, key, err)
	}
	return v, nil
}

// Open creates the backend selected in cfg.
func Open(cfg config.StoreConfig) (Store, error) {
	switch cfg.Backend {
	case BackendMem, "":
		return NewMemStore(), nil
	case BackendBolt:
		return OpenBolt(cfg.Path)
	case BackendBadger:
		return OpenBadger(cfg.Path)
	default:
		return nil, fmt.Errorf("%w: unknown store backend %q", dberrors.ErrInvalidArgument, cfg.Backend)
	}
}
