package service

import (
	"fmt"

	"replsvc/pkg/kvstore"
	"replsvc/pkg/types"
)

// updateTrim recomputes trimTo. The result never passes the latest full
// stash, so a stash survives at the new first_committed.
func (s *Service) updateTrim() {
	want := s.trimTo
	if p, ok := s.handler.(TrimPolicy); ok {
		want = max(want, p.UpdateTrim(s.firstCommitted, s.lastCommitted, s.latestFull))
	} else if _, ok := s.handler.(FullEncoder); ok {
		want = max(want, s.defaultTrimTo())
	}
	want = min(want, s.lastCommitted)
	s.trimWant = want

	to := min(want, s.latestFull)
	if to <= s.firstCommitted {
		s.trimTo = 0
		return
	}
	n := uint64(to - s.firstCommitted)
	if s.cfg.TrimMin > 0 && n < s.cfg.TrimMin {
		s.trimTo = 0
		return
	}
	if s.cfg.TrimMax > 0 && n > s.cfg.TrimMax {
		to = s.firstCommitted + types.Version(s.cfg.TrimMax)
	}
	s.trimTo = to
}

func (s *Service) defaultTrimTo() types.Version {
	keep := types.Version(s.cfg.KeepVersions)
	if s.lastCommitted <= keep {
		return 0
	}
	return s.lastCommitted - keep
}

// shouldStashFull stashes when there is no stash yet, or when trimming
// wants to move past the current one.
func (s *Service) shouldStashFull() bool {
	if s.lastCommitted == 0 {
		return false
	}
	if _, ok := s.handler.(FullEncoder); !ok {
		return false
	}
	return s.latestFull == 0 || s.latestFull <= s.trimWant
}

func (s *Service) shouldTrim() bool {
	return s.trimTo > s.firstCommitted
}

func (s *Service) encodeFull(tx *kvstore.Transaction) error {
	enc := s.handler.(FullEncoder)
	data, err := enc.EncodeFull(s.lastCommitted)
	if err != nil {
		return fmt.Errorf("encode full v%d: %w", s.lastCommitted, err)
	}
	s.log.Debug("stashing full state", "version", s.lastCommitted)
	s.PutVersionFull(tx, s.lastCommitted, data)
	s.PutVersionLatestFull(tx, s.lastCommitted)
	return nil
}

func (s *Service) encodeTrim(tx *kvstore.Transaction) error {
	if s.firstCommitted >= s.trimTo {
		return nil
	}
	s.log.Debug("trimming", "from", s.firstCommitted, "to", s.trimTo, "latest_full", s.latestFull)
	if err := s.Trim(tx, s.firstCommitted, s.trimTo); err != nil {
		return err
	}
	tx.PutUint(s.name, keyFirstCommitted, uint64(s.trimTo))
	s.metrics.IncCounter("paxos_service_trimmed_versions_total", s.labels, float64(s.trimTo-s.firstCommitted))
	return nil
}

// Trim appends to tx the erasure of every delta and full stash in
// [from, to).
func (s *Service) Trim(tx *kvstore.Transaction, from, to types.Version) error {
	s.assert(from < to, "trim range [%d, %d) is empty", from, to)
	for v := from; v < to; v++ {
		tx.Erase(s.name, kvstore.VersionKey(v))
		fullKey := kvstore.CombineStrings(prefixFull, kvstore.VersionKey(v))
		ok, err := s.store.Exists(s.name, fullKey)
		if err != nil {
			return fmt.Errorf("check %s: %w", fullKey, err)
		}
		if ok {
			tx.Erase(s.name, fullKey)
		}
	}
	return nil
}

// Scrub finishes a trim left behind by an older on-disk layout. It is safe
// to run on every activation.
func (s *Service) Scrub() error {
	ok, err := s.store.Exists(s.name, keyConversionFirst)
	if err != nil {
		return fmt.Errorf("check %s: %w", keyConversionFirst, err)
	}
	if !ok {
		return nil
	}
	cf, err := kvstore.GetUint(s.store, s.name, keyConversionFirst)
	if err != nil {
		return err
	}
	fc := uint64(s.firstCommitted)
	s.log.Info("scrubbing", "conversion_first", cf, "first_committed", fc)

	tx := kvstore.NewTransaction()
	if cf < fc {
		if err := s.Trim(tx, types.Version(cf), types.Version(fc)); err != nil {
			return err
		}
	}
	tx.Erase(s.name, keyConversionFirst)
	if err := s.store.Apply(tx); err != nil {
		return fmt.Errorf("apply scrub: %w", err)
	}
	return nil
}
