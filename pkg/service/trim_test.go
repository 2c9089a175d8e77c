package service

import (
	"errors"
	"strings"
	"testing"

	"replsvc/pkg/dberrors"
	"replsvc/pkg/kvstore"
	"replsvc/pkg/types"
)

func seedVersions(t *testing.T, store kvstore.Store, first, last types.Version) {
	t.Helper()
	tx := kvstore.NewTransaction()
	for v := first; v <= last; v++ {
		tx.Put("rec", kvstore.VersionKey(v), []byte(`["v`+kvstore.VersionKey(v)+`"]`))
	}
	tx.PutUint("rec", keyFirstCommitted, uint64(first))
	tx.PutUint("rec", keyLastCommitted, uint64(last))
	if err := store.Apply(tx); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func exists(t *testing.T, store kvstore.Store, key string) bool {
	t.Helper()
	ok, err := store.Exists("rec", key)
	if err != nil {
		t.Fatalf("exists %s: %v", key, err)
	}
	return ok
}

func TestService_EncodeTrim(t *testing.T) {
	rh := &recHandler{}
	h := newHarness(t, testConfig(), rh)
	seedVersions(t, h.store, 5, 12)

	stash := kvstore.NewTransaction()
	h.svc.PutVersionFull(stash, 9, []byte(`["v5","v6","v7","v8","v9"]`))
	h.svc.PutVersionLatestFull(stash, 9)
	if err := h.store.Apply(stash); err != nil {
		t.Fatalf("apply stash: %v", err)
	}
	if err := h.svc.Refresh(); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	h.svc.SetTrimTo(9)
	tx := kvstore.NewTransaction()
	if err := h.svc.encodeTrim(tx); err != nil {
		t.Fatalf("encode trim: %v", err)
	}
	if err := h.store.Apply(tx); err != nil {
		t.Fatalf("apply trim: %v", err)
	}

	for v := types.Version(5); v < 9; v++ {
		if exists(t, h.store, kvstore.VersionKey(v)) {
			t.Fatalf("version %d should be trimmed", v)
		}
	}
	if !exists(t, h.store, "9") {
		t.Fatalf("version 9 must be kept")
	}
	if !exists(t, h.store, "full/9") {
		t.Fatalf("full stash at the trim point must be kept")
	}
	first, err := kvstore.GetUint(h.store, "rec", keyFirstCommitted)
	if err != nil || first != 9 {
		t.Fatalf("expected first_committed 9, got %d (%v)", first, err)
	}
}

func TestService_TrimRejectsEmptyRange(t *testing.T) {
	rh := &recHandler{}
	h := newHarness(t, testConfig(), rh)

	defer func() {
		err, _ := recover().(error)
		if !errors.Is(err, dberrors.ErrInvariantViolation) {
			t.Fatalf("expected invariant violation, got %v", err)
		}
	}()
	_ = h.svc.Trim(kvstore.NewTransaction(), 4, 4)
}

func TestService_StashesAndTrimsWhileProposing(t *testing.T) {
	cfg := testConfig()
	cfg.KeepVersions = 2
	rh := &recHandler{}
	h := newHarness(t, cfg, immediateHandler{rh})
	h.bootstrap(t)

	var r replies
	for i := 1; i <= 5; i++ {
		if err := h.svc.Dispatch(add(&r, "a"+kvstore.VersionKey(types.Version(i)))); err != nil {
			t.Fatalf("dispatch %d: %v", i, err)
		}
		h.paxos.commit()
	}

	if h.svc.LastCommitted() != 6 {
		t.Fatalf("expected last_committed 6, got %d", h.svc.LastCommitted())
	}
	if h.svc.FirstCommitted() != 3 {
		t.Fatalf("expected first_committed 3, got %d", h.svc.FirstCommitted())
	}
	for _, key := range []string{"1", "2", "full/1"} {
		if exists(t, h.store, key) {
			t.Fatalf("%s should have been trimmed", key)
		}
	}
	for _, key := range []string{"3", "4", "5", "6", "full/3", "full/5"} {
		if !exists(t, h.store, key) {
			t.Fatalf("%s should be present", key)
		}
	}
	latest, err := h.svc.GetLatestFull()
	if err != nil || latest != 5 {
		t.Fatalf("expected full/latest 5, got %d (%v)", latest, err)
	}

	// a fresh replica over the same store recovers through the stash
	other := &recHandler{}
	svc := New(cfg, h.paxos, h.fwd, h.store, h.clk, other)
	if err := svc.Refresh(); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if len(other.fullLoads) != 1 || other.fullLoads[0] != 5 {
		t.Fatalf("expected a load of full/5, got %v", other.fullLoads)
	}
	if got, want := strings.Join(other.committed, ","), strings.Join(rh.committed, ","); got != want {
		t.Fatalf("recovered state %q, want %q", got, want)
	}
}

func TestService_TrimRespectsMinimum(t *testing.T) {
	cfg := testConfig()
	cfg.KeepVersions = 2
	cfg.TrimMin = 10
	rh := &recHandler{}
	h := newHarness(t, cfg, immediateHandler{rh})
	h.bootstrap(t)

	var r replies
	for i := 0; i < 6; i++ {
		if err := h.svc.Dispatch(add(&r, "x")); err != nil {
			t.Fatalf("dispatch: %v", err)
		}
		h.paxos.commit()
	}
	if h.svc.FirstCommitted() != 1 {
		t.Fatalf("expected no trim below the minimum, got first_committed %d", h.svc.FirstCommitted())
	}
}

func TestService_Scrub(t *testing.T) {
	rh := &recHandler{}
	h := newHarness(t, testConfig(), rh)
	seedVersions(t, h.store, 3, 8)

	tx := kvstore.NewTransaction()
	tx.PutUint("rec", keyFirstCommitted, 5)
	tx.PutUint("rec", keyConversionFirst, 3)
	if err := h.store.Apply(tx); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := h.svc.Refresh(); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := h.svc.Scrub(); err != nil {
			t.Fatalf("scrub %d: %v", i, err)
		}
	}
	for _, key := range []string{"3", "4", keyConversionFirst} {
		if exists(t, h.store, key) {
			t.Fatalf("%s should be gone after scrub", key)
		}
	}
	if !exists(t, h.store, "5") {
		t.Fatalf("first committed version must survive scrub")
	}
}

// keepLatest trims everything below the previous version.
type keepLatest struct {
	immediateHandler
	asked *int
}

func (k keepLatest) UpdateTrim(_, last, _ types.Version) types.Version {
	*k.asked++
	if last < 2 {
		return 0
	}
	return last - 1
}

func TestService_TrimPolicyOverridesDefault(t *testing.T) {
	rh := &recHandler{}
	asked := 0
	h := newHarness(t, testConfig(), keepLatest{immediateHandler{rh}, &asked})
	h.bootstrap(t)

	var r replies
	for i := 0; i < 4; i++ {
		if err := h.svc.Dispatch(add(&r, "x")); err != nil {
			t.Fatalf("dispatch: %v", err)
		}
		h.paxos.commit()
	}

	if asked == 0 {
		t.Fatalf("trim policy was never consulted")
	}
	if h.svc.LastCommitted() != 5 || h.svc.FirstCommitted() != 3 {
		t.Fatalf("expected range [3, 5], got [%d, %d]", h.svc.FirstCommitted(), h.svc.LastCommitted())
	}
	for _, key := range []string{"1", "2", "full/1", "full/2"} {
		if exists(t, h.store, key) {
			t.Fatalf("%s should have been trimmed", key)
		}
	}
	for _, key := range []string{"3", "4", "5", "full/3", "full/4"} {
		if !exists(t, h.store, key) {
			t.Fatalf("%s should be present", key)
		}
	}
}
