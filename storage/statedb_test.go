package storage_test

import (
	"errors"
	"testing"

	"github.com/tolelom/shadowduel/core"
	"github.com/tolelom/shadowduel/internal/testutil"
	"github.com/tolelom/shadowduel/storage"
)

func TestSetMatchCompareAndSet(t *testing.T) {
	st := testutil.NewStateDB()

	m := &core.Match{ID: "m1", Variant: core.VariantDominance, PlayerA: "alice"}
	if err := st.SetMatch(m); err != nil {
		t.Fatalf("create: %v", err)
	}
	if m.Revision != 1 {
		t.Fatalf("revision after create: %d", m.Revision)
	}

	// Two writers read the same revision; only the first write lands.
	first, _ := st.GetMatch("m1")
	second, _ := st.GetMatch("m1")
	first.PlayerB = "bob"
	if err := st.SetMatch(first); err != nil {
		t.Fatalf("first write: %v", err)
	}
	second.PlayerB = "carol"
	if err := st.SetMatch(second); !errors.Is(err, core.ErrConflict) {
		t.Fatalf("stale write: want ErrConflict, got %v", err)
	}

	got, _ := st.GetMatch("m1")
	if got.PlayerB != "bob" || got.Revision != 2 {
		t.Errorf("stored match: %+v", got)
	}

	// A record that does not exist cannot be written at a later revision.
	if err := st.SetMatch(&core.Match{ID: "m2", Revision: 3}); !errors.Is(err, core.ErrConflict) {
		t.Errorf("phantom revision: want ErrConflict, got %v", err)
	}
	// Nor can an existing one be recreated from scratch.
	if err := st.SetMatch(&core.Match{ID: "m1"}); !errors.Is(err, core.ErrConflict) {
		t.Errorf("recreate: want ErrConflict, got %v", err)
	}
}

func TestSnapshotRevert(t *testing.T) {
	st := testutil.NewStateDB()
	if err := st.SetAccount(&core.Account{Address: "a", Nonce: 1}); err != nil {
		t.Fatal(err)
	}
	snap, err := st.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	_ = st.SetAccount(&core.Account{Address: "a", Nonce: 2})
	_ = st.SetMatch(&core.Match{ID: "m1"})

	if err := st.RevertToSnapshot(snap); err != nil {
		t.Fatal(err)
	}
	acc, _ := st.GetAccount("a")
	if acc.Nonce != 1 {
		t.Errorf("nonce after revert: %d", acc.Nonce)
	}
	if _, err := st.GetMatch("m1"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("match written after snapshot survived revert: %v", err)
	}
	if err := st.RevertToSnapshot(snap); err == nil {
		t.Error("reverting to a consumed snapshot should fail")
	}
}

func TestUnknownAccountIsZero(t *testing.T) {
	acc, err := testutil.NewStateDB().GetAccount("nobody")
	if err != nil || acc.Nonce != 0 || acc.Address != "nobody" {
		t.Errorf("zero account: %+v, %v", acc, err)
	}
}

func TestComputeRoot(t *testing.T) {
	write := func(st *storage.StateDB, order []string) {
		for _, id := range order {
			if err := st.SetMatch(&core.Match{ID: id, Variant: core.VariantCard}); err != nil {
				t.Fatal(err)
			}
		}
	}
	a := testutil.NewStateDB()
	b := testutil.NewStateDB()
	write(a, []string{"x", "y", "z"})
	write(b, []string{"z", "x", "y"})
	if a.ComputeRoot() != b.ComputeRoot() {
		t.Error("root depends on write order")
	}

	// The root covers buffered and committed entries alike.
	before := a.ComputeRoot()
	if err := a.Commit(); err != nil {
		t.Fatal(err)
	}
	if a.ComputeRoot() != before {
		t.Error("commit changed the root")
	}
	_ = a.SetHeight(1)
	if a.ComputeRoot() == before {
		t.Error("height is part of the state root")
	}
}

func TestCommitFlushesBuffer(t *testing.T) {
	db := testutil.NewMemDB()
	st := storage.NewStateDB(db)
	_ = st.SetCircuit(&core.CircuitDefinition{Name: "resolve_card", Variant: core.VariantCard, Digest: "d"})
	if _, err := db.Get([]byte("circ:resolve_card")); !errors.Is(err, core.ErrNotFound) {
		t.Fatal("write reached the DB before commit")
	}
	if err := st.Commit(); err != nil {
		t.Fatal(err)
	}
	if db.Batches() != 1 || len(db.Keys("circ:")) != 1 {
		t.Errorf("commit wrote %d batches, keys %v", db.Batches(), db.Keys("circ:"))
	}
	fresh := storage.NewStateDB(db)
	def, err := fresh.GetCircuit("resolve_card")
	if err != nil || def.Digest != "d" {
		t.Errorf("after commit: %+v, %v", def, err)
	}
}
