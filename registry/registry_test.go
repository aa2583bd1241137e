package registry

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "registry.db")
	db, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestUpsertAndGetRoundTrips(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	rec := PoolRecord{ID: "pool123", Name: "tank", MemberPaths: []string{"/dev/sda", "/dev/sdb", "/dev/sdc"}}
	if err := db.Upsert(ctx, rec); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := db.Get(ctx, "tank")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != rec.ID || got.Name != rec.Name {
		t.Fatalf("got %+v, want %+v", got, rec)
	}
	if len(got.MemberPaths) != 3 || got.MemberPaths[0] != "/dev/sda" || got.MemberPaths[2] != "/dev/sdc" {
		t.Fatalf("member paths not preserved in order: %v", got.MemberPaths)
	}
}

func TestUpsertReplacesMemberPaths(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if err := db.Upsert(ctx, PoolRecord{ID: "pool1", Name: "tank", MemberPaths: []string{"/dev/sda", "/dev/sdb"}}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := db.Upsert(ctx, PoolRecord{ID: "pool1", Name: "tank", MemberPaths: []string{"/dev/sdc"}}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := db.Get(ctx, "tank")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.MemberPaths) != 1 || got.MemberPaths[0] != "/dev/sdc" {
		t.Fatalf("expected stale member paths to be replaced, got %v", got.MemberPaths)
	}
}

func TestListOrdersByName(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if err := db.Upsert(ctx, PoolRecord{ID: "p2", Name: "zeta", MemberPaths: []string{"/dev/sdb"}}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := db.Upsert(ctx, PoolRecord{ID: "p1", Name: "alpha", MemberPaths: []string{"/dev/sda"}}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	recs, err := db.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 2 || recs[0].Name != "alpha" || recs[1].Name != "zeta" {
		t.Fatalf("expected alpha before zeta, got %+v", recs)
	}
}

func TestRemoveDropsMembersViaCascade(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if err := db.Upsert(ctx, PoolRecord{ID: "p1", Name: "tank", MemberPaths: []string{"/dev/sda"}}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := db.Remove(ctx, "p1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := db.Get(ctx, "tank"); err == nil {
		t.Fatalf("expected pool to be gone after Remove")
	}
}

func TestAcquirePoolLockRejectsSecondHolder(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if err := db.AcquirePoolLock(ctx, "pool1", "poolctl-1"); err != nil {
		t.Fatalf("first AcquirePoolLock: %v", err)
	}
	if err := db.AcquirePoolLock(ctx, "pool1", "poolctl-2"); err == nil {
		t.Fatalf("expected second AcquirePoolLock to fail while the first lock is held")
	}

	if err := db.ReleasePoolLock(ctx, "pool1"); err != nil {
		t.Fatalf("ReleasePoolLock: %v", err)
	}
	if err := db.AcquirePoolLock(ctx, "pool1", "poolctl-2"); err != nil {
		t.Fatalf("AcquirePoolLock after release: %v", err)
	}
}

func TestReleasePoolLockIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if err := db.ReleasePoolLock(ctx, "never-locked"); err != nil {
		t.Fatalf("ReleasePoolLock on an unlocked pool should not error: %v", err)
	}
}
