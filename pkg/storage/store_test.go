// pkg/storage/store_test.go
package storage

import (
	"testing"
	"time"

	"strata/pkg/core"
)

func kvKey(branch, userKey string) core.Key {
	return core.NewStringKey(core.NamespaceForBranch(core.BranchID(branch)), core.TagKV, userKey)
}

func TestStoreBasicPutGet(t *testing.T) {
	store := NewStore()

	version, err := store.Put(kvKey("b1", "k1"), core.NewString("v1"), 0)
	if err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if version.Uint64() == 0 {
		t.Error("put must assign a non-zero version")
	}

	vv, err := store.Get(kvKey("b1", "k1"))
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if vv == nil || !vv.Value.Equal(core.NewString("v1")) {
		t.Error("get returned wrong value")
	}
}

func TestStoreMonotonicVersions(t *testing.T) {
	store := NewStore()
	key := kvKey("b1", "k")

	var last uint64
	for i := 0; i < 5; i++ {
		v, err := store.Put(key, core.NewInt(int64(i)), 0)
		if err != nil {
			t.Fatalf("put failed: %v", err)
		}
		if v.Uint64() <= last {
			t.Errorf("versions must strictly increase: %d after %d", v.Uint64(), last)
		}
		last = v.Uint64()
	}
}

func TestStorePutWithVersionRejectsNonMonotone(t *testing.T) {
	store := NewStore()
	key := kvKey("b1", "k")

	if err := store.PutWithVersion(key, core.NewInt(1), core.TxnVersion(10), 0); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	// Duplicate (key, version).
	err := store.PutWithVersion(key, core.NewInt(2), core.TxnVersion(10), 0)
	if !core.IsCode(err, core.CodeVersionConflict) {
		t.Errorf("duplicate version must be rejected, got %v", err)
	}
	// Non-monotone.
	err = store.PutWithVersion(key, core.NewInt(2), core.TxnVersion(5), 0)
	if !core.IsCode(err, core.CodeVersionConflict) {
		t.Errorf("non-monotone version must be rejected, got %v", err)
	}
	// The counter still advanced past the rejected replays.
	if store.CurrentVersion() < 10 {
		t.Errorf("counter must advance past forced versions, got %d", store.CurrentVersion())
	}
}

func TestStoreDeleteTombstone(t *testing.T) {
	store := NewStore()
	key := kvKey("b1", "k")

	putVersion, _ := store.Put(key, core.NewString("v"), 0)
	prev, err := store.Delete(key)
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if prev == nil || !prev.Value.Equal(core.NewString("v")) {
		t.Error("delete must return the previous value")
	}

	vv, _ := store.Get(key)
	if vv != nil {
		t.Error("deleted key must read as absent")
	}

	// The tombstone itself is versioned and visible in history.
	history, _ := store.GetHistory(key, 0, 0)
	if len(history) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(history))
	}
	if !history[0].Tombstone {
		t.Error("newest history entry must be the tombstone")
	}
	if history[0].Version.Uint64() <= putVersion.Uint64() {
		t.Error("tombstone version must exceed the put version")
	}
}

func TestStoreGetVersioned(t *testing.T) {
	store := NewStore()
	key := kvKey("b1", "k")

	v1, _ := store.Put(key, core.NewString("one"), 0)
	v2, _ := store.Put(key, core.NewString("two"), 0)

	vv, _ := store.GetVersioned(key, v1.Uint64())
	if vv == nil || !vv.Value.Equal(core.NewString("one")) {
		t.Error("read at v1 must see the first value")
	}
	vv, _ = store.GetVersioned(key, v2.Uint64())
	if vv == nil || !vv.Value.Equal(core.NewString("two")) {
		t.Error("read at v2 must see the second value")
	}
	vv, _ = store.GetVersioned(key, v1.Uint64()-1)
	if vv != nil {
		t.Error("read before v1 must see nothing")
	}
}

func TestStoreHistoryPagination(t *testing.T) {
	store := NewStore()
	key := kvKey("b1", "k")

	var versions []uint64
	for i := 0; i < 5; i++ {
		v, _ := store.Put(key, core.NewInt(int64(i)), 0)
		versions = append(versions, v.Uint64())
	}

	page, _ := store.GetHistory(key, 2, 0)
	if len(page) != 2 || page[0].Version.Uint64() != versions[4] {
		t.Fatal("first page must start at the newest version")
	}

	next, _ := store.GetHistory(key, 2, page[1].Version.Uint64())
	if len(next) != 2 || next[0].Version.Uint64() != versions[2] {
		t.Error("pagination via before_version must be exclusive and contiguous")
	}
}

func TestStoreScanPrefix(t *testing.T) {
	store := NewStore()
	ns := core.NamespaceForBranch("b1")

	store.Put(kvKey("b1", "user:1"), core.NewInt(1), 0)
	store.Put(kvKey("b1", "user:2"), core.NewInt(2), 0)
	store.Put(kvKey("b1", "admin:1"), core.NewInt(3), 0)
	store.Put(kvKey("b2", "user:9"), core.NewInt(9), 0)

	entries, err := store.ScanPrefix(ns, core.TagKV, []byte("user:"), store.CurrentVersion())
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if string(entries[0].Key.UserKey) != "user:1" || string(entries[1].Key.UserKey) != "user:2" {
		t.Error("scan must return ordered user keys")
	}
}

func TestStoreScanByBranchIsolated(t *testing.T) {
	store := NewStore()
	store.Put(kvKey("b1", "a"), core.NewInt(1), 0)
	store.Put(kvKey("b1", "b"), core.NewInt(2), 0)
	store.Put(kvKey("b2", "c"), core.NewInt(3), 0)

	entries, err := store.ScanByBranch("b1", store.CurrentVersion())
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("branch scan must only see its own keys, got %d", len(entries))
	}
}

func TestStoreSnapshotIsolation(t *testing.T) {
	store := NewStore()
	key := kvKey("b1", "k")

	store.Put(key, core.NewString("old"), 0)
	snap := store.Snapshot()
	store.Put(key, core.NewString("new"), 0)

	vv, _ := snap.Get(key)
	if vv == nil || !vv.Value.Equal(core.NewString("old")) {
		t.Error("snapshot must not observe writes after its watermark")
	}
	vv, _ = store.Get(key)
	if vv == nil || !vv.Value.Equal(core.NewString("new")) {
		t.Error("live reads must observe the newest value")
	}
}

func TestStoreTTLExpiry(t *testing.T) {
	store := NewStore()
	now := uint64(1_000_000)
	store.SetClock(func() uint64 { return now })

	key := kvKey("b1", "ephemeral")
	if _, err := store.Put(key, core.NewString("v"), time.Second); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	if vv, _ := store.Get(key); vv == nil {
		t.Fatal("value must be visible before expiry")
	}

	now += 2_000_000
	if vv, _ := store.Get(key); vv != nil {
		t.Error("value must be hidden after expiry")
	}

	expired := store.FindExpired(now)
	if len(expired) != 1 {
		t.Fatalf("expected 1 expired key, got %d", len(expired))
	}
	purged, err := store.PurgeExpired(now)
	if err != nil || purged != 1 {
		t.Errorf("purge expected 1, got %d (%v)", purged, err)
	}
}

func TestStoreVersionAtSeesTombstones(t *testing.T) {
	store := NewStore()
	key := kvKey("b1", "k")

	store.Put(key, core.NewString("v"), 0)
	store.Delete(key)

	version, exists, err := store.VersionAt(key, store.CurrentVersion())
	if err != nil {
		t.Fatalf("versionAt failed: %v", err)
	}
	if !exists || version != store.CurrentVersion() {
		t.Error("VersionAt must report the tombstone's version")
	}
	if vv, _ := store.Get(key); vv != nil {
		t.Error("Get must hide the tombstone")
	}
}

func TestStoreContentHashDeterministic(t *testing.T) {
	build := func() *Store {
		s := NewStore()
		s.PutWithVersion(kvKey("b1", "a"), core.NewInt(1), core.TxnVersion(1), 0)
		s.PutWithVersion(kvKey("b2", "b"), core.NewInt(2), core.TxnVersion(2), 0)
		s.DeleteWithVersion(kvKey("b1", "a"), core.TxnVersion(3))
		return s
	}
	if build().ContentHash() != build().ContentHash() {
		t.Error("identical contents must hash identically")
	}
}

func TestStoreDropBranch(t *testing.T) {
	store := NewStore()
	store.Put(kvKey("b1", "a"), core.NewInt(1), 0)
	store.Put(kvKey("b1", "b"), core.NewInt(2), 0)
	store.Put(kvKey("b2", "c"), core.NewInt(3), 0)

	dropped := store.DropBranch("b1")
	if dropped != 2 {
		t.Errorf("expected 2 dropped keys, got %d", dropped)
	}
	if vv, _ := store.Get(kvKey("b1", "a")); vv != nil {
		t.Error("dropped branch keys must be gone")
	}
	if vv, _ := store.Get(kvKey("b2", "c")); vv == nil {
		t.Error("other branches must be untouched")
	}
	branches := store.BranchIDs()
	if len(branches) != 1 || branches[0] != "b2" {
		t.Errorf("RunIndex must drop the branch entry, got %v", branches)
	}
}

func TestTTLIndexRangeScan(t *testing.T) {
	idx := NewTTLIndex()
	idx.Insert(100, kvKey("b", "a"))
	idx.Insert(200, kvKey("b", "b"))
	idx.Insert(300, kvKey("b", "c"))

	expired := idx.FindExpired(200)
	if len(expired) != 2 {
		t.Errorf("expected 2 expired at t=200, got %d", len(expired))
	}
	removed := idx.RemoveExpired(200)
	if removed != 2 || idx.Len() != 1 {
		t.Errorf("expected 2 removed and 1 left, got %d and %d", removed, idx.Len())
	}
}
