// pkg/engine/database_test.go
package engine

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"strata/pkg/core"
	"strata/pkg/durability"
	"strata/pkg/txn"
	"strata/pkg/wal"
)

func openStrict(t *testing.T, dir string) *Database {
	t.Helper()
	db, err := Open(dir, Options{Mode: durability.Strict, ModeSet: true})
	require.NoError(t, err)
	return db
}

func kvKey(branch, userKey string) core.Key {
	return core.NewStringKey(core.NamespaceForBranch(core.BranchID(branch)), core.TagKV, userKey)
}

func commitPut(t *testing.T, db *Database, branch core.BranchID, userKey, value string) {
	t.Helper()
	tx := db.Begin(branch)
	require.NoError(t, tx.Put(kvKey(string(branch), userKey), core.NewString(value), 0))
	require.NoError(t, db.Commit(tx))
}

func TestOpenCloseReopen(t *testing.T) {
	dir := t.TempDir()
	db := openStrict(t, dir)
	require.NoError(t, db.CreateBranch("main"))
	commitPut(t, db, "main", "k", "v")
	require.NoError(t, db.Close())

	db = openStrict(t, dir)
	defer db.Close()

	require.True(t, db.BranchExists("main"))
	vv, err := db.Store().Get(kvKey("main", "k"))
	require.NoError(t, err)
	require.NotNil(t, vv)
	require.True(t, vv.Value.Equal(core.NewString("v")))
}

func TestDataDirLocked(t *testing.T) {
	dir := t.TempDir()
	db := openStrict(t, dir)
	defer db.Close()

	_, err := Open(dir, Options{Mode: durability.Strict, ModeSet: true})
	require.ErrorIs(t, err, ErrDatabaseLocked)
}

func TestTransactionRollbackLeavesStateUnchanged(t *testing.T) {
	dir := t.TempDir()
	db := openStrict(t, dir)
	defer db.Close()
	require.NoError(t, db.CreateBranch("main"))
	commitPut(t, db, "main", "k", "v")

	tx := db.Begin("main")
	// Pre-transaction data visible inside the transaction.
	vv, err := tx.Get(kvKey("main", "k"))
	require.NoError(t, err)
	require.NotNil(t, vv)
	require.True(t, vv.Value.Equal(core.NewString("v")))

	// New write visible to the transaction's own reads.
	require.NoError(t, tx.Put(kvKey("main", "k2"), core.NewString("v2"), 0))
	vv, err = tx.Get(kvKey("main", "k2"))
	require.NoError(t, err)
	require.NotNil(t, vv)

	db.Rollback(tx)

	vv, err = db.Store().Get(kvKey("main", "k2"))
	require.NoError(t, err)
	require.Nil(t, vv, "rolled-back write must not be visible")
	vv, err = db.Store().Get(kvKey("main", "k"))
	require.NoError(t, err)
	require.NotNil(t, vv, "pre-transaction data must survive rollback")
}

func TestCommitAssignsOneVersionForAllEffects(t *testing.T) {
	dir := t.TempDir()
	db := openStrict(t, dir)
	defer db.Close()
	require.NoError(t, db.CreateBranch("main"))

	tx := db.Begin("main")
	require.NoError(t, tx.Put(kvKey("main", "a"), core.NewInt(1), 0))
	require.NoError(t, tx.Put(kvKey("main", "b"), core.NewInt(2), 0))
	require.NoError(t, db.Commit(tx))

	va, err := db.Store().Get(kvKey("main", "a"))
	require.NoError(t, err)
	vb, err := db.Store().Get(kvKey("main", "b"))
	require.NoError(t, err)
	require.Equal(t, va.Version.Uint64(), vb.Version.Uint64(),
		"all effects of one transaction share one commit version")
}

func TestFirstCommitterWins(t *testing.T) {
	dir := t.TempDir()
	db := openStrict(t, dir)
	defer db.Close()
	require.NoError(t, db.CreateBranch("main"))
	commitPut(t, db, "main", "k", "v0")

	tx1 := db.Begin("main")
	tx2 := db.Begin("main")

	_, err := tx1.Get(kvKey("main", "k"))
	require.NoError(t, err)
	_, err = tx2.Get(kvKey("main", "k"))
	require.NoError(t, err)

	require.NoError(t, tx1.Put(kvKey("main", "k"), core.NewString("t1"), 0))
	require.NoError(t, tx2.Put(kvKey("main", "k"), core.NewString("t2"), 0))

	require.NoError(t, db.Commit(tx1))
	err = db.Commit(tx2)
	require.Error(t, err)
	require.True(t, core.IsCode(err, core.CodeConflict),
		"second committer must lose with a Conflict, got %v", err)
}

func TestReadOnlyTransactionWritesNoWAL(t *testing.T) {
	dir := t.TempDir()
	db := openStrict(t, dir)
	defer db.Close()
	require.NoError(t, db.CreateBranch("main"))
	for i := 0; i < 10; i++ {
		commitPut(t, db, "main", string(rune('a'+i)), "v")
	}

	before, err := db.WALSize()
	require.NoError(t, err)

	tx := db.Begin("main")
	_, err = tx.Get(kvKey("main", "a"))
	require.NoError(t, err)
	_, err = db.Store().ScanPrefix(core.NamespaceForBranch("main"), core.TagKV, nil, db.Store().CurrentVersion())
	require.NoError(t, err)
	require.NoError(t, db.Commit(tx))

	after, err := db.WALSize()
	require.NoError(t, err)
	require.Equal(t, before, after, "read-only work must append zero WAL bytes")
}

func TestDurableCommitSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	db := openStrict(t, dir)
	require.NoError(t, db.CreateBranch("main"))
	commitPut(t, db, "main", "durable", "yes")
	require.NoError(t, db.Close())

	db = openStrict(t, dir)
	defer db.Close()
	vv, err := db.Store().Get(kvKey("main", "durable"))
	require.NoError(t, err)
	require.NotNil(t, vv)
	require.True(t, vv.Value.Equal(core.NewString("yes")))
}

func TestDeterministicReplay(t *testing.T) {
	dir := t.TempDir()
	db := openStrict(t, dir)
	require.NoError(t, db.CreateBranch("main"))
	for i := 0; i < 20; i++ {
		commitPut(t, db, "main", "key", string(rune('a'+i%26)))
	}
	tx := db.Begin("main")
	require.NoError(t, tx.Delete(kvKey("main", "key")))
	require.NoError(t, db.Commit(tx))
	require.NoError(t, db.Close())

	db = openStrict(t, dir)
	hash1 := db.Store().ContentHash()
	require.NoError(t, db.Close())

	db = openStrict(t, dir)
	hash2 := db.Store().ContentHash()
	require.NoError(t, db.Close())

	require.Equal(t, hash1, hash2, "replay must be deterministic across reopens")
}

func TestUncommittedTransactionVanishes(t *testing.T) {
	dir := t.TempDir()
	db := openStrict(t, dir)
	require.NoError(t, db.CreateBranch("main"))
	commitPut(t, db, "main", "committed", "v")
	require.NoError(t, db.Close())

	// Simulate a crash mid-transaction: a Begin and Put with no commit
	// marker at the WAL tail.
	writer, err := wal.OpenWriter(db.WALPath())
	require.NoError(t, err)
	txID := wal.TxIDFromUint64(9999)
	begin := &wal.BeginTxnPayload{Branch: "main"}
	payload := &wal.PutPayload{
		Key:     kvKey("main", "ghost"),
		Value:   core.NewString("never-committed"),
		Version: core.TxnVersion(9999),
	}
	encoded, err := payload.Encode()
	require.NoError(t, err)
	_, err = writer.AppendBatch([]*wal.Entry{
		{Type: wal.EntryBeginTxn, TxID: txID, Payload: begin.Encode()},
		{Type: wal.EntryPut, TxID: txID, Payload: encoded},
	})
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	db = openStrict(t, dir)
	defer db.Close()

	vv, err := db.Store().Get(kvKey("main", "ghost"))
	require.NoError(t, err)
	require.Nil(t, vv, "uncommitted effects must not surface after recovery")
	vv, err = db.Store().Get(kvKey("main", "committed"))
	require.NoError(t, err)
	require.NotNil(t, vv, "committed data must survive")
}

func TestRecoveryResyncsPastCorruption(t *testing.T) {
	dir := t.TempDir()
	db := openStrict(t, dir)
	require.NoError(t, db.CreateBranch("main"))
	for i := 0; i < 5; i++ {
		commitPut(t, db, "main", string(rune('a'+i)), "v")
	}
	require.NoError(t, db.Close())

	// Append garbage bytes after the last entry frame.
	walPath := db.WALPath()
	data, err := os.ReadFile(walPath)
	require.NoError(t, err)
	var corrupted []byte
	corrupted = append(corrupted, data...)
	corrupted = append(corrupted, 0xde, 0xad, 0xbe, 0xef, 0x01, 0x02, 0x03)
	require.NoError(t, os.WriteFile(walPath, corrupted, 0o644))

	db = openStrict(t, dir)
	defer db.Close()

	info := db.RecoveryInfo()
	require.GreaterOrEqual(t, info.CorruptEntries, uint64(1))
	for i := 0; i < 5; i++ {
		vv, err := db.Store().Get(kvKey("main", string(rune('a'+i))))
		require.NoError(t, err)
		require.NotNil(t, vv, "all committed data must survive corruption at the tail")
	}
}

func TestSnapshotWALEquivalence(t *testing.T) {
	dir := t.TempDir()
	db := openStrict(t, dir)
	require.NoError(t, db.CreateBranch("main"))
	for i := 0; i < 10; i++ {
		commitPut(t, db, "main", "k", string(rune('a'+i)))
	}
	_, err := db.CreateSnapshot()
	require.NoError(t, err)
	for i := 10; i < 15; i++ {
		commitPut(t, db, "main", "k", string(rune('a'+i)))
	}
	hashLive := db.Store().ContentHash()
	require.NoError(t, db.Close())

	// Recover from snapshot + WAL suffix.
	db = openStrict(t, dir)
	hashSnapshotPath := db.Store().ContentHash()
	require.NoError(t, db.Close())
	require.Equal(t, hashLive, hashSnapshotPath)

	// Recover from the WAL alone (snapshot and watermark removed).
	require.NoError(t, os.RemoveAll(durability.SnapshotDir(dir)))
	require.NoError(t, os.Remove(db.watermarkPath()))
	db = openStrict(t, dir)
	hashWALOnly := db.Store().ContentHash()
	require.NoError(t, db.Close())

	require.Equal(t, hashSnapshotPath, hashWALOnly,
		"snapshot+WAL recovery must equal WAL-only recovery")
}

func TestCompactionAfterSnapshot(t *testing.T) {
	dir := t.TempDir()
	db := openStrict(t, dir)
	defer db.Close()
	require.NoError(t, db.CreateBranch("main"))
	for i := 0; i < 50; i++ {
		commitPut(t, db, "main", "padding-key-with-some-length", "payload-value-with-some-length")
	}
	_, err := db.CreateSnapshot()
	require.NoError(t, err)

	sizeBefore, err := db.WALSize()
	require.NoError(t, err)

	info, err := db.Compact(durability.CompactWALOnly, nil)
	require.NoError(t, err)
	require.Positive(t, info.ReclaimedBytes)

	sizeAfter, err := db.WALSize()
	require.NoError(t, err)
	require.Less(t, sizeAfter, sizeBefore)

	// Data still fully readable after compaction.
	vv, err := db.Store().Get(kvKey("main", "padding-key-with-some-length"))
	require.NoError(t, err)
	require.NotNil(t, vv)
}

func TestCompactionThenReopen(t *testing.T) {
	dir := t.TempDir()
	db := openStrict(t, dir)
	require.NoError(t, db.CreateBranch("main"))
	for i := 0; i < 50; i++ {
		commitPut(t, db, "main", "some-reasonably-long-key", "some-reasonably-long-value")
	}
	_, err := db.CreateSnapshot()
	require.NoError(t, err)
	commitPut(t, db, "main", "after-snapshot", "v")
	hashBefore := db.Store().ContentHash()

	_, err = db.Compact(durability.CompactWALOnly, nil)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db = openStrict(t, dir)
	defer db.Close()
	require.Equal(t, hashBefore, db.Store().ContentHash(),
		"compaction must be logically invisible")
}

func TestBranchLifecycle(t *testing.T) {
	dir := t.TempDir()
	db := openStrict(t, dir)
	defer db.Close()

	require.NoError(t, db.CreateBranch("b1"))
	require.True(t, db.BranchExists("b1"))
	require.Equal(t, BranchActive, db.BranchStatus("b1"))

	err := db.CreateBranch("b1")
	require.True(t, core.IsCode(err, core.CodeInvalidInput),
		"duplicate branch create must fail, got %v", err)

	require.NoError(t, db.CompleteBranch("b1"))
	require.Equal(t, BranchCompleted, db.BranchStatus("b1"))
	require.Equal(t, BranchNotFound, db.BranchStatus("missing"))
}

func TestOrphanedBranchAfterCrash(t *testing.T) {
	dir := t.TempDir()
	db := openStrict(t, dir)
	require.NoError(t, db.CreateBranch("interrupted"))
	require.NoError(t, db.Close())

	db = openStrict(t, dir)
	defer db.Close()
	require.Equal(t, BranchOrphaned, db.BranchStatus("interrupted"),
		"an active branch with no end marker is orphaned after recovery")
}

func TestDeleteBranchTombstonesData(t *testing.T) {
	dir := t.TempDir()
	db := openStrict(t, dir)
	require.NoError(t, db.CreateBranch("doomed"))
	commitPut(t, db, "doomed", "k", "v")

	require.NoError(t, db.DeleteBranch("doomed"))
	require.False(t, db.BranchExists("doomed"))
	vv, err := db.Store().Get(kvKey("doomed", "k"))
	require.NoError(t, err)
	require.Nil(t, vv)
	require.NoError(t, db.Close())

	// Deletion replays deterministically: the branch stays gone.
	db = openStrict(t, dir)
	defer db.Close()
	require.False(t, db.BranchExists("doomed"))
	vv, err = db.Store().Get(kvKey("doomed", "k"))
	require.NoError(t, err)
	require.Nil(t, vv)
}

func TestCommitHooksObserveEffects(t *testing.T) {
	dir := t.TempDir()
	db := openStrict(t, dir)
	defer db.Close()
	require.NoError(t, db.CreateBranch("main"))

	var observed []string
	db.RegisterCommitHook(func(branch core.BranchID, version uint64, effects txn.Effects) {
		for _, w := range effects.Writes {
			observed = append(observed, string(w.Key.UserKey))
		}
	})

	commitPut(t, db, "main", "hooked", "v")
	require.Equal(t, []string{"hooked"}, observed)
}

func TestInMemoryModeHasNoWAL(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, Options{Mode: durability.InMemory, ModeSet: true})
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.CreateBranch("main"))
	commitPut(t, db, "main", "k", "v")

	_, err = os.Stat(db.WALPath())
	require.True(t, os.IsNotExist(err), "InMemory mode must not create a WAL file")
}
