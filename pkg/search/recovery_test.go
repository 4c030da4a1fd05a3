// pkg/search/recovery_test.go
package search

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"strata/pkg/core"
	"strata/pkg/durability"
	"strata/pkg/engine"
)

func openSearchDB(t *testing.T, dir string) (*engine.Database, *Index) {
	t.Helper()
	engine.ClearRecoveryParticipants()
	RegisterRecovery()
	db, err := engine.Open(dir, engine.Options{Mode: durability.Strict, ModeSet: true})
	require.NoError(t, err)
	idx, ok := FromDatabase(db)
	require.True(t, ok)
	return db, idx
}

func commitText(t *testing.T, db *engine.Database, userKey, text string) {
	t.Helper()
	tx := db.Begin("main")
	key := core.NewStringKey(core.NamespaceForBranch("main"), core.TagKV, userKey)
	require.NoError(t, tx.Put(key, core.NewString(text), 0))
	require.NoError(t, db.Commit(tx))
}

func TestCommitHookIndexesWrites(t *testing.T) {
	db, idx := openSearchDB(t, t.TempDir())
	defer db.Close()
	require.NoError(t, db.CreateBranch("main"))

	commitText(t, db, "note-1", "the mitochondria is the powerhouse of the cell")
	commitText(t, db, "note-2", "unrelated text about compilers")

	hits := idx.Search("mitochondria powerhouse", 10)
	require.Len(t, hits, 1)
	require.Equal(t, "note-1", hits[0].Ref.UserKey)

	// Deletes drop the document from the index.
	tx := db.Begin("main")
	key := core.NewStringKey(core.NamespaceForBranch("main"), core.TagKV, "note-1")
	require.NoError(t, tx.Delete(key))
	require.NoError(t, db.Commit(tx))

	require.Empty(t, idx.Search("mitochondria", 10))
}

func TestRecoveryRebuildsFromScanThenFastPath(t *testing.T) {
	dir := t.TempDir()
	db, _ := openSearchDB(t, dir)
	require.NoError(t, db.CreateBranch("main"))
	commitText(t, db, "doc", "searchable content survives restarts")
	require.NoError(t, db.Close())

	// First reopen: no frozen segments existed at first open, so this
	// open rebuilt from a scan and froze the result.
	db, idx := openSearchDB(t, dir)
	hits := idx.Search("searchable content", 10)
	require.Len(t, hits, 1)
	require.NoError(t, db.Close())

	// The freeze happened, so the next open takes the mmap fast path.
	manifest := filepath.Join(dir, "search", "manifest")
	_, err := os.Stat(manifest)
	require.NoError(t, err, "rebuild must freeze segments for the next start")

	db, idx = openSearchDB(t, dir)
	defer db.Close()
	hits = idx.Search("searchable content", 10)
	require.Len(t, hits, 1, "fast-path load must serve the same results")
}

func TestRecoveryFallsBackOnCorruptManifest(t *testing.T) {
	dir := t.TempDir()
	db, _ := openSearchDB(t, dir)
	require.NoError(t, db.CreateBranch("main"))
	commitText(t, db, "doc", "resilient against cache corruption")
	require.NoError(t, db.Close())

	// This open rebuilds from the scan and freezes the segments.
	db, _ = openSearchDB(t, dir)
	require.NoError(t, db.Close())

	// Corrupt the manifest: the mmap files are a cache, so recovery
	// must fall back to the scan rebuild without losing data.
	manifestPath := filepath.Join(dir, "search", "manifest")
	_, err := os.Stat(manifestPath)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(manifestPath, []byte("{broken"), 0o644))

	db, idx := openSearchDB(t, dir)
	defer db.Close()
	hits := idx.Search("resilient corruption", 10)
	require.Len(t, hits, 1)
}
