// pkg/search/recovery.go
package search

import (
	"go.uber.org/zap"

	"strata/pkg/core"
	"strata/pkg/engine"
	"strata/pkg/txn"
)

// RegisterRecovery registers the search recovery participant. Call
// once at startup, after the vector participant, before opening a
// database.
//
// The participant tries the mmap fast path first (manifest + sealed
// segments). When those are missing or corrupt it falls back to a full
// scan of KV, State and Event entries, indexes every textual or
// JSON-serializable value, and freezes the rebuilt index so the next
// start takes the fast path.
func RegisterRecovery() {
	engine.RegisterRecoveryParticipant(engine.RecoveryParticipant{
		Name:    "search",
		Recover: recoverFromDB,
	})
}

// FromDatabase returns the search index installed on the database.
func FromDatabase(db *engine.Database) (*Index, bool) {
	ext, ok := db.Extension(ExtensionName)
	if !ok {
		return nil, false
	}
	idx, ok := ext.(*Index)
	return idx, ok
}

// Attach installs a search index on the database and subscribes it to
// commits so new writes are indexed as they land.
func Attach(db *engine.Database) *Index {
	if idx, ok := FromDatabase(db); ok {
		return idx
	}
	idx := NewIndex()
	idx.SetDataDir(db.DataDir())
	db.SetExtension(ExtensionName, idx)
	db.RegisterCommitHook(func(branch core.BranchID, _ uint64, effects txn.Effects) {
		idx.applyEffects(branch, effects)
	})
	return idx
}

// applyEffects indexes committed writes and drops committed deletes.
func (idx *Index) applyEffects(branch core.BranchID, effects txn.Effects) {
	if !idx.Enabled() {
		return
	}
	for _, w := range effects.Writes {
		idx.indexValue(branch, w.Key, w.Value)
	}
	for _, c := range effects.CAS {
		idx.indexValue(branch, c.Key, c.NewValue)
	}
	for _, key := range effects.Deletes {
		if !indexableTag(key.Tag) {
			continue
		}
		idx.RemoveDocument(DocRef{Branch: branch, Tag: key.Tag, UserKey: string(key.UserKey)})
	}
}

func indexableTag(tag core.TypeTag) bool {
	switch tag {
	case core.TagKV, core.TagState, core.TagEvent, core.TagJson:
		return true
	}
	return false
}

func (idx *Index) indexValue(branch core.BranchID, key core.Key, value core.Value) {
	if !indexableTag(key.Tag) {
		return
	}
	text, ok := value.SearchText()
	if !ok {
		return
	}
	idx.IndexDocument(DocRef{Branch: branch, Tag: key.Tag, UserKey: string(key.UserKey)}, text)
}

func recoverFromDB(db *engine.Database) error {
	idx := Attach(db)
	logger := db.Logger()

	// Fast path: manifest + mmap'd sealed segments. The segments cover
	// everything frozen at their creation; writes since then come from
	// the delta scan below.
	loaded, err := idx.LoadFromDisk()
	if err != nil {
		logger.Warn("search mmap cache unusable, falling back to scan rebuild",
			zap.Error(err))
		loaded = false
	}

	// Scan stored values: index everything the segments don't cover.
	store := db.Store()
	maxVersion := store.CurrentVersion()
	live := make(map[string]struct{})
	indexed := 0
	for _, branch := range store.BranchIDs() {
		for _, tag := range []core.TypeTag{core.TagKV, core.TagState, core.TagEvent, core.TagJson} {
			entries, err := store.ScanByType(branch, tag, maxVersion)
			if err != nil {
				return err
			}
			for _, kv := range entries {
				text, ok := kv.Value.Value.SearchText()
				if !ok {
					continue
				}
				ref := DocRef{Branch: branch, Tag: tag, UserKey: string(kv.Key.UserKey)}
				live[ref.Encode()] = struct{}{}
				if loaded && idx.SegmentCovers(ref) {
					continue
				}
				idx.IndexDocument(ref, text)
				indexed++
			}
		}
	}

	if loaded {
		// Documents deleted since the freeze still sit in the sealed
		// segments; mask them.
		for _, ref := range idx.SegmentRefs() {
			if _, ok := live[ref.Encode()]; !ok {
				idx.RemoveDocument(ref)
			}
		}
		logger.Info("search index loaded from mmap cache",
			zap.Int("total_docs", idx.TotalDocs()),
			zap.Int("delta_docs", indexed))
		idx.Enable()
		return nil
	}

	// Freeze the full rebuild so the next open takes the fast path.
	// The files are a cache; a freeze failure is logged, not fatal.
	if indexed > 0 {
		if err := idx.FreezeToDisk(); err != nil {
			logger.Warn("failed to freeze search index", zap.Error(err))
		}
	}

	logger.Info("search index rebuilt from store scan", zap.Int("docs_indexed", indexed))
	idx.Enable()
	return nil
}
