// pkg/storage/snapshot.go
package storage

import (
	"strata/pkg/core"
)

// SnapshotView is an O(1) logical snapshot: a version watermark over
// the live shard maps. Chains only grow, so every read through the view
// filters to versions <= the watermark and observes a consistent state.
type SnapshotView struct {
	store     *Store
	watermark uint64
}

// Watermark returns the snapshot's version watermark.
func (v *SnapshotView) Watermark() uint64 {
	return v.watermark
}

// Get returns the value visible at the snapshot watermark.
func (v *SnapshotView) Get(key core.Key) (*core.VersionedValue, error) {
	return v.store.GetVersioned(key, v.watermark)
}

// VersionAt returns the newest version tag visible at the snapshot,
// tombstones included.
func (v *SnapshotView) VersionAt(key core.Key) (uint64, bool, error) {
	return v.store.VersionAt(key, v.watermark)
}

// ScanPrefix enumerates a (branch, tag) prefix as of the snapshot.
func (v *SnapshotView) ScanPrefix(ns core.Namespace, tag core.TypeTag, prefix []byte) ([]KeyValue, error) {
	return v.store.ScanPrefix(ns, tag, prefix, v.watermark)
}

// ScanByBranch enumerates a branch as of the snapshot.
func (v *SnapshotView) ScanByBranch(branch core.BranchID) ([]KeyValue, error) {
	return v.store.ScanByBranch(branch, v.watermark)
}

// ScanByType enumerates one primitive family of a branch as of the
// snapshot.
func (v *SnapshotView) ScanByType(branch core.BranchID, tag core.TypeTag) ([]KeyValue, error) {
	return v.store.ScanByType(branch, tag, v.watermark)
}
