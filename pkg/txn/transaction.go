// pkg/txn/transaction.go
// Package txn implements the optimistic transaction runtime: per
// transaction read/write/delete/CAS/patch sets, snapshot reads, and
// first-committer-wins validation at commit.
package txn

import (
	"sort"
	"sync"
	"time"

	"strata/pkg/core"
	"strata/pkg/storage"
)

// State tracks the transaction lifecycle. Transitions are explicit;
// operations on a non-Active transaction fail with
// TransactionNotActive.
type State int

const (
	StateIdle State = iota
	StateActive
	StateValidating
	StateCommitted
	StateAborted
)

// String returns a string representation of the transaction state
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateActive:
		return "Active"
	case StateValidating:
		return "Validating"
	case StateCommitted:
		return "Committed"
	case StateAborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

// CASKind selects how a compare-and-swap is validated.
type CASKind int

const (
	// CASByVersion compares the key's current version tag.
	CASByVersion CASKind = iota
	// CASByValue compares the key's current value, type-strict.
	CASByValue
)

// CASEntry is one staged compare-and-swap.
type CASEntry struct {
	Key             core.Key
	Kind            CASKind
	ExpectAbsent    bool
	ExpectedVersion uint64
	ExpectedValue   core.Value
	NewValue        core.Value
	TTL             time.Duration
	VersionKind     core.VersionKind
}

// JSONPatchOp selects what a staged JSON patch does at its path.
type JSONPatchOp int

const (
	JSONPatchSet JSONPatchOp = iota
	JSONPatchDelete
	JSONPatchMerge
)

// JSONPatchEntry is one staged regional write to a JSON document.
type JSONPatchEntry struct {
	Key         core.Key
	Path        core.JSONPath
	Op          JSONPatchOp
	Value       core.Value
	BaseVersion uint64
}

type readEntry struct {
	key     core.Key
	version uint64 // 0 = key observed absent
}

type writeEntry struct {
	key   core.Key
	value core.Value
	ttl   time.Duration
	kind  core.VersionKind
}

// Transaction is one optimistic transaction. Reads go through the
// staged effects first, then the snapshot; writes are buffered until
// commit. All effects of a committed transaction share one version.
type Transaction struct {
	mu       sync.Mutex
	id       uint64
	branch   core.BranchID
	state    State
	snapshot *storage.SnapshotView

	readSet   map[string]readEntry
	writeSet  map[string]writeEntry
	deleteSet map[string]core.Key
	casSet    []CASEntry
	patchSet  []JSONPatchEntry
}

// ID returns the numeric transaction id.
func (tx *Transaction) ID() uint64 {
	return tx.id
}

// Branch returns the branch the transaction is scoped to.
func (tx *Transaction) Branch() core.BranchID {
	return tx.branch
}

// State returns the current lifecycle state.
func (tx *Transaction) State() State {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state
}

// Snapshot returns the snapshot view the transaction reads through.
func (tx *Transaction) Snapshot() *storage.SnapshotView {
	return tx.snapshot
}

// IsActive reports whether operations may be staged.
func (tx *Transaction) IsActive() bool {
	return tx.State() == StateActive
}

func (tx *Transaction) requireActive() error {
	if tx.state != StateActive {
		return core.Errorf(core.CodeTransactionNotActive,
			"transaction %d is %s", tx.id, tx.state)
	}
	return nil
}

// Get reads a key through the transaction: staged writes and deletes
// first, then the snapshot. Snapshot reads are recorded in the read
// set for commit validation.
func (tx *Transaction) Get(key core.Key) (*core.VersionedValue, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.requireActive(); err != nil {
		return nil, err
	}
	return tx.getLocked(key)
}

func (tx *Transaction) getLocked(key core.Key) (*core.VersionedValue, error) {
	enc := key.Encode()
	if _, deleted := tx.deleteSet[enc]; deleted {
		return nil, nil
	}
	if w, ok := tx.writeSet[enc]; ok {
		// Staged writes have no version yet; surface them with the
		// snapshot watermark so callers see a consistent ordering.
		return &core.VersionedValue{
			Value:   w.value,
			Version: core.TxnVersion(tx.snapshot.Watermark()),
		}, nil
	}

	vv, err := tx.snapshot.Get(key)
	if err != nil {
		return nil, err
	}
	// Record the raw chain version, not the visible one: a tombstoned
	// or expired key still has a version, and recording zero for it
	// would fail validation against the live chain every time.
	version, exists, err := tx.snapshot.VersionAt(key)
	if err != nil {
		return nil, err
	}
	tx.recordReadLocked(key, version, exists)
	return vv, nil
}

// recordReadLocked notes the version observed for OCC validation. A
// miss is recorded as version zero so create-if-absent races are
// caught.
func (tx *Transaction) recordReadLocked(key core.Key, version uint64, exists bool) {
	enc := key.Encode()
	if _, seen := tx.readSet[enc]; seen {
		return
	}
	entry := readEntry{key: key}
	if exists {
		entry.version = version
	}
	tx.readSet[enc] = entry
}

// Put stages a write with the default transaction version kind.
func (tx *Transaction) Put(key core.Key, value core.Value, ttl time.Duration) error {
	return tx.PutWithKind(key, value, ttl, core.KindTxn)
}

// PutWithKind stages a write whose committed version carries a
// primitive-specific kind (Sequence for events, Counter for state
// cells). The version value is still the shared commit version.
func (tx *Transaction) PutWithKind(key core.Key, value core.Value, ttl time.Duration, kind core.VersionKind) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.requireActive(); err != nil {
		return err
	}
	enc := key.Encode()
	delete(tx.deleteSet, enc)
	tx.writeSet[enc] = writeEntry{key: key, value: value, ttl: ttl, kind: kind}
	return nil
}

// Delete stages a tombstone.
func (tx *Transaction) Delete(key core.Key) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.requireActive(); err != nil {
		return err
	}
	enc := key.Encode()
	delete(tx.writeSet, enc)
	tx.deleteSet[enc] = key
	return nil
}

// CAS stages a compare-and-swap.
func (tx *Transaction) CAS(entry CASEntry) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.requireActive(); err != nil {
		return err
	}
	tx.casSet = append(tx.casSet, entry)
	return nil
}

// Patch stages a regional JSON write. Overlapping paths on the same
// document within one transaction are write-write conflicts and are
// rejected immediately.
func (tx *Transaction) Patch(entry JSONPatchEntry) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.requireActive(); err != nil {
		return err
	}
	for _, existing := range tx.patchSet {
		if existing.Key.Equal(entry.Key) && existing.Path.Overlaps(entry.Path) {
			return core.Errorf(core.CodeConflict,
				"write-write conflict on %s: paths %s and %s overlap",
				entry.Key, existing.Path, entry.Path)
		}
	}
	tx.patchSet = append(tx.patchSet, entry)
	return nil
}

// StagedWrite returns the staged value for a key, distinguishing a
// staged delete from no staging at all. Read-only scan paths use this
// to overlay uncommitted effects.
func (tx *Transaction) StagedWrite(key core.Key) (value *core.Value, deleted bool, staged bool) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	enc := key.Encode()
	if _, ok := tx.deleteSet[enc]; ok {
		return nil, true, true
	}
	if w, ok := tx.writeSet[enc]; ok {
		v := w.value
		return &v, false, true
	}
	return nil, false, false
}

// StagedWrites returns every staged write, for scan overlays.
func (tx *Transaction) StagedWrites() []struct {
	Key   core.Key
	Value core.Value
} {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	out := make([]struct {
		Key   core.Key
		Value core.Value
	}, 0, len(tx.writeSet))
	for _, w := range tx.writeSet {
		out = append(out, struct {
			Key   core.Key
			Value core.Value
		}{Key: w.key, Value: w.value})
	}
	return out
}

// StagedPatches returns the staged JSON patches for one document, in
// staging order.
func (tx *Transaction) StagedPatches(key core.Key) []JSONPatchEntry {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	var out []JSONPatchEntry
	for _, p := range tx.patchSet {
		if p.Key.Equal(key) {
			out = append(out, p)
		}
	}
	return out
}

// AllStagedPatches returns every staged JSON patch, in staging order.
func (tx *Transaction) AllStagedPatches() []JSONPatchEntry {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return append([]JSONPatchEntry(nil), tx.patchSet...)
}

// IsReadOnly reports whether the transaction staged no effects. A
// read-only transaction must never append to the WAL.
func (tx *Transaction) IsReadOnly() bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return len(tx.writeSet) == 0 && len(tx.deleteSet) == 0 &&
		len(tx.casSet) == 0 && len(tx.patchSet) == 0
}

// Effects returns the staged effects for commit. Order within each set
// is deterministic (encoded-key order for writes and deletes).
func (tx *Transaction) Effects() Effects {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	eff := Effects{
		CAS:     append([]CASEntry(nil), tx.casSet...),
		Patches: append([]JSONPatchEntry(nil), tx.patchSet...),
	}
	for _, enc := range sortedKeys(tx.writeSet) {
		w := tx.writeSet[enc]
		eff.Writes = append(eff.Writes, WriteEffect{Key: w.key, Value: w.value, TTL: w.ttl, Kind: w.kind})
	}
	for _, enc := range sortedMapKeys(tx.deleteSet) {
		eff.Deletes = append(eff.Deletes, tx.deleteSet[enc])
	}
	return eff
}

// beginValidating transitions Active → Validating.
func (tx *Transaction) beginValidating() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.state != StateActive {
		return core.Errorf(core.CodeTransactionNotActive,
			"transaction %d is %s", tx.id, tx.state)
	}
	tx.state = StateValidating
	return nil
}

// markCommitted finalizes a successful commit.
func (tx *Transaction) markCommitted() {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.state = StateCommitted
}

// markAborted finalizes an abort or failed commit. Finished
// transactions stay in their terminal state.
func (tx *Transaction) markAborted() {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.state == StateActive || tx.state == StateValidating {
		tx.state = StateAborted
	}
}

// WriteEffect is one write to apply at commit.
type WriteEffect struct {
	Key   core.Key
	Value core.Value
	TTL   time.Duration
	Kind  core.VersionKind
}

// Effects is the full set of staged effects extracted for commit.
type Effects struct {
	Writes  []WriteEffect
	Deletes []core.Key
	CAS     []CASEntry
	Patches []JSONPatchEntry
}

func sortedKeys(m map[string]writeEntry) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedMapKeys(m map[string]core.Key) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
