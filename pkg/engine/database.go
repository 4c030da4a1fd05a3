// pkg/engine/database.go
// Package engine wires the store, the transaction runtime and the
// durability layer into the Database handle: open/recover, commit,
// branch lifecycle, snapshots and compaction.
package engine

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"strata/pkg/core"
	"strata/pkg/durability"
	"strata/pkg/storage"
	"strata/pkg/txn"
	"strata/pkg/wal"
)

var (
	// ErrDatabaseClosed is returned when attempting operations on a closed database
	ErrDatabaseClosed = errors.New("database is closed")

	// ErrDatabaseLocked is returned when the data directory is already locked
	ErrDatabaseLocked = errors.New("database is locked by another process")
)

// WALFileName is the WAL file inside the data directory.
const WALFileName = "wal.bin"

// watermarkFileName is the watermark file inside the data directory.
const watermarkFileName = "watermark"

// CommitHook observes committed effects. Derived indices (search)
// subscribe here; hooks run after the store apply, in registration
// order.
type CommitHook func(branch core.BranchID, commitVersion uint64, effects txn.Effects)

// Database is the engine handle. All methods are safe for concurrent
// use.
type Database struct {
	mu sync.RWMutex

	dataDir string
	logger  *zap.Logger

	lockFile *os.File
	store    *storage.Store
	txns     *txn.Manager
	branches *branchTracker
	limits   core.Limits

	modeKind  durability.ModeKind
	mode      durability.Mode
	walWriter *wal.Writer
	walMgr    *wal.Manager
	compactor *durability.Compactor

	// commitMu serializes the validate→persist→apply window so
	// first-committer-wins holds.
	commitMu sync.Mutex

	commitHooks []CommitHook

	extensions map[string]interface{}

	// vectorStateProvider contributes the opaque vector section of
	// snapshots; set by the vector substrate when in use.
	vectorStateProvider func() ([]byte, error)

	// loadedVectorState is the vector section of the snapshot loaded at
	// open, consumed by the vector recovery participant.
	loadedVectorState []byte

	// recoveredAuxEntries are committed non-storage WAL entries
	// (vector ops) retained from replay for recovery participants.
	recoveredAuxEntries []*wal.Entry

	recoveryInfo RecoveryInfo

	closed bool
}

// Open opens (or creates) a database in dataDir and runs recovery.
// Registered recovery participants run before Open returns.
func Open(dataDir string, opts Options) (*Database, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, err
	}

	modeKind, shards, limits, err := resolveConfig(dataDir, opts)
	if err != nil {
		return nil, err
	}

	// Lock the data dir against concurrent processes.
	lf, err := os.OpenFile(filepath.Join(dataDir, ".lock"), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	if err := lockFile(lf); err != nil {
		lf.Close()
		return nil, err
	}

	db := &Database{
		dataDir:    dataDir,
		logger:     logger,
		lockFile:   lf,
		store:      storage.NewStoreWithShards(shards),
		txns:       txn.NewManager(),
		branches:   newBranchTracker(),
		limits:     limits,
		modeKind:   modeKind,
		extensions: make(map[string]interface{}),
	}

	switch modeKind {
	case durability.InMemory:
		db.mode = durability.NewInMemory()
	case durability.Buffered, durability.Strict:
		writer, err := wal.OpenWriter(db.WALPath())
		if err != nil {
			db.releaseLock()
			return nil, err
		}
		db.walWriter = writer
		mgr, err := wal.NewManager(db.WALPath(), logger)
		if err != nil {
			writer.Close()
			db.releaseLock()
			return nil, err
		}
		db.walMgr = mgr
		if modeKind == durability.Strict {
			db.mode = durability.NewStrict(writer)
		} else {
			db.mode = durability.NewBuffered(writer, logger)
		}
		db.compactor = durability.NewCompactor(db.store, mgr, writer, db.watermarkPath(), logger)
	}

	if err := db.recover(); err != nil {
		db.mode.Shutdown()
		if db.walWriter != nil {
			db.walWriter.Close()
		}
		db.releaseLock()
		return nil, err
	}

	if err := runRecoveryParticipants(db); err != nil {
		db.mode.Shutdown()
		if db.walWriter != nil {
			db.walWriter.Close()
		}
		db.releaseLock()
		return nil, err
	}

	logger.Info("database opened",
		zap.String("data_dir", dataDir),
		zap.String("mode", db.mode.Name()),
		zap.Uint64("version", db.store.CurrentVersion()))
	return db, nil
}

func (db *Database) releaseLock() {
	if db.lockFile != nil {
		unlockFile(db.lockFile)
		db.lockFile.Close()
		db.lockFile = nil
	}
}

// Close shuts the database down, draining buffered durability state.
// A flush failure during shutdown surfaces.
func (db *Database) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return ErrDatabaseClosed
	}
	db.closed = true
	db.mu.Unlock()

	var firstErr error
	if err := db.mode.Shutdown(); err != nil {
		firstErr = err
	}
	if db.walWriter != nil {
		if err := db.walWriter.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	db.releaseLock()
	return firstErr
}

func (db *Database) checkOpen() error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return ErrDatabaseClosed
	}
	return nil
}

// DataDir returns the data directory.
func (db *Database) DataDir() string { return db.dataDir }

// WALPath returns the WAL file path.
func (db *Database) WALPath() string { return filepath.Join(db.dataDir, WALFileName) }

func (db *Database) watermarkPath() string { return filepath.Join(db.dataDir, watermarkFileName) }

// Store returns the underlying sharded store.
func (db *Database) Store() *storage.Store { return db.store }

// Limits returns the effective resource limits.
func (db *Database) Limits() core.Limits { return db.limits }

// Logger returns the engine logger.
func (db *Database) Logger() *zap.Logger { return db.logger }

// DurabilityKind returns the active durability mode kind.
func (db *Database) DurabilityKind() durability.ModeKind { return db.modeKind }

// WALSize returns the current WAL size in bytes (zero for InMemory).
func (db *Database) WALSize() (int64, error) {
	if db.walMgr == nil {
		return 0, nil
	}
	return db.walMgr.Size()
}

// NewTxnID allocates a WAL transaction id outside the transaction
// runtime. The vector substrate uses this to bracket heap and metadata
// writes in one transaction.
func (db *Database) NewTxnID() wal.TxID {
	return wal.TxIDFromUint64(db.txns.AllocateID())
}

// AllocateVersion reserves the next store-monotone version.
func (db *Database) AllocateVersion() uint64 {
	return db.store.AllocateVersion()
}

// Persist writes a WAL entry batch through the active durability mode.
func (db *Database) Persist(batch []*wal.Entry) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	return db.mode.Persist(batch)
}

// Extension returns a named extension object.
func (db *Database) Extension(name string) (interface{}, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	ext, ok := db.extensions[name]
	return ext, ok
}

// SetExtension installs a named extension object.
func (db *Database) SetExtension(name string, ext interface{}) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.extensions[name] = ext
}

// RegisterCommitHook subscribes to committed effects.
func (db *Database) RegisterCommitHook(hook CommitHook) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.commitHooks = append(db.commitHooks, hook)
}

// SetVectorStateProvider installs the snapshot contributor for vector
// backend state.
func (db *Database) SetVectorStateProvider(provider func() ([]byte, error)) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.vectorStateProvider = provider
}

// LoadedVectorState returns the vector section of the snapshot loaded
// at open, or nil.
func (db *Database) LoadedVectorState() []byte {
	return db.loadedVectorState
}

// RecoveredAuxEntries returns committed non-storage WAL entries
// retained from replay, in replay order.
func (db *Database) RecoveredAuxEntries() []*wal.Entry {
	return db.recoveredAuxEntries
}

// RecoveryInfo reports what the last open recovered.
func (db *Database) RecoveryInfo() RecoveryInfo {
	return db.recoveryInfo
}

// ---------------------------------------------------------------
// Branch lifecycle
// ---------------------------------------------------------------

// CreateBranch registers a branch and logs its begin marker. Branch
// creation is not versioned data and never routes through a
// transaction.
func (db *Database) CreateBranch(id core.BranchID) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	if id == "" {
		return core.NewError(core.CodeInvalidInput, "branch id cannot be empty")
	}
	now := uint64(time.Now().UnixMicro())
	if err := db.branches.begin(id, now); err != nil {
		return err
	}

	payload := &wal.RunPayload{Branch: id, AtMicros: now}
	entry := &wal.Entry{Type: wal.EntryRunBegin, TxID: wal.NilTxID, Payload: payload.Encode()}
	if err := db.mode.Persist([]*wal.Entry{entry}); err != nil {
		db.branches.remove(id)
		return core.WrapError(core.CodeStorage, "persist branch begin", err)
	}
	return nil
}

// CompleteBranch marks a branch as completed and logs its end marker.
func (db *Database) CompleteBranch(id core.BranchID) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	now := uint64(time.Now().UnixMicro())
	if err := db.branches.end(id, now); err != nil {
		return err
	}
	payload := &wal.RunPayload{Branch: id, AtMicros: now}
	entry := &wal.Entry{Type: wal.EntryRunEnd, TxID: wal.NilTxID, Payload: payload.Encode()}
	if err := db.mode.Persist([]*wal.Entry{entry}); err != nil {
		return core.WrapError(core.CodeStorage, "persist branch end", err)
	}
	return nil
}

// DeleteBranch tombstones every key of the branch in one transaction
// and removes the lifecycle record. History stays until compaction.
func (db *Database) DeleteBranch(id core.BranchID) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	if !db.branches.exists(id) {
		return core.Errorf(core.CodeNotFound, "branch %q not found", id)
	}

	tx := db.Begin(id)
	entries, err := db.store.ScanByBranch(id, db.store.CurrentVersion())
	if err != nil {
		db.Rollback(tx)
		return err
	}
	for _, kv := range entries {
		if err := tx.Delete(kv.Key); err != nil {
			db.Rollback(tx)
			return err
		}
	}
	if err := db.Commit(tx); err != nil {
		return err
	}

	now := uint64(time.Now().UnixMicro())
	payload := &wal.RunPayload{Branch: id, AtMicros: now, Deleted: true}
	entry := &wal.Entry{Type: wal.EntryRunEnd, TxID: wal.NilTxID, Payload: payload.Encode()}
	if err := db.mode.Persist([]*wal.Entry{entry}); err != nil {
		return core.WrapError(core.CodeStorage, "persist branch end", err)
	}
	db.branches.remove(id)
	return nil
}

// BranchExists reports whether a branch exists.
func (db *Database) BranchExists(id core.BranchID) bool {
	return db.branches.exists(id)
}

// BranchStatus returns a branch's lifecycle status.
func (db *Database) BranchStatus(id core.BranchID) BranchStatus {
	return db.branches.status(id)
}

// ListBranches returns all branch ids, sorted.
func (db *Database) ListBranches() []core.BranchID {
	return db.branches.list()
}

// ---------------------------------------------------------------
// Transactions
// ---------------------------------------------------------------

// Begin opens a transaction on the branch over a fresh snapshot.
func (db *Database) Begin(branch core.BranchID) *txn.Transaction {
	return db.txns.Begin(branch, db.store.Snapshot())
}

// Rollback aborts a transaction, discarding its staged effects.
func (db *Database) Rollback(tx *txn.Transaction) {
	db.txns.Abort(tx)
}

// Stats returns store statistics.
func (db *Database) Stats() storage.StoreStats {
	return db.store.Stats()
}

// PurgeExpired tombstones every expired key.
func (db *Database) PurgeExpired() (int, error) {
	return db.store.PurgeExpired(uint64(time.Now().UnixMicro()))
}

// ---------------------------------------------------------------
// Snapshots and compaction
// ---------------------------------------------------------------

// CreateSnapshot captures the full store image, writes it atomically,
// and advances the watermark. Returns the snapshot id.
func (db *Database) CreateSnapshot() (uint64, error) {
	if err := db.checkOpen(); err != nil {
		return 0, err
	}
	if db.modeKind == durability.InMemory {
		return 0, core.NewError(core.CodeConstraintViolation,
			"snapshots require a persistent durability mode")
	}

	// Quiesce commits so the snapshot watermark is exact.
	db.commitMu.Lock()
	defer db.commitMu.Unlock()

	watermark, err := wal.LoadWatermark(db.watermarkPath())
	if err != nil {
		return 0, core.WrapError(core.CodeStorage, "load watermark", err)
	}

	snap := &durability.Snapshot{
		ID:              watermark.NextSnapshotID(),
		WatermarkTx:     db.txns.CurrentID(),
		Version:         db.store.CurrentVersion(),
		WALOffset:       uint64(db.walWriter.Offset()),
		CreatedAtMicros: uint64(time.Now().UnixMicro()),
		Chains:          db.store.DumpChains(),
	}
	for _, rec := range db.branches.dump() {
		snap.Branches = append(snap.Branches, durability.BranchDump{
			ID:              rec.id,
			Status:          uint8(rec.status),
			StartedAtMicros: rec.startedAtMicros,
			EndedAtMicros:   rec.endedAtMicros,
		})
	}
	if db.vectorStateProvider != nil {
		state, err := db.vectorStateProvider()
		if err != nil {
			return 0, core.WrapError(core.CodeStorage, "capture vector state", err)
		}
		snap.VectorState = state
	}

	if _, err := durability.WriteSnapshot(db.dataDir, snap); err != nil {
		return 0, core.WrapError(core.CodeStorage, "write snapshot", err)
	}

	// The watermark only advances after the snapshot is durable.
	newWatermark := &wal.Watermark{
		SnapshotID:      snap.ID,
		WatermarkTx:     snap.WatermarkTx,
		UpdatedAtMicros: snap.CreatedAtMicros,
		WALOffset:       snap.WALOffset,
	}
	if err := wal.SaveWatermark(db.watermarkPath(), newWatermark); err != nil {
		return 0, core.WrapError(core.CodeStorage, "save watermark", err)
	}

	marker := &wal.SnapshotMarkerPayload{
		SnapshotID:  snap.ID,
		WatermarkTx: snap.WatermarkTx,
		WALOffset:   snap.WALOffset,
	}
	entry := &wal.Entry{Type: wal.EntrySnapshotMarker, TxID: wal.NilTxID, Payload: marker.Encode()}
	if err := db.mode.Persist([]*wal.Entry{entry}); err != nil {
		return 0, core.WrapError(core.CodeStorage, "persist snapshot marker", err)
	}

	db.logger.Info("snapshot created",
		zap.Uint64("snapshot_id", snap.ID),
		zap.Uint64("watermark_tx", snap.WatermarkTx))
	return snap.ID, nil
}

// Compact runs user-triggered compaction.
func (db *Database) Compact(mode durability.CompactMode, retention *durability.RetentionPolicy) (*durability.CompactInfo, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	if db.compactor == nil {
		return nil, core.NewError(core.CodeConstraintViolation,
			"compaction requires a persistent durability mode")
	}
	return db.compactor.Compact(mode, retention)
}
