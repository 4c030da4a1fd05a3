// pkg/engine/recovery.go
package engine

import (
	"os"
	"sort"
	"sync"

	"go.uber.org/zap"

	"strata/pkg/core"
	"strata/pkg/durability"
	"strata/pkg/wal"
)

// RecoveryParticipant rebuilds derived in-memory state after the core
// store is recovered. Participants receive a borrowed database handle
// and must be idempotent.
type RecoveryParticipant struct {
	Name    string
	Recover func(*Database) error
}

var participantsMu sync.Mutex
var participants []RecoveryParticipant

// RegisterRecoveryParticipant registers a participant process-wide.
// Registration must happen before Open; participants run in
// registration order (leaf primitives before higher-level indices).
func RegisterRecoveryParticipant(p RecoveryParticipant) {
	participantsMu.Lock()
	defer participantsMu.Unlock()
	for _, existing := range participants {
		if existing.Name == p.Name {
			return
		}
	}
	participants = append(participants, p)
}

// ClearRecoveryParticipants removes all registered participants.
// Intended for tests that open databases with differing wiring.
func ClearRecoveryParticipants() {
	participantsMu.Lock()
	defer participantsMu.Unlock()
	participants = nil
}

func runRecoveryParticipants(db *Database) error {
	participantsMu.Lock()
	registered := append([]RecoveryParticipant(nil), participants...)
	participantsMu.Unlock()

	for _, p := range registered {
		if err := p.Recover(db); err != nil {
			return core.WrapError(core.CodeStorage, "recovery participant "+p.Name, err)
		}
		db.logger.Debug("recovery participant finished", zap.String("name", p.Name))
	}
	return nil
}

// RecoveryInfo summarizes what recovery reconstructed.
type RecoveryInfo struct {
	SnapshotID           uint64
	ReplayedTransactions int
	ReplayedEntries      int
	CorruptEntries       uint64
	Resyncs              uint64
	OrphanedBranches     int
}

// txGroup accumulates one transaction's WAL entries during replay.
type txGroup struct {
	entries   []*wal.Entry
	committed bool
	aborted   bool
}

// recover rebuilds the store from snapshot plus WAL. The result is
// deterministic: committed transactions replay in transaction-id order
// with their exact versions; uncommitted entries are dropped; nothing
// is invented.
func (db *Database) recover() error {
	watermark := &wal.Watermark{}

	// Load the latest snapshot, if any.
	snap, err := durability.LoadLatestSnapshot(db.dataDir)
	if err != nil {
		return core.WrapError(core.CodeStorage, "load snapshot", err)
	}
	if snap != nil {
		for _, chain := range snap.Chains {
			if err := db.store.RestoreChain(chain); err != nil {
				return err
			}
		}
		for _, b := range snap.Branches {
			db.branches.restore(b.ID, BranchStatus(b.Status), b.StartedAtMicros, b.EndedAtMicros)
		}
		db.store.AdvanceVersion(snap.Version)
		db.txns.AdvanceID(snap.WatermarkTx)
		db.loadedVectorState = snap.VectorState
		db.recoveryInfo.SnapshotID = snap.ID

		loaded, err := wal.LoadWatermark(db.watermarkPath())
		if err != nil {
			return core.WrapError(core.CodeStorage, "load watermark", err)
		}
		watermark = loaded
		if watermark.SnapshotID == 0 {
			// Snapshot present but watermark missing: replay the whole
			// WAL; replay is idempotent against the snapshot contents.
			watermark = &wal.Watermark{
				SnapshotID:  snap.ID,
				WatermarkTx: snap.WatermarkTx,
				WALOffset:   snap.WALOffset,
			}
		}
	}

	if db.modeKind == durability.InMemory {
		return nil
	}
	if _, err := os.Stat(db.WALPath()); os.IsNotExist(err) {
		return nil
	}

	reader, err := wal.OpenReaderAt(db.WALPath(), int64(watermark.WALOffset), db.logger)
	if err != nil {
		return core.WrapError(core.CodeStorage, "open wal", err)
	}
	defer reader.Close()

	groups := make(map[uint64]*txGroup)
	var standalone []*wal.Entry

	for {
		entry, err := reader.Next()
		if err != nil {
			return core.WrapError(core.CodeCorruption, "read wal", err)
		}
		if entry == nil {
			break
		}

		if entry.TxID.IsNil() {
			standalone = append(standalone, entry)
			continue
		}

		txID := entry.TxID.Uint64()
		if watermark.IsCovered(txID) {
			// Fully contained in the snapshot.
			continue
		}

		group, ok := groups[txID]
		if !ok {
			group = &txGroup{}
			groups[txID] = group
		}
		switch entry.Type {
		case wal.EntryCommitTxn:
			group.committed = true
		case wal.EntryAbortTxn:
			group.aborted = true
		case wal.EntryBeginTxn:
			// Marker only; nothing to replay.
		default:
			group.entries = append(group.entries, entry)
		}
	}

	db.recoveryInfo.CorruptEntries = reader.CorruptionCount()
	db.recoveryInfo.Resyncs = reader.ResyncCount()

	// Replay committed transactions in transaction-id order.
	txIDs := make([]uint64, 0, len(groups))
	for id, group := range groups {
		if group.committed && !group.aborted {
			txIDs = append(txIDs, id)
		}
	}
	sort.Slice(txIDs, func(i, j int) bool { return txIDs[i] < txIDs[j] })

	maxTxID := watermark.WatermarkTx
	for _, id := range txIDs {
		group := groups[id]
		for _, entry := range group.entries {
			if err := db.replayEntry(entry); err != nil {
				return err
			}
		}
		db.recoveryInfo.ReplayedEntries += len(group.entries)
		if id > maxTxID {
			maxTxID = id
		}
	}
	db.recoveryInfo.ReplayedTransactions = len(txIDs)

	// Standalone (non-transactional) entries replay in offset order.
	for _, entry := range standalone {
		if err := db.replayEntry(entry); err != nil {
			return err
		}
	}

	db.txns.AdvanceID(maxTxID)
	db.recoveryInfo.OrphanedBranches = db.branches.markOrphans()

	db.logger.Info("recovery finished",
		zap.Uint64("snapshot_id", db.recoveryInfo.SnapshotID),
		zap.Int("replayed_transactions", db.recoveryInfo.ReplayedTransactions),
		zap.Uint64("corrupt_entries", db.recoveryInfo.CorruptEntries),
		zap.Uint64("resyncs", db.recoveryInfo.Resyncs))
	return nil
}

// replayEntry installs one recovered entry. Storage entries preserve
// their exact versions; vector entries are retained for the vector
// recovery participant; lifecycle markers update the branch tracker.
func (db *Database) replayEntry(entry *wal.Entry) error {
	switch entry.Type {
	case wal.EntryPut:
		payload, err := wal.DecodePutPayload(entry.Payload)
		if err != nil {
			return core.WrapError(core.CodeCorruption, "decode put", err)
		}
		err = db.store.PutWithVersion(payload.Key, payload.Value, payload.Version, payload.ExpiresAtMicros)
		if core.IsCode(err, core.CodeVersionConflict) {
			// Duplicate replay of a version already present (snapshot
			// overlap); the counter advanced, nothing to install.
			return nil
		}
		return err

	case wal.EntryDelete:
		payload, err := wal.DecodeDeletePayload(entry.Payload)
		if err != nil {
			return core.WrapError(core.CodeCorruption, "decode delete", err)
		}
		_, err = db.store.DeleteWithVersion(payload.Key, payload.Version)
		if core.IsCode(err, core.CodeVersionConflict) {
			return nil
		}
		return err

	case wal.EntryRunBegin:
		payload, err := wal.DecodeRunPayload(entry.Payload)
		if err != nil {
			return core.WrapError(core.CodeCorruption, "decode run begin", err)
		}
		if !db.branches.exists(payload.Branch) {
			return db.branches.begin(payload.Branch, payload.AtMicros)
		}
		return nil

	case wal.EntryRunEnd:
		payload, err := wal.DecodeRunPayload(entry.Payload)
		if err != nil {
			return core.WrapError(core.CodeCorruption, "decode run end", err)
		}
		if payload.Deleted {
			db.branches.remove(payload.Branch)
			return nil
		}
		if db.branches.exists(payload.Branch) {
			// End markers are advisory during replay; state errors mean
			// the branch already reached a terminal state.
			_ = db.branches.end(payload.Branch, payload.AtMicros)
		}
		return nil

	case wal.EntryVectorCollectionCreate, wal.EntryVectorCollectionDelete,
		wal.EntryVectorUpsert, wal.EntryVectorDelete:
		db.recoveredAuxEntries = append(db.recoveredAuxEntries, entry)
		return nil

	case wal.EntrySnapshotMarker:
		return nil
	}
	return nil
}
