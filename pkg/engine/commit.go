// pkg/engine/commit.go
package engine

import (
	"time"

	"strata/pkg/core"
	"strata/pkg/txn"
	"strata/pkg/wal"
)

// Commit drives the commit protocol:
//
//  1. Transition to Validating.
//  2. Validate read/cas/patch sets against the current store.
//  3. Allocate one commit version for every effect.
//  4. Persist the WAL batch through the durability mode.
//  5. Apply effects to the store at the commit version.
//  6. Run commit hooks (search and other derived indices).
//  7. Transition to Committed.
//
// A persist failure aborts the transaction with no partial storage
// state. Read-only transactions commit without touching the WAL.
func (db *Database) Commit(tx *txn.Transaction) error {
	if err := db.checkOpen(); err != nil {
		return err
	}

	if err := db.txns.BeginValidating(tx); err != nil {
		return err
	}

	// Read-only fast path: nothing to validate against writes, nothing
	// to persist. CAS and patches count as effects, so only genuinely
	// read-only transactions take it.
	if tx.IsReadOnly() {
		result, err := txn.Validate(tx, db.store)
		if err != nil {
			db.txns.Abort(tx)
			return err
		}
		if !result.IsValid() {
			db.txns.Abort(tx)
			return result.Err()
		}
		db.txns.Commit(tx)
		return nil
	}

	db.commitMu.Lock()
	defer db.commitMu.Unlock()

	result, err := txn.Validate(tx, db.store)
	if err != nil {
		db.txns.Abort(tx)
		return err
	}
	if !result.IsValid() {
		db.txns.Abort(tx)
		return result.Err()
	}

	effects := tx.Effects()
	if err := db.checkValueLimits(effects); err != nil {
		db.txns.Abort(tx)
		return err
	}
	nowMicros := uint64(time.Now().UnixMicro())
	commitVersion := db.store.AllocateVersion()

	// Materialize JSON patches into whole-document writes so the WAL
	// records the deterministic result, not the recipe.
	patchWrites, err := db.materializePatches(effects.Patches)
	if err != nil {
		db.txns.Abort(tx)
		return err
	}

	batch, err := buildCommitBatch(tx, effects, patchWrites, commitVersion, nowMicros)
	if err != nil {
		db.txns.Abort(tx)
		return err
	}

	if err := db.mode.Persist(batch); err != nil {
		db.txns.Abort(tx)
		return core.WrapError(core.CodeStorage, "persist commit", err)
	}

	if err := db.applyEffects(effects, patchWrites, commitVersion, nowMicros); err != nil {
		// The store rejects only invariant violations here; surface as
		// internal corruption rather than masking it.
		db.txns.Abort(tx)
		return err
	}

	// Hooks observe materialized patches as whole-document writes, so
	// derived indices see the final values.
	for _, pw := range patchWrites {
		effects.Writes = append(effects.Writes, txn.WriteEffect{Key: pw.key, Value: pw.value})
	}
	db.mu.RLock()
	hooks := append([]CommitHook(nil), db.commitHooks...)
	db.mu.RUnlock()
	for _, hook := range hooks {
		hook(tx.Branch(), commitVersion, effects)
	}

	db.txns.Commit(tx)
	return nil
}

// checkValueLimits bounds every staged value before anything is
// persisted.
func (db *Database) checkValueLimits(effects txn.Effects) error {
	check := func(v core.Value) error {
		raw, err := v.MarshalJSON()
		if err != nil {
			return core.WrapError(core.CodeSerialization, "encode value", err)
		}
		return db.limits.CheckValueSize(len(raw))
	}
	for _, w := range effects.Writes {
		if err := check(w.Value); err != nil {
			return err
		}
	}
	for _, c := range effects.CAS {
		if err := check(c.NewValue); err != nil {
			return err
		}
	}
	for _, p := range effects.Patches {
		if err := check(p.Value); err != nil {
			return err
		}
	}
	return nil
}

// materializedWrite is a JSON patch set collapsed into one document
// write.
type materializedWrite struct {
	key   core.Key
	value core.Value
}

// materializePatches folds each document's staged patches (disjoint
// paths, staged order) into a single resulting document value.
func (db *Database) materializePatches(patches []txn.JSONPatchEntry) ([]materializedWrite, error) {
	if len(patches) == 0 {
		return nil, nil
	}

	docs := make(map[string]*materializedWrite)
	var order []string
	for _, p := range patches {
		enc := p.Key.Encode()
		entry, ok := docs[enc]
		if !ok {
			current := core.NewNull()
			vv, err := db.store.Get(p.Key)
			if err != nil {
				return nil, core.WrapError(core.CodeStorage, "load document", err)
			}
			if vv != nil {
				current = vv.Value
			}
			entry = &materializedWrite{key: p.Key, value: current}
			docs[enc] = entry
			order = append(order, enc)
		}

		switch p.Op {
		case txn.JSONPatchSet:
			entry.value = core.SetAtPath(entry.value, p.Path, p.Value)
		case txn.JSONPatchDelete:
			entry.value, _ = core.DeleteAtPath(entry.value, p.Path)
		case txn.JSONPatchMerge:
			entry.value = core.MergeAtPath(entry.value, p.Path, p.Value)
		}
	}

	out := make([]materializedWrite, 0, len(order))
	for _, enc := range order {
		out = append(out, *docs[enc])
	}
	return out, nil
}

// buildCommitBatch renders the contiguous WAL entry run for one
// transaction: Begin, every effect, Commit.
func buildCommitBatch(tx *txn.Transaction, effects txn.Effects, patchWrites []materializedWrite, commitVersion, nowMicros uint64) ([]*wal.Entry, error) {
	txID := wal.TxIDFromUint64(tx.ID())

	begin := &wal.BeginTxnPayload{Branch: tx.Branch(), AtMicros: nowMicros}
	batch := []*wal.Entry{{Type: wal.EntryBeginTxn, TxID: txID, Payload: begin.Encode()}}

	appendPut := func(key core.Key, value core.Value, version core.Version, expires uint64) error {
		payload := &wal.PutPayload{Key: key, Value: value, Version: version, ExpiresAtMicros: expires}
		encoded, err := payload.Encode()
		if err != nil {
			return err
		}
		batch = append(batch, &wal.Entry{Type: wal.EntryPut, TxID: txID, Payload: encoded})
		return nil
	}

	for _, w := range effects.Writes {
		var expires uint64
		if w.TTL > 0 {
			expires = nowMicros + uint64(w.TTL.Microseconds())
		}
		if err := appendPut(w.Key, w.Value, core.Version{Kind: w.Kind, Value: commitVersion}, expires); err != nil {
			return nil, err
		}
	}
	for _, c := range effects.CAS {
		var expires uint64
		if c.TTL > 0 {
			expires = nowMicros + uint64(c.TTL.Microseconds())
		}
		if err := appendPut(c.Key, c.NewValue, core.Version{Kind: c.VersionKind, Value: commitVersion}, expires); err != nil {
			return nil, err
		}
	}
	for _, pw := range patchWrites {
		if err := appendPut(pw.key, pw.value, core.TxnVersion(commitVersion), 0); err != nil {
			return nil, err
		}
	}
	for _, key := range effects.Deletes {
		payload := &wal.DeletePayload{Key: key, Version: core.TxnVersion(commitVersion)}
		batch = append(batch, &wal.Entry{Type: wal.EntryDelete, TxID: txID, Payload: payload.Encode()})
	}

	commit := &wal.CommitTxnPayload{CommitVersion: commitVersion, AtMicros: nowMicros}
	batch = append(batch, &wal.Entry{Type: wal.EntryCommitTxn, TxID: txID, Payload: commit.Encode()})
	return batch, nil
}

// applyEffects installs every effect at the commit version.
func (db *Database) applyEffects(effects txn.Effects, patchWrites []materializedWrite, commitVersion, nowMicros uint64) error {
	for _, w := range effects.Writes {
		var expires uint64
		if w.TTL > 0 {
			expires = nowMicros + uint64(w.TTL.Microseconds())
		}
		version := core.Version{Kind: w.Kind, Value: commitVersion}
		if err := db.store.PutWithVersion(w.Key, w.Value, version, expires); err != nil {
			return err
		}
	}
	for _, c := range effects.CAS {
		var expires uint64
		if c.TTL > 0 {
			expires = nowMicros + uint64(c.TTL.Microseconds())
		}
		version := core.Version{Kind: c.VersionKind, Value: commitVersion}
		if err := db.store.PutWithVersion(c.Key, c.NewValue, version, expires); err != nil {
			return err
		}
	}
	for _, pw := range patchWrites {
		if err := db.store.PutWithVersion(pw.key, pw.value, core.TxnVersion(commitVersion), 0); err != nil {
			return err
		}
	}
	for _, key := range effects.Deletes {
		if _, err := db.store.DeleteWithVersion(key, core.TxnVersion(commitVersion)); err != nil {
			return err
		}
	}
	return nil
}
