// pkg/primitives/session.go
// Package primitives implements the thin adapters (KV, Event, State,
// Trace, JSON, Space) over the transactional core, plus the session
// that routes operations through an active transaction.
package primitives

import (
	"sort"
	"sync"

	"strata/pkg/core"
	"strata/pkg/engine"
	"strata/pkg/storage"
	"strata/pkg/txn"
)

// Session scopes operations to one branch and carries an optional
// active transaction. Every mutating primitive operation routes
// through the active transaction when one exists; without one it runs
// as its own single-operation transaction. Read-only operations
// overlay the active transaction's staged effects.
type Session struct {
	mu     sync.Mutex
	db     *engine.Database
	branch core.BranchID
	tx     *txn.Transaction
}

// NewSession opens a session on a branch.
func NewSession(db *engine.Database, branch core.BranchID) (*Session, error) {
	if !db.BranchExists(branch) {
		return nil, core.Errorf(core.CodeNotFound, "branch %q not found", branch)
	}
	return &Session{db: db, branch: branch}, nil
}

// Database returns the underlying database handle.
func (s *Session) Database() *engine.Database { return s.db }

// Branch returns the session's branch.
func (s *Session) Branch() core.BranchID { return s.branch }

// InTransaction reports whether a transaction is active.
func (s *Session) InTransaction() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tx != nil
}

// Begin opens a transaction on the session.
func (s *Session) Begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx != nil {
		return core.NewError(core.CodeInvalidInput, "transaction already active")
	}
	s.tx = s.db.Begin(s.branch)
	return nil
}

// Commit commits the active transaction.
func (s *Session) Commit() error {
	s.mu.Lock()
	tx := s.tx
	s.tx = nil
	s.mu.Unlock()
	if tx == nil {
		return core.NewError(core.CodeTransactionNotActive, "no active transaction")
	}
	return s.db.Commit(tx)
}

// Rollback aborts the active transaction.
func (s *Session) Rollback() error {
	s.mu.Lock()
	tx := s.tx
	s.tx = nil
	s.mu.Unlock()
	if tx == nil {
		return core.NewError(core.CodeTransactionNotActive, "no active transaction")
	}
	s.db.Rollback(tx)
	return nil
}

// CreateBranch creates a branch. Branch lifecycle is not versioned
// data: inside a transaction the command fails with InvalidInput
// instead of silently bypassing rollback.
func (s *Session) CreateBranch(id core.BranchID) error {
	if s.InTransaction() {
		return core.NewError(core.CodeInvalidInput,
			"branch create is not allowed inside a transaction")
	}
	return s.db.CreateBranch(id)
}

// DeleteBranch deletes a branch; rejected inside a transaction.
func (s *Session) DeleteBranch(id core.BranchID) error {
	if s.InTransaction() {
		return core.NewError(core.CodeInvalidInput,
			"branch delete is not allowed inside a transaction")
	}
	return s.db.DeleteBranch(id)
}

// BranchExists reports branch existence. Branch reads are allowed
// inside transactions.
func (s *Session) BranchExists(id core.BranchID) bool {
	return s.db.BranchExists(id)
}

// activeTx returns the active transaction, or nil.
func (s *Session) activeTx() *txn.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tx
}

// write runs fn against the active transaction, or inside a fresh
// auto-commit transaction.
func (s *Session) write(fn func(tx *txn.Transaction) error) error {
	if tx := s.activeTx(); tx != nil {
		return fn(tx)
	}
	tx := s.db.Begin(s.branch)
	if err := fn(tx); err != nil {
		s.db.Rollback(tx)
		return err
	}
	return s.db.Commit(tx)
}

// readVersioned reads a key through the active transaction when one
// exists (seeing staged effects), otherwise straight from the store.
func (s *Session) readVersioned(key core.Key) (*core.VersionedValue, error) {
	if tx := s.activeTx(); tx != nil {
		return tx.Get(key)
	}
	return s.db.Store().Get(key)
}

// scanOverlay enumerates committed entries of one (branch, tag) family
// and overlays the active transaction's staged writes and deletes, so
// read-only listings see uncommitted effects. It produces zero WAL
// writes.
func (s *Session) scanOverlay(tag core.TypeTag, prefix []byte) ([]storage.KeyValue, error) {
	store := s.db.Store()
	ns := core.NamespaceForBranch(s.branch)

	tx := s.activeTx()
	maxVersion := store.CurrentVersion()
	if tx != nil {
		// Inside a transaction the committed base is the transaction's
		// snapshot, so listings stay consistent with point reads.
		maxVersion = tx.Snapshot().Watermark()
	}
	committed, err := store.ScanPrefix(ns, tag, prefix, maxVersion)
	if err != nil {
		return nil, err
	}
	if tx == nil {
		return committed, nil
	}

	out := committed[:0]
	for _, kv := range committed {
		if value, deleted, staged := tx.StagedWrite(kv.Key); staged {
			if deleted {
				continue
			}
			kv.Value.Value = *value
		}
		out = append(out, kv)
	}

	// Staged writes for keys not yet committed.
	enc := core.Key{Namespace: ns, Tag: tag, UserKey: prefix}.Encode()
	for _, w := range tx.StagedWrites() {
		if w.Key.Namespace != ns || w.Key.Tag != tag {
			continue
		}
		full := w.Key.Encode()
		if len(full) < len(enc) || full[:len(enc)] != enc {
			continue
		}
		found := false
		for _, kv := range out {
			if kv.Key.Equal(w.Key) {
				found = true
				break
			}
		}
		if !found {
			out = append(out, storage.KeyValue{
				Key:   w.Key,
				Value: core.VersionedValue{Value: w.Value},
			})
		}
	}

	sortKeyValues(out)
	return out, nil
}

func sortKeyValues(kvs []storage.KeyValue) {
	sort.Slice(kvs, func(i, j int) bool {
		return kvs[i].Key.Encode() < kvs[j].Key.Encode()
	})
}
