// pkg/txn/manager.go
package txn

import (
	"sync"
	"sync/atomic"

	"strata/pkg/core"
	"strata/pkg/storage"
)

// Manager hands out transactions with monotone numeric ids and tracks
// the active set. Commit and abort are driven by the engine, which owns
// the durability and apply steps; the manager only manages lifecycle.
type Manager struct {
	mu     sync.RWMutex
	nextID atomic.Uint64
	active map[uint64]*Transaction
}

// NewManager creates a transaction manager.
func NewManager() *Manager {
	return &Manager{active: make(map[uint64]*Transaction)}
}

// Begin opens a transaction on the branch over the given snapshot.
func (m *Manager) Begin(branch core.BranchID, snapshot *storage.SnapshotView) *Transaction {
	tx := &Transaction{
		id:        m.nextID.Add(1),
		branch:    branch,
		state:     StateActive,
		snapshot:  snapshot,
		readSet:   make(map[string]readEntry),
		writeSet:  make(map[string]writeEntry),
		deleteSet: make(map[string]core.Key),
	}
	m.mu.Lock()
	m.active[tx.id] = tx
	m.mu.Unlock()
	return tx
}

// AllocateID reserves a bare transaction id without opening a
// transaction. Non-runtime WAL producers (the vector substrate) use
// this to bracket their entry batches.
func (m *Manager) AllocateID() uint64 {
	return m.nextID.Add(1)
}

// BeginValidating transitions the transaction into Validating.
func (m *Manager) BeginValidating(tx *Transaction) error {
	return tx.beginValidating()
}

// Commit marks the transaction committed and retires it.
func (m *Manager) Commit(tx *Transaction) {
	tx.markCommitted()
	m.retire(tx)
}

// Abort marks the transaction aborted and retires it. Aborting a
// transaction that already finished is a no-op.
func (m *Manager) Abort(tx *Transaction) {
	tx.markAborted()
	m.retire(tx)
}

func (m *Manager) retire(tx *Transaction) {
	m.mu.Lock()
	delete(m.active, tx.id)
	m.mu.Unlock()
}

// ActiveCount returns the number of in-flight transactions.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

// AdvanceID raises the id counter to at least v. Recovery uses this so
// post-restart transactions never reuse replayed ids.
func (m *Manager) AdvanceID(v uint64) {
	for {
		cur := m.nextID.Load()
		if cur >= v {
			return
		}
		if m.nextID.CompareAndSwap(cur, v) {
			return
		}
	}
}

// CurrentID returns the highest id handed out.
func (m *Manager) CurrentID() uint64 {
	return m.nextID.Load()
}
