// pkg/engine/branch.go
package engine

import (
	"sort"
	"sync"

	"strata/pkg/core"
)

// BranchStatus is the durability-focused branch lifecycle state.
type BranchStatus int

const (
	// BranchNotFound means the branch does not exist.
	BranchNotFound BranchStatus = iota
	// BranchActive means the branch was begun and not yet ended.
	BranchActive
	// BranchCompleted means the branch was ended normally.
	BranchCompleted
	// BranchOrphaned means a crash interrupted the branch: its begin
	// marker was recovered with no matching end marker.
	BranchOrphaned
)

// String returns the status name
func (s BranchStatus) String() string {
	switch s {
	case BranchActive:
		return "Active"
	case BranchCompleted:
		return "Completed"
	case BranchOrphaned:
		return "Orphaned"
	case BranchNotFound:
		return "NotFound"
	default:
		return "Unknown"
	}
}

// branchRecord tracks one branch's lifecycle.
type branchRecord struct {
	id              core.BranchID
	status          BranchStatus
	startedAtMicros uint64
	endedAtMicros   uint64
}

// branchTracker maintains branch lifecycle state in memory. The WAL
// carries RunBegin / RunEnd markers; snapshots persist the records.
type branchTracker struct {
	mu       sync.RWMutex
	branches map[core.BranchID]*branchRecord
}

func newBranchTracker() *branchTracker {
	return &branchTracker{branches: make(map[core.BranchID]*branchRecord)}
}

func (t *branchTracker) begin(id core.BranchID, atMicros uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.branches[id]; exists {
		return core.Errorf(core.CodeInvalidInput, "branch %q already exists", id)
	}
	t.branches[id] = &branchRecord{
		id:              id,
		status:          BranchActive,
		startedAtMicros: atMicros,
	}
	return nil
}

func (t *branchTracker) end(id core.BranchID, atMicros uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, exists := t.branches[id]
	if !exists {
		return core.Errorf(core.CodeNotFound, "branch %q not found", id)
	}
	if rec.status != BranchActive && rec.status != BranchOrphaned {
		return core.Errorf(core.CodeConstraintViolation, "branch %q is %s", id, rec.status)
	}
	rec.status = BranchCompleted
	rec.endedAtMicros = atMicros
	return nil
}

func (t *branchTracker) status(id core.BranchID) BranchStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, exists := t.branches[id]
	if !exists {
		return BranchNotFound
	}
	return rec.status
}

func (t *branchTracker) exists(id core.BranchID) bool {
	return t.status(id) != BranchNotFound
}

func (t *branchTracker) list() []core.BranchID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]core.BranchID, 0, len(t.branches))
	for id := range t.branches {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (t *branchTracker) remove(id core.BranchID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.branches, id)
}

// markOrphans downgrades Active branches to Orphaned. Recovery calls
// this after replay: a branch that never saw its end marker was
// interrupted by the crash.
func (t *branchTracker) markOrphans() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	orphaned := 0
	for _, rec := range t.branches {
		if rec.status == BranchActive {
			rec.status = BranchOrphaned
			orphaned++
		}
	}
	return orphaned
}

// restore installs a branch record from a snapshot.
func (t *branchTracker) restore(id core.BranchID, status BranchStatus, startedAt, endedAt uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.branches[id] = &branchRecord{
		id:              id,
		status:          status,
		startedAtMicros: startedAt,
		endedAtMicros:   endedAt,
	}
}

func (t *branchTracker) dump() []*branchRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*branchRecord, 0, len(t.branches))
	for _, rec := range t.branches {
		copied := *rec
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}
